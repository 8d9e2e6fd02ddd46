package pageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/examcore/examcore/internal/domain"
)

// cropQuestion materializes one question's bounding box as a standalone PNG.
func cropQuestion(pageImagePath string, bbox domain.BBox) ([]byte, error) {
	f, err := os.Open(pageImagePath)
	if err != nil {
		return nil, fmt.Errorf("pageproc: open page image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("pageproc: decode page image: %w", err)
	}

	rect := image.Rect(int(bbox.X1), int(bbox.Y1), int(bbox.X2), int(bbox.Y2)).Intersect(src.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("pageproc: crop box %v is empty after clamping to page bounds", bbox)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("pageproc: encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
