package crop

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// composeVertical stitches bands top-to-bottom: max width, sum of heights,
// white background (§4.H). A single band is still copied onto a fresh white
// canvas so P-mode/paletted sources are normalized to RGBA the same way a
// multi-band composite is.
func composeVertical(bands []image.Image) image.Image {
	maxW, totalH := 0, 0
	for _, b := range bands {
		if w := b.Bounds().Dx(); w > maxW {
			maxW = w
		}
		totalH += b.Bounds().Dy()
	}

	dst := image.NewRGBA(image.Rect(0, 0, maxW, totalH))
	whiteBackground(dst)

	y := 0
	for _, b := range bands {
		h := b.Bounds().Dy()
		target := image.Rect(0, y, b.Bounds().Dx(), y+h)
		draw.Draw(dst, target, b, b.Bounds().Min, draw.Src)
		y += h
	}
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("crop: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
