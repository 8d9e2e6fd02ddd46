package crop

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sort"

	"github.com/examcore/examcore/internal/domain"
)

var errNoBBoxes = errors.New("crop: no bboxes to band")

// fallbackTopMargin/BottomMargin are the spec's fixed fallback crop band
// when a big question has no bboxes at all: [100, H-150] on every page of
// its page_span.
const (
	fallbackTopMargin    = 100
	fallbackBottomMargin = 150
)

// pageBand crops a full-width band from min(y1) to max(y2) across bboxes,
// all assumed to be on the same page. draw.Draw converts any source color
// model (including a paletted/"P-mode" decode) to the RGBA destination as
// part of compositing, so no separate palette-conversion step is needed.
func pageBand(img image.Image, bboxes []domain.BBox) (image.Image, error) {
	if len(bboxes) == 0 {
		return nil, errNoBBoxes
	}
	minY, maxY := bboxes[0].Y1, bboxes[0].Y2
	for _, b := range bboxes[1:] {
		if b.Y1 < minY {
			minY = b.Y1
		}
		if b.Y2 > maxY {
			maxY = b.Y2
		}
	}
	bounds := img.Bounds()
	rect := image.Rect(bounds.Min.X, int(minY), bounds.Max.X, int(maxY)).Intersect(bounds)
	if rect.Empty() {
		return nil, errNoBBoxes
	}
	return copyRect(img, rect), nil
}

// fallbackBand crops the fixed [100, H-150] band used when a big question
// has no bboxes at all.
func fallbackBand(img image.Image) image.Image {
	bounds := img.Bounds()
	top := bounds.Min.Y + fallbackTopMargin
	bottom := bounds.Max.Y - fallbackBottomMargin
	rect := image.Rect(bounds.Min.X, top, bounds.Max.X, bottom).Intersect(bounds)
	if rect.Empty() {
		rect = bounds
	}
	return copyRect(img, rect)
}

func copyRect(img image.Image, rect image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// groupBBoxesByPage buckets bboxes by their Page field.
func groupBBoxesByPage(bboxes []domain.BBox) map[int][]domain.BBox {
	byPage := make(map[int][]domain.BBox)
	for _, b := range bboxes {
		byPage[b.Page] = append(byPage[b.Page], b)
	}
	return byPage
}

func sortedPageKeys(byPage map[int][]domain.BBox) []int {
	keys := make([]int, 0, len(byPage))
	for p := range byPage {
		keys = append(keys, p)
	}
	sort.Ints(keys)
	return keys
}

// whiteBackground fills dst with white, used before compositing bands of
// differing widths so the uncovered margin isn't left black/transparent.
func whiteBackground(dst draw.Image) {
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
}
