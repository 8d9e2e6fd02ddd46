package ocrcache

import (
	"unicode/utf8"

	"github.com/examcore/examcore/internal/domain"
)

// textLabels are OCR labels treated as text content, exempt from truncation.
var textLabels = map[string]bool{
	"text":  true,
	"title": true,
}

// normalizeBlocks drops blocks with a missing bbox or label, and truncates
// non-text content past maxChars, per spec §4.E.
func normalizeBlocks(raw []domain.Block, maxChars int) []domain.Block {
	out := make([]domain.Block, 0, len(raw))
	for _, b := range raw {
		if b.Label == "" || b.BBox == ([4]float64{}) {
			continue
		}
		if !textLabels[b.Label] && maxChars > 0 {
			b = truncateContent(b, maxChars)
		}
		out = append(out, b)
	}
	return out
}

func truncateContent(b domain.Block, maxChars int) domain.Block {
	if utf8.RuneCountInString(b.Content) <= maxChars {
		return b
	}
	runes := []rune(b.Content)
	b.ContentLen = len(runes)
	b.Content = string(runes[:maxChars])
	b.ContentTruncated = true
	return b
}
