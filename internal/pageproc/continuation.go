package pageproc

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/examcore/examcore/internal/domain"
)

// questionProfile captures the bits of a question's content the
// continuation heuristic needs from the previous page's last question,
// ported from extract_questions.py's prev_has_visual/prev_is_short_choice
// checks.
type questionProfile struct {
	hasVisual     bool
	isShortChoice bool
}

// choiceOptionRe matches an "A." / "B、" / "(C)" style choice-option marker;
// ported verbatim (modulo Go regexp syntax) from extract_questions.py's
// _has_choice_options.
var choiceOptionRe = regexp.MustCompile(`(?:^|[\s。．，,;；:：()（）])[ABCD][.．、]\s*`)

// profileQuestion builds a questionProfile from a question's blocks, for
// use as the "previous question" half of shouldBlockContinuation once that
// question turns out to be the last one on its page.
func profileQuestion(blocks []domain.Block) questionProfile {
	hasVisual := false
	var rawText strings.Builder
	for _, b := range blocks {
		switch b.Label {
		case "table", "figure":
			hasVisual = true
		case "text":
			rawText.WriteString(b.Content)
		}
	}
	raw := rawText.String()
	isShortChoice := !hasVisual && len(compact(raw)) <= 260 && choiceOptionRe.MatchString(raw)
	return questionProfile{hasVisual: hasVisual, isShortChoice: isShortChoice}
}

// shouldBlockContinuation decides whether a candidate leading block group —
// blocks that open the next page before any numbered question — should be
// rejected as a continuation of prev's last question, rather than stitched
// onto it across the page boundary.
//
// Ported from extract_questions.py:437,492-494: the candidate's bounding
// box height, as a fraction of the full page height, must not exceed 35%;
// that cap tightens to 25% when the candidate contains any table/figure and
// the previous question carried no visual of its own. A short, non-visual, choice-style previous
// question followed by a visual-dominant candidate is rejected outright,
// regardless of height, since a table/figure opening the next page reads as
// a new question's material, not a spillover of a finished one.
func shouldBlockContinuation(leading []domain.Block, pageHeight float64, prev questionProfile) bool {
	if len(leading) == 0 || pageHeight <= 0 {
		return true
	}

	bbox := unionBBoxOfBlocks(leading)
	heightRatio := (bbox.Y2 - bbox.Y1) / pageHeight

	candHasVisual := false
	var candText strings.Builder
	for _, b := range leading {
		if b.Label == "table" || b.Label == "figure" {
			candHasVisual = true
		}
		if b.Label == "text" {
			candText.WriteString(compact(b.Content))
		}
	}
	candIsVisualDominant := candHasVisual && candText.Len() <= 120

	if prev.isShortChoice && candIsVisualDominant {
		return true
	}

	maxHeightRatio := 0.35
	if candHasVisual && !prev.hasVisual {
		maxHeightRatio = 0.25
	}
	return heightRatio > maxHeightRatio
}

func unionBBoxOfBlocks(blocks []domain.Block) domain.BBox {
	var out domain.BBox
	for _, b := range blocks {
		out = unionBBox(out, domain.BBox{X1: b.BBox[0], Y1: b.BBox[1], X2: b.BBox[2], Y2: b.BBox[3]})
	}
	return out
}

func compact(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
