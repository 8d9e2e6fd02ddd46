package pageproc

import (
	"regexp"
	"strconv"

	"github.com/examcore/examcore/internal/domain"
)

var questionNoRe = regexp.MustCompile(`^(\d{1,3})[.．、]`)

// questionSpan is one numbered question's span plus the blocks that make it
// up, the latter needed only in-process by the continuation heuristic
// (profileQuestion) and never persisted.
type questionSpan struct {
	question domain.PageQuestion
	blocks   []domain.Block
}

// findQuestionSpans walks a single page's layout blocks in order and groups
// them into per-question bounding spans: each block whose content starts
// with a question-number pattern opens a new span; subsequent blocks extend
// the current span until the next question number (or the page ends). Any
// blocks before the page's first question number are returned separately as
// leading — candidates for extending the previous page's last question
// across the page boundary (see shouldBlockContinuation).
//
// This is deliberately single-page and does not attempt the section-
// boundary or data-analysis grouping that internal/structure performs over
// the whole document in stage 2 — stage 1 only needs enough of a
// per-question box to produce a crop.
func findQuestionSpans(page int, blocks []domain.Block) (spans []questionSpan, leading []domain.Block) {
	var current *questionSpan

	for _, b := range blocks {
		if m := questionNoRe.FindStringSubmatch(b.Content); m != nil {
			qno, _ := strconv.Atoi(m[1])
			spans = append(spans, questionSpan{
				question: domain.PageQuestion{Qno: qno, BBox: bboxFromBlock(page, b)},
				blocks:   []domain.Block{b},
			})
			current = &spans[len(spans)-1]
			continue
		}
		if current == nil {
			leading = append(leading, b)
			continue
		}
		current.question.BBox = unionBBox(current.question.BBox, bboxFromBlock(page, b))
		current.blocks = append(current.blocks, b)
	}
	return spans, leading
}

func bboxFromBlock(page int, b domain.Block) domain.BBox {
	return domain.BBox{Page: page, X1: b.BBox[0], Y1: b.BBox[1], X2: b.BBox[2], Y2: b.BBox[3]}
}

func unionBBox(a, b domain.BBox) domain.BBox {
	if a == (domain.BBox{}) {
		return b
	}
	out := a
	if b.X1 < out.X1 {
		out.X1 = b.X1
	}
	if b.Y1 < out.Y1 {
		out.Y1 = b.Y1
	}
	if b.X2 > out.X2 {
		out.X2 = b.X2
	}
	if b.Y2 > out.Y2 {
		out.Y2 = b.Y2
	}
	return out
}
