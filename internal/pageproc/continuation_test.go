package pageproc

import (
	"path/filepath"
	"testing"

	"github.com/examcore/examcore/internal/artifact"
	"github.com/examcore/examcore/internal/domain"
)

func textBlock(content string, y1, y2 float64) domain.Block {
	return domain.Block{Label: "text", Content: content, BBox: [4]float64{0, y1, 500, y2}}
}

func visualBlock(label string, y1, y2 float64) domain.Block {
	return domain.Block{Label: label, Content: "", BBox: [4]float64{0, y1, 500, y2}}
}

func TestShouldBlockContinuationRejectsOverheightNonVisualGroup(t *testing.T) {
	// Candidate group spans 360 of a 1000-tall page: 36% > the 35% default cap.
	leading := []domain.Block{textBlock("plain spillover text", 0, 360)}
	if !shouldBlockContinuation(leading, 1000, questionProfile{}) {
		t.Error("a non-visual candidate over 35% of page height should be blocked")
	}
}

func TestShouldBlockContinuationAcceptsUnderheightNonVisualGroup(t *testing.T) {
	// 340 of 1000 is 34%, under the 35% default cap.
	leading := []domain.Block{textBlock("plain spillover text", 0, 340)}
	if shouldBlockContinuation(leading, 1000, questionProfile{}) {
		t.Error("a non-visual candidate under 35% of page height should not be blocked")
	}
}

func TestShouldBlockContinuationTightensCapToTwentyFivePercentForVisualCandidate(t *testing.T) {
	// 300 of 1000 is 30%: passes the 35% default cap but fails the 25% one
	// that applies when the candidate carries a visual and the previous
	// question did not.
	leading := []domain.Block{visualBlock("figure", 0, 300)}
	if !shouldBlockContinuation(leading, 1000, questionProfile{hasVisual: false}) {
		t.Error("a visual-dominant candidate over 25% of page height should be blocked when prev had no visual")
	}
}

func TestShouldBlockContinuationKeepsThirtyFivePercentCapWhenPrevAlsoHasVisual(t *testing.T) {
	// Same 30%-tall visual candidate, but the previous question already had
	// a visual of its own, so the cap stays at 35%.
	leading := []domain.Block{visualBlock("figure", 0, 300)}
	if shouldBlockContinuation(leading, 1000, questionProfile{hasVisual: true}) {
		t.Error("a visual candidate under 35% should not be blocked when prev also had a visual")
	}
}

func TestShouldBlockContinuationRejectsVisualDominantAfterShortChoiceQuestion(t *testing.T) {
	// Short, well under either height cap, but a visual-dominant candidate
	// following a short non-visual choice question reads as new material.
	leading := []domain.Block{visualBlock("table", 0, 50)}
	if !shouldBlockContinuation(leading, 1000, questionProfile{hasVisual: false, isShortChoice: true}) {
		t.Error("a visual-dominant candidate after a short choice question should be blocked regardless of height")
	}
}

func TestShouldBlockContinuationRejectsEmptyCandidate(t *testing.T) {
	if !shouldBlockContinuation(nil, 1000, questionProfile{}) {
		t.Error("an empty candidate group should be blocked")
	}
}

func TestProfileQuestionDetectsShortChoiceWithoutVisual(t *testing.T) {
	blocks := []domain.Block{textBlock("1. Pick one: A. foo B. bar C. baz D. qux", 0, 20)}
	p := profileQuestion(blocks)
	if p.hasVisual {
		t.Error("text-only blocks should not be flagged as visual")
	}
	if !p.isShortChoice {
		t.Error("a short block with ABCD options should be flagged as a short choice question")
	}
}

func TestMergeContinuationsAcceptsGroupUnderHeightCap(t *testing.T) {
	dir := t.TempDir()
	page2Path := filepath.Join(dir, "page_2.png")
	writeTestPNG(t, page2Path, 500, 1000)

	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := &Processor{artifacts: artifacts}

	profile := questionProfile{hasVisual: false}
	results := []PageResult{
		{Index: 0, Summary: domain.PageSummary{PageID: "page_1", Questions: []domain.PageQuestion{{Qno: 1}}}, lastProfile: &profile},
		{Index: 1, Summary: domain.PageSummary{PageID: "page_2"}, leading: []domain.Block{textBlock("spillover", 0, 300)}, pageHeight: 1000},
	}

	p.mergeContinuations("task-1", []string{filepath.Join(dir, "page_1.png"), page2Path}, results)

	if results[0].Summary.Questions[0].ContinuationRef == "" {
		t.Error("expected the previous page's last question to gain a ContinuationRef")
	}
}

func TestMergeContinuationsRejectsOverheightGroup(t *testing.T) {
	dir := t.TempDir()
	page2Path := filepath.Join(dir, "page_2.png")
	writeTestPNG(t, page2Path, 500, 1000)

	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := &Processor{artifacts: artifacts}

	profile := questionProfile{hasVisual: false}
	results := []PageResult{
		{Index: 0, Summary: domain.PageSummary{PageID: "page_1", Questions: []domain.PageQuestion{{Qno: 1}}}, lastProfile: &profile},
		{Index: 1, Summary: domain.PageSummary{PageID: "page_2"}, leading: []domain.Block{textBlock("spillover", 0, 360)}, pageHeight: 1000},
	}

	p.mergeContinuations("task-1", []string{filepath.Join(dir, "page_1.png"), page2Path}, results)

	if results[0].Summary.Questions[0].ContinuationRef != "" {
		t.Error("a candidate group over the height cap should not be merged")
	}
}

func TestProfileQuestionVisualQuestionIsNeverShortChoice(t *testing.T) {
	blocks := []domain.Block{
		textBlock("1. See the chart below: A. foo B. bar", 0, 20),
		visualBlock("figure", 20, 100),
	}
	p := profileQuestion(blocks)
	if !p.hasVisual {
		t.Error("a question with a figure block should be flagged as visual")
	}
	if p.isShortChoice {
		t.Error("a visual question should never be flagged as a short choice question")
	}
}
