package pageproc

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/examcore/examcore/internal/artifact"
	"github.com/examcore/examcore/internal/config"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/ocrcache"
)

func newTestCache() *ocrcache.Cache {
	return ocrcache.New(config.Config{MemCacheEnabled: true, MemCacheSize: 8, MaxContentChars: 2000})
}

func TestFindQuestionSpansGroupsFollowingBlocks(t *testing.T) {
	blocks := []domain.Block{
		{Label: "text", Content: "1. What is the capital of France?", BBox: [4]float64{0, 0, 100, 10}},
		{Label: "text", Content: "continuation of question 1", BBox: [4]float64{0, 10, 100, 20}},
		{Label: "text", Content: "2. Second question", BBox: [4]float64{0, 20, 100, 30}},
	}
	spans, leading := findQuestionSpans(3, blocks)
	if len(leading) != 0 {
		t.Errorf("leading = %v, want none (first block opens a question)", leading)
	}
	if len(spans) != 2 {
		t.Fatalf("findQuestionSpans() len = %d, want 2", len(spans))
	}
	if spans[0].question.Qno != 1 || spans[1].question.Qno != 2 {
		t.Errorf("qnos = %d, %d", spans[0].question.Qno, spans[1].question.Qno)
	}
	if spans[0].question.BBox.Y2 != 20 {
		t.Errorf("span 1 should extend to cover the continuation block, got Y2=%v", spans[0].question.BBox.Y2)
	}
	if spans[0].question.BBox.Page != 3 {
		t.Errorf("span page = %d, want 3", spans[0].question.BBox.Page)
	}
	if len(spans[0].blocks) != 2 {
		t.Errorf("span 1 blocks = %d, want 2", len(spans[0].blocks))
	}
}

func TestFindQuestionSpansReturnsLeadingBlocksBeforeFirstQuestion(t *testing.T) {
	blocks := []domain.Block{
		{Label: "title", Content: "Section header", BBox: [4]float64{0, 0, 100, 10}},
	}
	spans, leading := findQuestionSpans(1, blocks)
	if len(spans) != 0 {
		t.Errorf("findQuestionSpans() spans = %v, want none", spans)
	}
	if len(leading) != 1 {
		t.Fatalf("leading = %v, want the section header block", leading)
	}
}

func TestPrefetchSendsInOrderThenSentinels(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, "page_"+strconv.Itoa(i)+".bin")
		if err := os.WriteFile(p, []byte("page data"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	out := make(chan pageTask, 16)
	prefetch(context.Background(), paths, out, nil, 2)

	var got []pageTask
	for task := range out {
		got = append(got, task)
	}
	if len(got) != len(paths)+2 {
		t.Fatalf("got %d tasks, want %d", len(got), len(paths)+2)
	}
	for i, p := range paths {
		if got[i].index != i || got[i].path != p {
			t.Errorf("task %d = %+v, want index %d path %s", i, got[i], i, p)
		}
	}
	for _, s := range got[len(paths):] {
		if s.index != sentinelIndex {
			t.Errorf("expected sentinel, got %+v", s)
		}
	}
}

func TestSummaryRoundTripAndSkipExisting(t *testing.T) {
	dir := t.TempDir()
	if _, ok := loadSummary(dir, "page_1"); ok {
		t.Fatal("expected no summary before save")
	}
	s := domain.PageSummary{PageID: "page_1", Questions: []domain.PageQuestion{{Qno: 1}}}
	if err := saveSummary(dir, s); err != nil {
		t.Fatalf("saveSummary: %v", err)
	}
	got, ok := loadSummary(dir, "page_1")
	if !ok || len(got.Questions) != 1 {
		t.Fatalf("loadSummary() = %+v, %v", got, ok)
	}
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestCropQuestionProducesBoundedPNG(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "page_1.png")
	writeTestPNG(t, imgPath, 100, 100)

	data, err := cropQuestion(imgPath, domain.BBox{X1: 10, Y1: 10, X2: 30, Y2: 40})
	if err != nil {
		t.Fatalf("cropQuestion: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode crop: %v", err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 30 {
		t.Errorf("crop size = %dx%d, want 20x30", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

// fakeLeaser/fakePredictor let the processor's worker pool be exercised
// without a live Model Gateway or OCR worker.
type fakeLeaser struct{}

func (fakeLeaser) Lease(ctx context.Context) (ocrcache.Predictor, error) { return fakePredictor{}, nil }

type fakePredictor struct{}

func (fakePredictor) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

func TestProcessorRunOrdersResultsAndHonorsSkipExisting(t *testing.T) {
	dir := t.TempDir()
	workdir := t.TempDir()

	var paths []string
	for i := 1; i <= 3; i++ {
		p := filepath.Join(dir, "page_"+strconv.Itoa(i)+".png")
		writeTestPNG(t, p, 60, 60)
		paths = append(paths, p)
	}

	// Pre-seed page_2's summary so it's skipped.
	if err := saveSummary(workdir, domain.PageSummary{PageID: "page_2"}); err != nil {
		t.Fatal(err)
	}

	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := &Processor{
		gw:          fakeLeaser{},
		cache:       newTestCache(),
		artifacts:   artifacts,
		workerCount: 2,
		queueSize:   4,
	}

	results, err := p.Run(context.Background(), "task-1", paths, workdir, true, 2*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d, want %d (ordering broken)", i, r.Index, i)
		}
	}
	if !results[1].Skipped {
		t.Errorf("page_2 (index 1) should have been skipped, got %+v", results[1])
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("results[%d].Err = %v", i, r.Err)
		}
	}
}
