package ocrcache

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/examcore/examcore/internal/domain"
)

func TestPageIDAndNumber(t *testing.T) {
	if got := PageID("/tmp/workdir/page_12.png"); got != "page_12" {
		t.Errorf("PageID() = %q", got)
	}
	if got := PageNumber("page_12"); got != 12 {
		t.Errorf("PageNumber() = %d, want 12", got)
	}
	if got := PageNumber("cover"); got != 0 {
		t.Errorf("PageNumber(no digits) = %d, want 0", got)
	}
}

func TestSortPageIDsNumericThenLexicographic(t *testing.T) {
	ids := []string{"page_10", "page_2", "page_1", "cover", "appendix"}
	SortPageIDs(ids)
	want := []string{"appendix", "cover", "page_1", "page_2", "page_10"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("SortPageIDs() = %v, want %v", ids, want)
		}
	}
}

func TestMemCacheLRUEviction(t *testing.T) {
	c := newMemCache(2)
	c.put("wd", "p1", domain.PageLayout{PageID: "p1"})
	c.put("wd", "p2", domain.PageLayout{PageID: "p2"})
	if _, ok := c.get("wd", "p1"); !ok {
		t.Fatal("p1 should still be cached")
	}
	// p1 is now most-recently-used; p2 is least-recently-used.
	c.put("wd", "p3", domain.PageLayout{PageID: "p3"})
	if _, ok := c.get("wd", "p2"); ok {
		t.Error("p2 should have been evicted")
	}
	if _, ok := c.get("wd", "p1"); !ok {
		t.Error("p1 should still be cached")
	}
	if _, ok := c.get("wd", "p3"); !ok {
		t.Error("p3 should be cached")
	}
}

func TestNormalizeBlocksDropsMissingBBoxOrLabel(t *testing.T) {
	blocks := []domain.Block{
		{Label: "text", BBox: [4]float64{1, 2, 3, 4}, Content: "hi"},
		{Label: "", BBox: [4]float64{1, 2, 3, 4}, Content: "no label"},
		{Label: "figure", BBox: [4]float64{}, Content: "no bbox"},
	}
	out := normalizeBlocks(blocks, 2000)
	if len(out) != 1 {
		t.Fatalf("normalizeBlocks() len = %d, want 1", len(out))
	}
}

func TestNormalizeBlocksTruncatesNonText(t *testing.T) {
	blocks := []domain.Block{
		{Label: "figure", BBox: [4]float64{1, 2, 3, 4}, Content: "abcdefghij"},
	}
	out := normalizeBlocks(blocks, 4)
	if !out[0].ContentTruncated || out[0].Content != "abcd" || out[0].ContentLen != 10 {
		t.Errorf("truncated block = %+v", out[0])
	}
}

func TestNormalizeBlocksNeverTruncatesTextLabel(t *testing.T) {
	blocks := []domain.Block{
		{Label: "text", BBox: [4]float64{1, 2, 3, 4}, Content: "abcdefghij"},
	}
	out := normalizeBlocks(blocks, 4)
	if out[0].ContentTruncated {
		t.Error("text-labeled blocks must not be truncated")
	}
}

func TestDiskSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	layout := domain.PageLayout{
		PageID: "page_1", ImageWidth: 100, ImageHeight: 200,
		Blocks: []domain.Block{{Index: 0, Label: "text", Content: "hi"}},
	}
	if err := diskSave(dir, layout, false); err != nil {
		t.Fatalf("diskSave: %v", err)
	}
	got, ok, err := diskLoad(dir, "page_1")
	if err != nil || !ok {
		t.Fatalf("diskLoad() = %+v, %v, %v", got, ok, err)
	}
	if got.ImageWidth != 100 || got.Blocks[0].Content != "hi" {
		t.Errorf("diskLoad() = %+v", got)
	}
}

func TestDiskLoadMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir() // no ocr/ subdir created
	_, ok, err := diskLoad(dir, "page_1")
	if err != nil || ok {
		t.Fatalf("diskLoad() = %v, %v, want false, nil", ok, err)
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestIsCompleteMatchesStems(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "page_1.png"), 10, 10)
	writePNG(t, filepath.Join(dir, "page_2.png"), 10, 10)

	complete, err := IsComplete(dir)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if complete {
		t.Fatal("expected incomplete with no ocr/ cache files yet")
	}

	if err := diskSave(dir, domain.PageLayout{PageID: "page_1"}, false); err != nil {
		t.Fatal(err)
	}
	complete, err = IsComplete(dir)
	if err != nil || complete {
		t.Fatalf("IsComplete() = %v, %v, want false (page_2 missing)", complete, err)
	}

	if err := diskSave(dir, domain.PageLayout{PageID: "page_2"}, false); err != nil {
		t.Fatal(err)
	}
	complete, err = IsComplete(dir)
	if err != nil || !complete {
		t.Fatalf("IsComplete() = %v, %v, want true", complete, err)
	}
}

type fakePredictor struct {
	resp *structpb.Struct
	err  error
	n    int
}

func (f *fakePredictor) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.n++
	return f.resp, f.err
}

func blockRespStruct(t *testing.T) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(map[string]any{
		"blocks": []any{
			map[string]any{
				"index": 0.0, "label": "text", "content": "hello",
				"bbox": []any{1.0, 2.0, 3.0, 4.0},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCacheRunMissThenHit(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "page_1.png")
	writePNG(t, imgPath, 50, 80)

	pred := &fakePredictor{resp: blockRespStruct(t)}
	c := newMemCache(4)
	cache := &Cache{mem: c, maxContentChars: 2000}

	blocks, size, err := cache.Run(context.Background(), pred, imgPath, dir, false)
	if err != nil {
		t.Fatalf("Run (miss): %v", err)
	}
	if size.Width != 50 || size.Height != 80 {
		t.Errorf("size = %+v", size)
	}
	if len(blocks) != 1 || blocks[0].Content != "hello" {
		t.Errorf("blocks = %+v", blocks)
	}
	if pred.n != 1 {
		t.Fatalf("predict called %d times, want 1", pred.n)
	}

	// Second call should hit the memory tier, not invoke predict again.
	_, _, err = cache.Run(context.Background(), pred, imgPath, dir, false)
	if err != nil {
		t.Fatalf("Run (hit): %v", err)
	}
	if pred.n != 1 {
		t.Errorf("predict called %d times on cache hit, want still 1", pred.n)
	}
}

func TestCacheRunDiskHitPromotesToMemory(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "page_1.png")
	writePNG(t, imgPath, 50, 80)

	if err := diskSave(dir, domain.PageLayout{
		PageID: "page_1", ImageWidth: 50, ImageHeight: 80,
		Blocks: []domain.Block{{Label: "text", Content: "cached"}},
	}, false); err != nil {
		t.Fatal(err)
	}

	pred := &fakePredictor{resp: blockRespStruct(t)}
	mem := newMemCache(4)
	cache := &Cache{mem: mem, maxContentChars: 2000}

	blocks, _, err := cache.Run(context.Background(), pred, imgPath, dir, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Content != "cached" {
		t.Errorf("blocks = %+v, want disk-cached content", blocks)
	}
	if pred.n != 0 {
		t.Errorf("predict called on a disk hit, want 0 calls")
	}
	if _, ok := mem.get(dir, "page_1"); !ok {
		t.Error("disk hit should promote to memory tier")
	}
}

func TestCacheRunForceBypassesBothTiers(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "page_1.png")
	writePNG(t, imgPath, 50, 80)

	if err := diskSave(dir, domain.PageLayout{PageID: "page_1", Blocks: []domain.Block{{Label: "text", Content: "stale"}}}, false); err != nil {
		t.Fatal(err)
	}

	pred := &fakePredictor{resp: blockRespStruct(t)}
	cache := &Cache{maxContentChars: 2000}

	blocks, _, err := cache.Run(context.Background(), pred, imgPath, dir, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Content != "hello" {
		t.Errorf("blocks = %+v, want fresh predict result", blocks)
	}
	if pred.n != 1 {
		t.Errorf("predict called %d times, want 1 (forced)", pred.n)
	}
}

func TestParseBlocksEmptyResponse(t *testing.T) {
	if got := parseBlocks(nil); got != nil {
		t.Errorf("parseBlocks(nil) = %v, want nil", got)
	}
	empty, _ := structpb.NewStruct(map[string]any{})
	if got := parseBlocks(empty); got != nil {
		t.Errorf("parseBlocks(empty) = %v, want nil", got)
	}
}
