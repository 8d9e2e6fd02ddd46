package crop

import (
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/examcore/examcore/internal/domain"
)

// Item is one produced artifact ready for the caller (the compose_long_image
// step executor) to persist via internal/artifact.
type Item struct {
	Name string
	Data []byte
}

// parallelThreshold/maxWorkers implement §4.H's "parallelize across
// questions when total items > 10 using a thread pool sized min(cpu, 6)".
const parallelThreshold = 10
const maxWorkers = 6

// Composer renders per-question and per-big-question PNGs from a
// StructureDoc and a directory of page_{n}.png bitmaps.
type Composer struct {
	bitmaps *bitmapCache
}

// New builds a Composer with the spec's ≤5-entry page-bitmap LRU.
func New() *Composer {
	return &Composer{bitmaps: newBitmapCache(5)}
}

type composeJob struct {
	name     string
	bboxes   []domain.BBox
	fallback []int // page_span to use for the no-bboxes fallback; empty disables it
}

// Run renders every artifact the completed StructureDoc implies: one
// q{qno}.png per ungrouped normal question, one {big_id}.png per big
// question. Results are returned in a stable, doc-defined order regardless
// of how many workers ran concurrently.
func (c *Composer) Run(workdir string, doc domain.StructureDoc) ([]Item, error) {
	jobs := buildJobs(doc)

	workers := 1
	if len(jobs) > parallelThreshold {
		workers = runtime.NumCPU()
		if workers > maxWorkers {
			workers = maxWorkers
		}
	}

	items := make([]Item, len(jobs))
	errs := make([]error, len(jobs))

	if workers <= 1 {
		for i, j := range jobs {
			items[i], errs[i] = c.runJob(workdir, j)
		}
	} else {
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for i, j := range jobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, j composeJob) {
				defer wg.Done()
				defer func() { <-sem }()
				items[i], errs[i] = c.runJob(workdir, j)
			}(i, j)
		}
		wg.Wait()
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func buildJobs(doc domain.StructureDoc) []composeJob {
	var jobs []composeJob
	for _, q := range doc.Questions {
		if q.Kind != domain.KindNormal || q.ParentID != "" {
			continue
		}
		jobs = append(jobs, composeJob{name: fmt.Sprintf("q%d.png", q.Qno), bboxes: q.BBoxes})
	}
	for _, bq := range doc.BigQuestions {
		bboxes := append([]domain.BBox(nil), bq.MaterialBBoxes...)
		for _, subID := range bq.SubQuestionIDs {
			if sub, ok := doc.QuestionByID(subID); ok {
				bboxes = append(bboxes, sub.BBoxes...)
			}
		}
		jobs = append(jobs, composeJob{name: bq.ID + ".png", bboxes: bboxes, fallback: bq.PageSpan})
	}
	return jobs
}

func (c *Composer) runJob(workdir string, j composeJob) (Item, error) {
	if len(j.bboxes) > 0 {
		data, err := c.composeFromBBoxes(workdir, j.bboxes)
		if err != nil {
			return Item{}, fmt.Errorf("crop: %s: %w", j.name, err)
		}
		return Item{Name: j.name, Data: data}, nil
	}
	if len(j.fallback) > 0 {
		data, err := c.composeFallback(workdir, j.fallback)
		if err != nil {
			return Item{}, fmt.Errorf("crop: %s: %w", j.name, err)
		}
		return Item{Name: j.name, Data: data}, nil
	}
	return Item{}, fmt.Errorf("crop: %s: no bboxes and no fallback page span", j.name)
}

// composeFromBBoxes groups bboxes by page, renders one band per page, and
// composes them vertically (a single page collapses to a single band).
func (c *Composer) composeFromBBoxes(workdir string, bboxes []domain.BBox) ([]byte, error) {
	byPage := groupBBoxesByPage(bboxes)
	pages := sortedPageKeys(byPage)

	bands := make([]image.Image, 0, len(pages))
	for _, p := range pages {
		bitmap, err := c.bitmaps.get(pagePath(workdir, p))
		if err != nil {
			return nil, err
		}
		band, err := pageBand(bitmap, byPage[p])
		if err != nil {
			return nil, err
		}
		bands = append(bands, band)
	}
	return encodePNG(composeVertical(bands))
}

func (c *Composer) composeFallback(workdir string, pageSpan []int) ([]byte, error) {
	bands := make([]image.Image, 0, len(pageSpan))
	for _, p := range pageSpan {
		bitmap, err := c.bitmaps.get(pagePath(workdir, p))
		if err != nil {
			return nil, err
		}
		bands = append(bands, fallbackBand(bitmap))
	}
	return encodePNG(composeVertical(bands))
}

func pagePath(workdir string, page int) string {
	return filepath.Join(workdir, fmt.Sprintf("page_%d.png", page))
}
