// Package pageproc implements the Page Processor (§4.F): a prefetcher plus a
// bounded worker pool that turns OCR'd pages into per-question crops.
package pageproc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/examcore/examcore/internal/artifact"
	"github.com/examcore/examcore/internal/config"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/gateway"
	"github.com/examcore/examcore/internal/ocrcache"
)

// Leaser hands out a logical, per-page lease over the shared OCR engine.
// Only the lease's Predict call acquires the gateway's hard inference mutex
// (see internal/gateway) — everything else in a worker's per-page work can
// run concurrently with other workers' leases.
type Leaser interface {
	Lease(ctx context.Context) (ocrcache.Predictor, error)
}

// GatewayLeaser adapts *gateway.Gateway to Leaser.
type GatewayLeaser struct{ Gateway *gateway.Gateway }

func (g GatewayLeaser) Lease(ctx context.Context) (ocrcache.Predictor, error) {
	return g.Gateway.Lease(ctx)
}

// ProgressEmitter is the live-only progress channel (satisfied by
// *events.Sink); decoupled here so the processor doesn't import internal/events.
type ProgressEmitter interface {
	EmitProgress(taskID string, payload map[string]any)
}

// PageResult is one page's outcome, written into an index-aligned slot so
// the overall sequence comes out in input order regardless of completion
// order. leading and lastProfile feed the continuation merge pass that
// runs once every page has been OCR'd and cropped; they are never
// persisted — domain.PageSummary is the on-disk shape.
type PageResult struct {
	Index   int
	Summary domain.PageSummary
	Skipped bool
	Err     error

	leading     []domain.Block
	lastProfile *questionProfile
	pageHeight  float64
}

// Processor runs the bounded worker pool described in spec §4.F.
type Processor struct {
	gw           Leaser
	cache        *ocrcache.Cache
	artifacts    *artifact.Store
	progress     ProgressEmitter
	workerCount  int
	queueSize    int
	prefetchRate float64
}

// New builds a Processor from process configuration and its collaborators.
func New(cfg config.Config, gw Leaser, cache *ocrcache.Cache, artifacts *artifact.Store, progress ProgressEmitter) *Processor {
	return &Processor{
		gw:           gw,
		cache:        cache,
		artifacts:    artifacts,
		progress:     progress,
		workerCount:  workerCount(cfg),
		queueSize:    queueSize(cfg),
		prefetchRate: cfg.PrefetchRateHz,
	}
}

func workerCount(cfg config.Config) int {
	if cfg.ExtractWorkers > 0 {
		return cfg.ExtractWorkers
	}
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	if n > 6 {
		n = 6
	}
	return n
}

func queueSize(cfg config.Config) int {
	if cfg.PrefetchQueueSize > 0 {
		return cfg.PrefetchQueueSize
	}
	return 8
}

// Run processes pagePaths (already in page order) and returns one
// PageResult per page, in input order. skipExisting honors a valid
// previously-written per-page summary. joinTimeout bounds how long Run waits
// for the prefetcher goroutine to finish after the worker pool drains.
func (p *Processor) Run(ctx context.Context, taskID string, pagePaths []string, workdir string, skipExisting bool, joinTimeout time.Duration) ([]PageResult, error) {
	results := make([]PageResult, len(pagePaths))

	queue := make(chan pageTask, p.queueSize)
	prefetchDone := make(chan struct{})

	var limiter *rate.Limiter
	if p.prefetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.prefetchRate), 1)
	}
	go func() {
		defer close(prefetchDone)
		prefetch(ctx, pagePaths, queue, limiter, p.workerCount)
	}()

	coalescer := newProgressCoalescer(p.progress, taskID, 150*time.Millisecond)

	var wg sync.WaitGroup
	for w := 0; w < p.workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskID, workdir, skipExisting, queue, results, coalescer)
		}()
	}
	wg.Wait()

	select {
	case <-prefetchDone:
	case <-time.After(joinTimeout):
		return results, fmt.Errorf("pageproc: prefetcher did not finish within %s", joinTimeout)
	}

	p.mergeContinuations(taskID, pagePaths, results)
	for _, r := range results {
		if r.Err != nil || r.Skipped {
			continue
		}
		if err := saveSummary(workdir, r.Summary); err != nil {
			return results, err
		}
	}

	return results, ctx.Err()
}

func (p *Processor) worker(ctx context.Context, taskID, workdir string, skipExisting bool, queue <-chan pageTask, results []PageResult, coalescer *progressCoalescer) {
	for task := range queue {
		if task.index == sentinelIndex {
			return
		}
		results[task.index] = p.processPage(ctx, taskID, workdir, task, skipExisting, coalescer)
	}
}

func (p *Processor) processPage(ctx context.Context, taskID, workdir string, task pageTask, skipExisting bool, coalescer *progressCoalescer) PageResult {
	pageID := ocrcache.PageID(task.path)

	if skipExisting {
		if summary, ok := loadSummary(workdir, pageID); ok {
			coalescer.emit(task.index, "skipped")
			return PageResult{Index: task.index, Summary: summary, Skipped: true}
		}
	}

	lease, err := p.gw.Lease(ctx)
	if err != nil {
		return PageResult{Index: task.index, Err: fmt.Errorf("pageproc: lease: %w", err)}
	}

	blocks, size, err := p.cache.Run(ctx, lease, task.path, workdir, false)
	if err != nil {
		return PageResult{Index: task.index, Err: fmt.Errorf("pageproc: ocr: %w", err)}
	}

	summary, leading, lastProfile, err := p.postProcess(taskID, workdir, task, blocks)
	if err != nil {
		return PageResult{Index: task.index, Err: err}
	}

	coalescer.emit(task.index, "done")
	return PageResult{Index: task.index, Summary: summary, leading: leading, lastProfile: lastProfile, pageHeight: float64(size.Height)}
}

// postProcess is the CPU-bound work that runs outside the hard inference
// mutex: finding question spans, cropping each one, and assembling the
// per-page summary. It may run concurrently with other workers' Predict
// calls since it never touches the gateway. It also returns the page's
// leading blocks (content before its first numbered question) and a
// profile of its own last question, both consumed only by Run's
// continuation merge pass once every page has been processed.
func (p *Processor) postProcess(taskID, workdir string, task pageTask, blocks []domain.Block) (domain.PageSummary, []domain.Block, *questionProfile, error) {
	pageID := ocrcache.PageID(task.path)
	spans, leading := findQuestionSpans(ocrcache.PageNumber(pageID), blocks)

	summary := domain.PageSummary{PageID: pageID, Questions: make([]domain.PageQuestion, 0, len(spans))}
	for _, span := range spans {
		data, err := cropQuestion(task.path, span.question.BBox)
		if err != nil {
			return domain.PageSummary{}, nil, nil, fmt.Errorf("pageproc: crop q%d on %s: %w", span.question.Qno, pageID, err)
		}
		name := fmt.Sprintf("q%d_%s.png", span.question.Qno, pageID)
		ref, err := p.artifacts.Save(taskID, string(domain.StageExtractQuestions), name, data)
		if err != nil {
			return domain.PageSummary{}, nil, nil, fmt.Errorf("pageproc: save crop q%d on %s: %w", span.question.Qno, pageID, err)
		}
		q := span.question
		q.ArtifactRef = ref
		summary.Questions = append(summary.Questions, q)
	}

	var lastProfile *questionProfile
	if len(spans) > 0 {
		profile := profileQuestion(spans[len(spans)-1].blocks)
		lastProfile = &profile
	}
	return summary, leading, lastProfile, nil
}

// mergeContinuations runs once every page has been OCR'd and cropped: for
// each page with leading content (blocks before its first numbered
// question), it decides via shouldBlockContinuation whether that content
// is the previous page's last question spilling across the boundary, and
// if accepted, crops it as a standalone artifact referenced from that
// question. Resumed (skipped) pages on either side of a boundary are left
// alone — their continuation decision, if any, was already made and
// persisted in a prior run.
func (p *Processor) mergeContinuations(taskID string, pagePaths []string, results []PageResult) {
	for i := 1; i < len(results); i++ {
		cur, prev := &results[i], &results[i-1]
		if cur.Err != nil || prev.Err != nil || cur.Skipped || prev.Skipped {
			continue
		}
		if len(cur.leading) == 0 || prev.lastProfile == nil || len(prev.Summary.Questions) == 0 {
			continue
		}
		if shouldBlockContinuation(cur.leading, cur.pageHeight, *prev.lastProfile) {
			continue
		}

		data, err := cropQuestion(pagePaths[i], unionBBoxOfBlocks(cur.leading))
		if err != nil {
			continue
		}
		lastQ := &prev.Summary.Questions[len(prev.Summary.Questions)-1]
		name := fmt.Sprintf("q%d_cont_%s.png", lastQ.Qno, cur.Summary.PageID)
		ref, err := p.artifacts.Save(taskID, string(domain.StageExtractQuestions), name, data)
		if err != nil {
			continue
		}
		lastQ.ContinuationRef = ref
	}
}

// progressCoalescer rate-limits progress emission per worker batch so the
// event bus isn't flooded by one message per page.
type progressCoalescer struct {
	emitter  ProgressEmitter
	taskID   string
	minGap   time.Duration
	mu       sync.Mutex
	lastSent time.Time
}

func newProgressCoalescer(emitter ProgressEmitter, taskID string, minGap time.Duration) *progressCoalescer {
	return &progressCoalescer{emitter: emitter, taskID: taskID, minGap: minGap}
}

func (c *progressCoalescer) emit(index int, status string) {
	if c.emitter == nil {
		return
	}
	c.mu.Lock()
	now := time.Now()
	due := now.Sub(c.lastSent) >= c.minGap
	if due {
		c.lastSent = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	c.emitter.EmitProgress(c.taskID, map[string]any{"page_index": index, "status": status})
}
