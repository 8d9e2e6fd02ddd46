package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/ocrcache"
	"github.com/examcore/examcore/internal/pageproc"
)

// defaultPrefetchJoinTimeout bounds how long Execute waits for the
// pageproc prefetcher goroutine to finish after the worker pool drains.
const defaultPrefetchJoinTimeout = 30 * time.Second

// ExtractQuestionsStep is stage 1 (critical): invoke the Page Processor
// (with the Model Gateway behind it) over every page_*.png in the workdir.
type ExtractQuestionsStep struct {
	Processor *pageproc.Processor
}

func (s *ExtractQuestionsStep) Name() domain.StageName { return domain.StageExtractQuestions }

func (s *ExtractQuestionsStep) Prepare(ctx context.Context, sc StepContext) error {
	return nil
}

func (s *ExtractQuestionsStep) Execute(ctx context.Context, sc StepContext) StepResult {
	pagePaths, err := filepath.Glob(filepath.Join(sc.Workdir, "page_*.png"))
	if err != nil {
		return failure(fmt.Errorf("extract_questions: glob pages: %w", err), true)
	}
	sort.Slice(pagePaths, func(i, j int) bool {
		ni, nj := ocrcache.PageNumber(ocrcache.PageID(pagePaths[i])), ocrcache.PageNumber(ocrcache.PageID(pagePaths[j]))
		if ni != nj {
			return ni < nj
		}
		return pagePaths[i] < pagePaths[j]
	})

	results, err := s.Processor.Run(ctx, sc.TaskID, pagePaths, sc.Workdir, sc.SkipExisting(), defaultPrefetchJoinTimeout)
	if err != nil {
		return failure(fmt.Errorf("extract_questions: %w", err), true)
	}

	var refs []string
	for _, r := range results {
		if r.Err != nil {
			return failure(fmt.Errorf("extract_questions: page %d: %w", r.Index, r.Err), true)
		}
		for _, q := range r.Summary.Questions {
			refs = append(refs, q.ArtifactRef)
		}
	}
	return success(refs)
}

func (s *ExtractQuestionsStep) Rollback(ctx context.Context, sc StepContext) error {
	return nil // keep-on-failure: per-page summaries let a retry skip finished pages
}
