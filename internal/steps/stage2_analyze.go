package steps

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
	"github.com/examcore/examcore/internal/ocrcache"
	"github.com/examcore/examcore/internal/structure"
)

// AnalyzeDataStep is stage 2 (non-critical): requires a complete OCR cache,
// then builds and saves structure.json. Auto mode skips when one already
// exists; manual mode always rebuilds.
type AnalyzeDataStep struct{}

func (s *AnalyzeDataStep) Name() domain.StageName { return domain.StageAnalyzeData }

func (s *AnalyzeDataStep) Prepare(ctx context.Context, sc StepContext) error { return nil }

func (s *AnalyzeDataStep) Execute(ctx context.Context, sc StepContext) StepResult {
	complete, err := ocrcache.IsComplete(sc.Workdir)
	if err != nil {
		return failure(fmt.Errorf("analyze_data: check ocr completeness: %w", err), true)
	}
	if !complete {
		return failure(errs.Fatalf("analyze_data", "ocr cache is not complete for %s", sc.Workdir), false)
	}

	mode := structure.ModeAuto
	if sc.Mode == domain.ModeManual {
		mode = structure.ModeRebuild
	}
	run, err := structure.ShouldRun(sc.Workdir, mode)
	if err != nil {
		return failure(fmt.Errorf("analyze_data: %w", err), true)
	}
	if !run {
		return success(nil)
	}

	layouts, err := ocrcache.LoadAllLayouts(sc.Workdir)
	if err != nil {
		return failure(fmt.Errorf("analyze_data: load ocr layouts: %w", err), true)
	}

	doc := structure.Detect(layouts)
	if err := structure.Save(sc.Workdir, doc); err != nil {
		return failure(fmt.Errorf("analyze_data: save structure.json: %w", err), true)
	}
	return success([]string{filepath.Join(sc.Workdir, "structure.json")})
}

func (s *AnalyzeDataStep) Rollback(ctx context.Context, sc StepContext) error {
	return nil // keep-on-failure: non-critical, a prior structure.json (if any) is left untouched
}
