package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/examcore/examcore/internal/crop"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
	"github.com/examcore/examcore/internal/structure"
)

// ComposeLongImageStep is stage 3 (non-critical): requires structure.json,
// renders all_questions/ via the Crop & Stitch composer. Auto mode skips
// when the output is already complete; manual mode wipes and re-runs.
type ComposeLongImageStep struct {
	Composer *crop.Composer
}

func (s *ComposeLongImageStep) Name() domain.StageName { return domain.StageComposeLongImage }

func (s *ComposeLongImageStep) Prepare(ctx context.Context, sc StepContext) error { return nil }

func (s *ComposeLongImageStep) Execute(ctx context.Context, sc StepContext) StepResult {
	doc, ok, err := structure.Load(sc.Workdir)
	if err != nil {
		return failure(fmt.Errorf("compose_long_image: load structure.json: %w", err), true)
	}
	if !ok {
		return failure(errs.Fatalf("compose_long_image", "structure.json missing for %s", sc.Workdir), false)
	}

	if sc.Mode == domain.ModeManual {
		if err := os.RemoveAll(crop.OutputDir(sc.Workdir)); err != nil {
			return failure(fmt.Errorf("compose_long_image: wipe all_questions: %w", err), true)
		}
	} else {
		complete, err := crop.IsComplete(sc.Workdir, doc)
		if err != nil {
			return failure(fmt.Errorf("compose_long_image: check completeness: %w", err), true)
		}
		if complete {
			return success(existingOutputRefs(sc.Workdir, doc))
		}
	}

	items, err := s.Composer.Run(sc.Workdir, doc)
	if err != nil {
		return failure(fmt.Errorf("compose_long_image: %w", err), true)
	}

	outDir := crop.OutputDir(sc.Workdir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return failure(fmt.Errorf("compose_long_image: create all_questions: %w", err), true)
	}
	refs := make([]string, 0, len(items))
	for _, item := range items {
		path := filepath.Join(outDir, item.Name)
		if err := os.WriteFile(path, item.Data, 0o644); err != nil {
			return failure(fmt.Errorf("compose_long_image: write %s: %w", item.Name, err), true)
		}
		refs = append(refs, path)
	}
	return success(refs)
}

func (s *ComposeLongImageStep) Rollback(ctx context.Context, sc StepContext) error {
	return os.RemoveAll(crop.OutputDir(sc.Workdir))
}

func existingOutputRefs(workdir string, doc domain.StructureDoc) []string {
	dir := crop.OutputDir(workdir)
	var refs []string
	for _, q := range doc.Questions {
		if q.Kind == domain.KindNormal && q.ParentID == "" {
			refs = append(refs, filepath.Join(dir, fmt.Sprintf("q%d.png", q.Qno)))
		}
	}
	for _, bq := range doc.BigQuestions {
		refs = append(refs, filepath.Join(dir, bq.ID+".png"))
	}
	return refs
}
