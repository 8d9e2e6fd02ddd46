package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/examcore/examcore/internal/crop"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
	"github.com/examcore/examcore/internal/structure"
)

// Summary is the spec §4.I summary.json document.
type Summary struct {
	TotalQuestions  int       `json:"total_questions"`
	NormalQuestions int       `json:"normal_questions"`
	BigQuestions    int       `json:"big_questions"`
	NormalQnoRange  *QnoRange `json:"normal_qno_range,omitempty"`
	BigQuestionIDs  []string  `json:"big_question_ids"`
}

// QnoRange is an inclusive [Start, End] range, mirroring domain.QnoRange for
// the summary.json wire shape.
type QnoRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CollectResultsStep is stage 4 (critical): validates all_questions/ is
// non-empty (or records a legitimate zero-count result), computes counts,
// and writes summary.json.
type CollectResultsStep struct{}

func (s *CollectResultsStep) Name() domain.StageName { return domain.StageCollectResults }

func (s *CollectResultsStep) Prepare(ctx context.Context, sc StepContext) error { return nil }

func (s *CollectResultsStep) Execute(ctx context.Context, sc StepContext) StepResult {
	doc, ok, err := structure.Load(sc.Workdir)
	if err != nil {
		return failure(fmt.Errorf("collect_results: load structure.json: %w", err), true)
	}
	if !ok {
		doc = domain.StructureDoc{}
	}

	files, err := filepath.Glob(filepath.Join(crop.OutputDir(sc.Workdir), "*.png"))
	if err != nil {
		return failure(fmt.Errorf("collect_results: glob all_questions: %w", err), true)
	}

	summary := buildSummary(doc)
	if summary.TotalQuestions > 0 && len(files) == 0 {
		return failure(errs.Fatalf("collect_results", "all_questions is empty but %d questions were detected", summary.TotalQuestions), false)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return failure(fmt.Errorf("collect_results: encode summary.json: %w", err), true)
	}
	path := filepath.Join(sc.Workdir, "summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return failure(fmt.Errorf("collect_results: write summary.json: %w", err), true)
	}
	return success([]string{path})
}

func (s *CollectResultsStep) Rollback(ctx context.Context, sc StepContext) error {
	return nil // keep-on-failure: a retry can recompute summary.json from the same inputs
}

func buildSummary(doc domain.StructureDoc) Summary {
	var normalQnos []int
	normal := 0
	for _, q := range doc.Questions {
		if q.Kind == domain.KindNormal && q.ParentID == "" {
			normal++
			normalQnos = append(normalQnos, q.Qno)
		}
	}

	bigIDs := make([]string, 0, len(doc.BigQuestions))
	for _, bq := range doc.BigQuestions {
		bigIDs = append(bigIDs, bq.ID)
	}

	summary := Summary{
		NormalQuestions: normal,
		BigQuestions:    len(doc.BigQuestions),
		TotalQuestions:  normal + len(doc.BigQuestions),
		BigQuestionIDs:  bigIDs,
	}
	if len(normalQnos) > 0 {
		sort.Ints(normalQnos)
		summary.NormalQnoRange = &QnoRange{Start: normalQnos[0], End: normalQnos[len(normalQnos)-1]}
	}
	return summary
}
