// Package steps implements the five Step Executors (§4.I): the
// prepare/execute/rollback units the Pipeline Runner (§4.J) drives in order.
package steps

import (
	"context"

	"github.com/examcore/examcore/internal/domain"
)

// StepContext carries everything an executor needs, mirroring spec §4.I's
// ctx fields.
type StepContext struct {
	TaskID        string
	PDFPath       string
	Workdir       string
	FileHash      string
	ExpectedPages int
	Mode          domain.TaskMode
	Meta          map[string]any
}

// SkipExisting reads the free-form "skip_existing" metadata flag.
func (c StepContext) SkipExisting() bool {
	v, _ := c.Meta["skip_existing"].(bool)
	return v
}

// StepResult is what execute(ctx) returns to the Pipeline Runner.
type StepResult struct {
	Success       bool
	ArtifactCount int
	ArtifactRefs  []string
	Error         error
	CanRetry      bool
}

// Executor is the prepare/execute/rollback contract every stage implements.
type Executor interface {
	Name() domain.StageName
	Prepare(ctx context.Context, sc StepContext) error
	Execute(ctx context.Context, sc StepContext) StepResult
	Rollback(ctx context.Context, sc StepContext) error
}

// failure builds a failed StepResult from an error; canRetry is recorded as
// given, without consulting the error's type.
func failure(err error, canRetry bool) StepResult {
	return StepResult{Success: false, Error: err, CanRetry: canRetry}
}

func success(artifactRefs []string) StepResult {
	return StepResult{Success: true, ArtifactRefs: artifactRefs, ArtifactCount: len(artifactRefs)}
}
