// Package pipeline implements the Pipeline Runner (§4.J): sequential stage
// orchestration over the five Step Executors, with retry/backoff,
// cooperative cancellation, resume-from-step, and event emission.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/steps"
)

// Repository is the slice of the Task Repository (§4.B) the Runner needs:
// task/stage status transitions. Satisfied structurally by *store.Store.
type Repository interface {
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, currentStep *int, errMsg *string) error
	UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status domain.StageStatus, errMsg *string, artifactRefs *[]string) error
}

// EventEmitter is the slice of the Composite Sink (§4.C) the Runner needs.
// Satisfied structurally by *events.Sink.
type EventEmitter interface {
	Emit(ctx context.Context, taskID, eventType string, payload map[string]any) (domain.Event, error)
}

// Event type and kind constants. The Runner always emits durable "step"
// events per spec §4.C; the payload's "event" field carries the specific
// name from spec §4.J's event table.
const (
	eventTypeStep = "step"
	eventTypeDone = "done"

	kindPipelineStarted   = "pipeline_started"
	kindPipelineCompleted = "pipeline_completed"
	kindPipelineCancelled = "pipeline_cancelled"
	kindPipelineFailed    = "pipeline_failed"
	kindStepStarted       = "step_started"
	kindStepRetrying      = "step_retrying"
	kindStepSkipped       = "step_skipped"
	kindStepCompleted     = "step_completed"
	kindStepFailed        = "step_failed"
)

// Defaults per spec §4.J.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Runner drives an ordered list of Step Executors (indexed by
// domain.StageOrder) through prepare/execute/rollback, per task.
type Runner struct {
	repo       Repository
	sink       EventEmitter
	executors  [domain.NumStages]steps.Executor
	maxRetries int
	retryDelay time.Duration
	tokens     *tokens
	now        func() time.Time
	log        *slog.Logger
}

// New creates a Runner. executors must be indexed in domain.StageOrder
// position (executors[i].Name() == domain.StageOrder[i]). maxRetries <= 0
// and retryDelay <= 0 fall back to spec defaults.
func New(repo Repository, sink EventEmitter, executors [domain.NumStages]steps.Executor, maxRetries int, retryDelay time.Duration) *Runner {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Runner{
		repo:       repo,
		sink:       sink,
		executors:  executors,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		tokens:     newTokens(),
		now:        time.Now,
		log:        slog.Default(),
	}
}

// Cancel signals cooperative cancellation for a running task. Returns false
// if no Run call for taskID is currently in flight.
func (r *Runner) Cancel(taskID string) bool { return r.tokens.Cancel(taskID) }

// IsRunning reports whether a Run call for taskID is currently in flight.
func (r *Runner) IsRunning(taskID string) bool { return r.tokens.IsRunning(taskID) }

// Run executes every stage of snap.Task in order, honoring startFromStep (a
// nil value runs from stage 0) and each stage's recorded completion status.
// It returns the task's final in-memory snapshot; persisted state is kept in
// sync via Repository calls made along the way.
func (r *Runner) Run(ctx context.Context, snap domain.TaskSnapshot, sc steps.StepContext, startFromStep *int) (domain.TaskSnapshot, error) {
	taskID := snap.Task.TaskID
	runCtx, cleanup := r.tokens.register(ctx, taskID)
	defer cleanup()

	if err := r.repo.UpdateTaskStatus(runCtx, taskID, domain.TaskProcessing, nil, nil); err != nil {
		return snap, fmt.Errorf("pipeline: transition to processing: %w", err)
	}
	snap.Task.Status = domain.TaskProcessing
	r.emitStep(runCtx, taskID, kindPipelineStarted, map[string]any{})

	for idx, name := range domain.StageOrder {
		if cancelled(runCtx) {
			r.emitStep(runCtx, taskID, kindPipelineCancelled, map[string]any{})
			return r.finishCancelled(ctx, taskID, snap)
		}

		if startFromStep != nil && idx < *startFromStep && snap.Stages[idx].Status != domain.StageCompleted {
			r.mustUpdateStep(runCtx, taskID, idx, domain.StageSkipped, nil, nil)
			snap.Stages[idx].Status = domain.StageSkipped
			r.emitStep(runCtx, taskID, kindStepSkipped, map[string]any{"step": string(name), "step_index": idx, "reason": "before_start_step"})
			continue
		}
		if snap.Stages[idx].Status == domain.StageCompleted {
			// Already completed (e.g. a resumed task): leave the persisted
			// stage record untouched, just notify observers it was skipped.
			r.emitStep(runCtx, taskID, kindStepSkipped, map[string]any{"step": string(name), "step_index": idx, "reason": "already_completed"})
			continue
		}

		result := r.executeWithRetry(runCtx, taskID, idx, name, sc)
		snap.Stages[idx] = applyResult(snap.Stages[idx], result, r.now())

		if result.Success {
			refs := result.ArtifactRefs
			r.mustUpdateStep(runCtx, taskID, idx, domain.StageCompleted, nil, &refs)
			r.mustUpdateTask(runCtx, taskID, domain.TaskProcessing, &idx, nil)
			continue
		}

		errMsg := errString(result.Error)
		r.mustUpdateStep(runCtx, taskID, idx, domain.StageFailed, &errMsg, nil)
		if name.Critical() {
			snap.Task.Status = domain.TaskFailed
			snap.Task.ErrorMessage = errMsg
			r.mustUpdateTask(runCtx, taskID, domain.TaskFailed, &idx, &errMsg)
			r.emitStep(runCtx, taskID, kindPipelineFailed, map[string]any{"step": string(name), "error": errMsg})
			r.emitDone(runCtx, taskID, domain.TaskFailed)
			return snap, nil
		}
		// Non-critical stage failure: move on, task stays pending overall
		// unless a later critical stage also fails.
	}

	allDone := true
	for _, stage := range snap.Stages {
		if stage.Status != domain.StageCompleted && stage.Status != domain.StageSkipped {
			allDone = false
			break
		}
	}

	if allDone {
		snap.Task.Status = domain.TaskCompleted
		r.mustUpdateTask(runCtx, taskID, domain.TaskCompleted, nil, nil)
		r.emitStep(runCtx, taskID, kindPipelineCompleted, map[string]any{})
		r.emitDone(runCtx, taskID, domain.TaskCompleted)
	} else {
		snap.Task.Status = domain.TaskPending
		r.mustUpdateTask(runCtx, taskID, domain.TaskPending, nil, nil)
	}
	return snap, nil
}

// RunSingleStep executes exactly one stage, applying the same
// critical-failure terminal-state policy Run applies inline.
func (r *Runner) RunSingleStep(ctx context.Context, snap domain.TaskSnapshot, sc steps.StepContext, stepIndex int) (domain.TaskSnapshot, error) {
	if stepIndex < 0 || stepIndex >= domain.NumStages {
		return snap, fmt.Errorf("pipeline: step index %d out of range", stepIndex)
	}
	taskID := snap.Task.TaskID
	runCtx, cleanup := r.tokens.register(ctx, taskID)
	defer cleanup()

	name := domain.StageOrder[stepIndex]
	result := r.executeWithRetry(runCtx, taskID, stepIndex, name, sc)
	snap.Stages[stepIndex] = applyResult(snap.Stages[stepIndex], result, r.now())

	if result.Success {
		refs := result.ArtifactRefs
		r.mustUpdateStep(runCtx, taskID, stepIndex, domain.StageCompleted, nil, &refs)
		return snap, nil
	}

	errMsg := errString(result.Error)
	r.mustUpdateStep(runCtx, taskID, stepIndex, domain.StageFailed, &errMsg, nil)
	if name.Critical() {
		snap.Task.Status = domain.TaskFailed
		snap.Task.ErrorMessage = errMsg
		r.mustUpdateTask(runCtx, taskID, domain.TaskFailed, &stepIndex, &errMsg)
	}
	return snap, nil
}

func (r *Runner) finishCancelled(ctx context.Context, taskID string, snap domain.TaskSnapshot) (domain.TaskSnapshot, error) {
	// Cancellation reverts the task to pending, never a distinct terminal
	// status (§5 Cancellation; DESIGN.md open-question decision #2).
	snap.Task.Status = domain.TaskPending
	if err := r.repo.UpdateTaskStatus(ctx, taskID, domain.TaskPending, nil, nil); err != nil {
		return snap, fmt.Errorf("pipeline: transition to pending after cancel: %w", err)
	}
	return snap, nil
}

// mustUpdateStep/mustUpdateTask log (but do not fail the run on) repository
// write errors: the in-memory snapshot stays authoritative for this Run
// call regardless, and the recovery service reconciles persisted state
// against the filesystem on the next process start.
func (r *Runner) mustUpdateStep(ctx context.Context, taskID string, idx int, status domain.StageStatus, errMsg *string, refs *[]string) {
	if err := r.repo.UpdateStepStatus(ctx, taskID, idx, status, errMsg, refs); err != nil {
		r.log.Error("pipeline: update step status failed", "task_id", taskID, "step_index", idx, "error", err)
	}
}

func (r *Runner) mustUpdateTask(ctx context.Context, taskID string, status domain.TaskStatus, currentStep *int, errMsg *string) {
	if err := r.repo.UpdateTaskStatus(ctx, taskID, status, currentStep, errMsg); err != nil {
		r.log.Error("pipeline: update task status failed", "task_id", taskID, "error", err)
	}
}

func (r *Runner) emitStep(ctx context.Context, taskID, kind string, payload map[string]any) {
	payload["event"] = kind
	if _, err := r.sink.Emit(ctx, taskID, eventTypeStep, payload); err != nil {
		r.log.Warn("pipeline: emit step event failed", "task_id", taskID, "event", kind, "error", err)
	}
}

func (r *Runner) emitDone(ctx context.Context, taskID string, status domain.TaskStatus) {
	if _, err := r.sink.Emit(ctx, taskID, eventTypeDone, map[string]any{"status": string(status)}); err != nil {
		r.log.Warn("pipeline: emit done event failed", "task_id", taskID, "error", err)
	}
}

func applyResult(stage domain.Stage, result steps.StepResult, now time.Time) domain.Stage {
	end := now
	stage.EndedAt = &end
	if stage.StartedAt == nil {
		stage.StartedAt = &end
	}
	if result.Success {
		stage.Status = domain.StageCompleted
		stage.ArtifactRefs = result.ArtifactRefs
		stage.Error = ""
	} else {
		stage.Status = domain.StageFailed
		stage.Error = errString(result.Error)
	}
	return stage
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
