package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
	"github.com/examcore/examcore/internal/fn"
	"github.com/examcore/examcore/internal/steps"
)

// executeWithRetry runs prepare/execute up to r.maxRetries times per spec
// §4.J's _execute_with_retry, emitting step_started/step_retrying/
// step_failed along the way. It does not sleep via fn.Retry directly since
// the retry delay must be computed and emitted (step_retrying) before the
// wait, not hidden inside the retry helper.
func (r *Runner) executeWithRetry(ctx context.Context, taskID string, idx int, name domain.StageName, sc steps.StepContext) steps.StepResult {
	opts := fn.RetryOpts{MaxAttempts: r.maxRetries, InitialWait: r.retryDelay, MaxWait: r.retryDelay * (1 << 10)}

	var last steps.StepResult
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		r.emitStep(ctx, taskID, kindStepStarted, map[string]any{"step": string(name), "step_index": idx, "attempt": attempt})

		last = r.runOnce(ctx, sc, r.executors[idx])
		if last.Success {
			r.emitStep(ctx, taskID, kindStepCompleted, map[string]any{"step": string(name), "artifact_count": last.ArtifactCount})
			return last
		}

		canRetry := last.CanRetry && !errs.IsFatal(last.Error)
		lastAttempt := attempt == r.maxRetries
		if !canRetry || lastAttempt {
			r.emitStep(ctx, taskID, kindStepFailed, map[string]any{
				"step": string(name), "error": errString(last.Error), "can_retry": canRetry && !lastAttempt,
			})
			return last
		}

		delay := fn.NextDelay(opts, attempt) + time.Duration(rand.Float64()*0.5*float64(r.retryDelay))
		r.emitStep(ctx, taskID, kindStepRetrying, map[string]any{"step": string(name), "attempt": attempt, "delay": delay.Seconds()})

		select {
		case <-ctx.Done():
			last = steps.StepResult{Success: false, Error: ctx.Err(), CanRetry: false}
			r.emitStep(ctx, taskID, kindStepFailed, map[string]any{"step": string(name), "error": errString(last.Error), "can_retry": false})
			return last
		case <-time.After(delay):
		}
	}
	return last
}

// runOnce calls prepare then execute for a single attempt, folding a
// prepare failure into the same StepResult shape execute returns.
func (r *Runner) runOnce(ctx context.Context, sc steps.StepContext, ex steps.Executor) steps.StepResult {
	if err := ex.Prepare(ctx, sc); err != nil {
		return steps.StepResult{Success: false, Error: err, CanRetry: errs.IsRetryable(err)}
	}
	return ex.Execute(ctx, sc)
}
