package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// Retry retries f up to MaxAttempts times with exponential backoff plus jitter.
// The delay before attempt n (n>=2) is InitialWait*2^(n-2) + U(0, InitialWait*0.5),
// matching the pipeline runner's retry/backoff contract.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context, int) Result[T]) Result[T] {
	var result Result[T]
	wait := opts.InitialWait

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx, attempt)
		if result.IsOk() {
			return result
		}
		if attempt == opts.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		default:
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = wait + time.Duration(rand.Float64()*0.5*float64(opts.InitialWait))
		}
		if sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(sleepDur):
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}

// NextDelay reports, without sleeping, the backoff delay that follows a
// failed attempt (1-indexed): InitialWait*2^(attempt-1), capped at MaxWait,
// without jitter. It is for callers that need to emit the delay in an event
// payload before waiting.
func NextDelay(opts RetryOpts, attempt int) time.Duration {
	wait := opts.InitialWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait > opts.MaxWait {
			return opts.MaxWait
		}
	}
	return wait
}
