// Package errs defines the error taxonomy shared across the processing
// core: retryable vs fatal failures, not-found conditions, and the
// transaction-misuse guard enforced by the task repository.
package errs

import (
	"errors"
	"fmt"
)

// ErrTransactionMisuse is the sentinel backing TransactionMisuseError.
var ErrTransactionMisuse = errors.New("transaction misuse")

// ErrNotFound is the sentinel backing NotFoundError.
var ErrNotFound = errors.New("not found")

// RetryableError marks a failure that the pipeline runner should retry with
// backoff up to max_retries. Unexpected errors from a stage are treated as
// retryable by default (see IsRetryable).
type RetryableError struct {
	Op      string
	Wrapped error
}

func (e *RetryableError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("retryable: %s", e.Wrapped)
	}
	return fmt.Sprintf("retryable: %s: %s", e.Op, e.Wrapped)
}

func (e *RetryableError) Unwrap() error { return e.Wrapped }

// Retryable wraps err as a RetryableError. A nil err yields a nil error.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Wrapped: err}
}

// FatalError marks a failure that must never be retried: invalid input,
// validation failures, path-safety violations.
type FatalError struct {
	Op      string
	Wrapped error
}

func (e *FatalError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("fatal: %s", e.Wrapped)
	}
	return fmt.Sprintf("fatal: %s: %s", e.Op, e.Wrapped)
}

func (e *FatalError) Unwrap() error { return e.Wrapped }

// Fatal wraps err as a FatalError. A nil err yields a nil error.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Wrapped: err}
}

// Fatalf builds a FatalError from a format string.
func Fatalf(op, format string, args ...any) error {
	return &FatalError{Op: op, Wrapped: fmt.Errorf(format, args...)}
}

// NotFoundError reports a missing task, stage, or artifact.
type NotFoundError struct {
	Kind string // "task", "stage", "artifact", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound constructs a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransactionMisuseError is raised when a repository method is called
// outside a transaction, or a transaction is nested from the same or a
// concurrent owner.
type TransactionMisuseError struct {
	Reason string
}

func (e *TransactionMisuseError) Error() string {
	return fmt.Sprintf("transaction misuse: %s", e.Reason)
}

func (e *TransactionMisuseError) Unwrap() error { return ErrTransactionMisuse }

// TransactionMisuse constructs a TransactionMisuseError.
func TransactionMisuse(reason string) error {
	return &TransactionMisuseError{Reason: reason}
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError,
// or is simply unclassified (the propagation policy treats unexpected
// exceptions as retryable, subject to max_retries).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false
	}
	var tm *TransactionMisuseError
	if errors.As(err, &tm) {
		return false
	}
	return true
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
