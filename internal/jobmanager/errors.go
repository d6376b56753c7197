package jobmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when an Input is missing its session or
	// references a session of the wrong kind.
	ErrInvalidInput = errors.New("invalid job input")
	// ErrRejected is returned by Schedule after Shutdown or when the worker
	// queue is full.
	ErrRejected = errors.New("job rejected")
	// ErrTimeout is returned when AwaitDone gives up before completion.
	ErrTimeout = errors.New("timed out waiting for job")
	// ErrCancelled is returned when the awaited job was cancelled. Callables
	// may return it to acknowledge a cancellation request.
	ErrCancelled = errors.New("job cancelled")
)

// ExecutionError wraps the failure of a callable with the job metadata.
type ExecutionError struct {
	JobID   string
	Name    string
	Session string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %q (id=%s, session=%s) failed: %v", e.Name, e.JobID, e.Session, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PanicError is the failure recorded for a callable that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Sanitize returns an error safe to hand to a remote caller: the message of
// the innermost cause, without job metadata or panic stacks.
func Sanitize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	var pe *PanicError
	if errors.As(cause, &pe) {
		return errors.New(pe.Error())
	}
	return errors.New(cause.Error())
}
