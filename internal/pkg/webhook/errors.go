package webhook

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is returned when no handler is registered for an event's
	// (source, type). Retrying cannot help, so such events are never retried.
	ErrNoHandler = errors.New("no handler found")
	// ErrInFlight is returned when another delivery of the same event holds
	// the processing claim.
	ErrInFlight = errors.New("event is already being processed")
	ErrEventNotFound = errors.New("webhook event not found")
	ErrEntryNotFound = errors.New("dead letter entry not found")
)

// TerminalError marks a handler failure that retrying cannot fix, such as a
// payload missing required metadata. It skips the backoff loop.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// RetryableError marks a transient handler failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Terminalf formats a TerminalError.
func Terminalf(format string, args ...any) error {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError. Unclassified errors
// are retryable.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}
