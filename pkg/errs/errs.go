// Package errs classifies errors crossing a public API boundary into the
// four-way taxonomy the runtime uses to decide retry/rollback/escalation
// policy, instead of string-matching messages at call sites.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error taxonomy described in the dispatch error-handling design.
type Kind string

const (
	// Transient errors are retry-eligible with backoff (max 3 attempts):
	// transport timeouts, upstream rate limits, network hiccups.
	Transient Kind = "transient"
	// Permanent errors carry a user-visible message and are never retried:
	// invalid agent id, path-validation failure, step-budget exceeded,
	// disabled agent, unknown slash command, malformed plugin, chain depth.
	Permanent Kind = "permanent"
	// Critical errors halt the request, roll back any open checkpoint, and
	// escalate: checkpoint creation failure, persistence corruption,
	// pipeline corruption detected mid-execute.
	Critical Kind = "critical"
	// Cancellation reflects user-initiated cancellation; no retry, no
	// rollback beyond whatever checkpoint capture already happened.
	Cancellation Kind = "cancellation"
)

// recoveryHint is the static suggestion surfaced alongside a Kind.
var recoveryHint = map[Kind]string{
	Transient:    "retry the request",
	Permanent:    "adjust the request or configuration and try again",
	Critical:     "check the logs; runtime state may need manual recovery",
	Cancellation: "no action needed; the request was cancelled",
}

// DispatchError is the error type every public-facing operation in this
// module wraps its failures into.
type DispatchError struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// New constructs a DispatchError.
func New(kind Kind, component, operation, message string, err error) *DispatchError {
	return &DispatchError{Kind: kind, Component: component, Operation: operation, Message: message, Err: err}
}

// Transientf, Permanentf, Criticalf are convenience constructors.
func Transientf(component, operation, format string, args ...any) *DispatchError {
	return New(Transient, component, operation, fmt.Sprintf(format, args...), nil)
}

func Permanentf(component, operation, format string, args ...any) *DispatchError {
	return New(Permanent, component, operation, fmt.Sprintf(format, args...), nil)
}

func Criticalf(component, operation, format string, args ...any) *DispatchError {
	return New(Critical, component, operation, fmt.Sprintf(format, args...), nil)
}

// FromCancellation wraps a context cancellation as a Cancellation-kind error.
func FromCancellation(component, operation string, err error) *DispatchError {
	return New(Cancellation, component, operation, "operation cancelled", err)
}

// ClassifyOf returns the Kind of err if it (or something it wraps) is a
// *DispatchError, or Permanent as the conservative default otherwise. It
// special-cases context.Canceled/DeadlineExceeded, which commonly originate
// from stdlib calls rather than this module's own constructors.
func ClassifyOf(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Permanent
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return ClassifyOf(err) == Transient
}

// RecoveryHint returns the static user-facing recovery suggestion for a Kind.
func RecoveryHint(kind Kind) string {
	if hint, ok := recoveryHint[kind]; ok {
		return hint
	}
	return "check the logs"
}

// UserMessage renders the concise, stack-trace-free description shown to
// end users: the DispatchError's Message plus a recovery hint. Internal
// diagnostic channels (logs) should log the full error chain instead.
func UserMessage(err error) string {
	kind := ClassifyOf(err)
	var de *DispatchError
	if errors.As(err, &de) {
		return fmt.Sprintf("%s (%s)", de.Message, RecoveryHint(kind))
	}
	return fmt.Sprintf("an error occurred (%s)", RecoveryHint(kind))
}
