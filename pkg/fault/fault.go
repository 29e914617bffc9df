// Package fault defines the error taxonomy shared by all Scribax components.
//
// Components wrap their failures in a [*Error] carrying a [Kind], the
// originating component's name, and a human-readable message. Callers branch
// on [KindOf] — the provider scheduler retries Transient faults and falls
// back on Permanent ones; the tool manager reports Validation faults without
// executing; the turn pipeline converts component faults into safe defaults.
//
// Plain errors (including wrapped stdlib errors) are classified as Internal.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry, fallback, and reporting decisions.
type Kind int

const (
	// Internal is a bug or contract violation. Logged with context; never
	// retried.
	Internal Kind = iota

	// Validation is a user- or payload-level violation (bad profile ID,
	// missing required tool argument, malformed JSON from an LLM). Reported
	// back to the caller; never retried.
	Validation

	// NotFound means a session, snapshot, profile, entity, or template does
	// not exist.
	NotFound

	// Transient is a retryable IO failure: HTTP 5xx, 408, or a transport
	// error.
	Transient

	// Permanent is a non-retryable IO failure: HTTP 4xx other than 408.
	// Surfaces as-is and triggers provider fallback in the scheduler.
	Permanent

	// Tool means a tool execution failed. Attached to a ToolResult with
	// ok=false; the tool's side effects must not be observable.
	Tool
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Tool:
		return "tool"
	default:
		return "internal"
	}
}

// Error is a classified failure. It implements error and supports
// errors.Is/errors.As matching on both the wrapped cause and the kind.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Component names the originating component (e.g. "llmrouter", "bus").
	Component string

	// Message is the human-readable description.
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Component, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	default:
		return e.Component + ": " + e.Kind.String() + " fault"
	}
}

// Unwrap returns the wrapped cause so errors.Is/As can traverse it.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error of the same kind. This lets callers
// write errors.Is(err, &fault.Error{Kind: fault.Transient}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Component == "" || t.Component == e.Component)
}

// New creates a classified error with a formatted message.
func New(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, component, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

// KindOf extracts the Kind from err, traversing wrapped errors. Plain errors
// report Internal; nil reports Internal as well (callers should check err
// first).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// IsValidation reports whether err is a payload-level violation.
func IsValidation(err error) bool { return KindOf(err) == Validation }

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool { return KindOf(err) == NotFound }

// FromHTTPStatus maps an HTTP status code to the matching kind: 408 and all
// 5xx are Transient, every other non-2xx is Permanent.
func FromHTTPStatus(status int) Kind {
	if status == 408 || status >= 500 {
		return Transient
	}
	return Permanent
}
