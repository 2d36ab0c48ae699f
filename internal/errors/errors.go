// Package errors provides the error kind taxonomy used across the metric
// engine: sentinel errors, a Kind classifier, and wrapping helpers.
//
// Every error surfaced to a caller carries a Kind (BadInput, NotFound,
// Conflict, ResourceExhausted, Transient, Fatal) recoverable with Classify,
// so transport-layer code (out of scope here) can map it to a status code
// without parsing message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind tags an error with its handling category.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadInput
	KindNotFound
	KindConflict
	KindResourceExhausted
	KindTransient
	KindFatal
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "BadInput"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindTransient:
		return "Transient"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Sentinel errors. Wrap one of these with Wrap/Wrapf or fmt.Errorf("...: %w", ...)
// to attach context while preserving classification via errors.Is.
var (
	ErrBadInput          = errors.New("bad input")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTransient         = errors.New("transient failure")
	ErrFatal             = errors.New("invariant violation")
)

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// Classify returns the Kind of err based on which sentinel it wraps.
// Unrecognized errors classify as Transient, since storage/I/O failures are
// the most common unclassified case and Transient is the conservative
// "caller may retry" default.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrBadInput):
		return KindBadInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindTransient
	}
}

// Wrap wraps err with a message, preserving classification.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps err with a formatted message, preserving classification.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// BadInput builds a BadInput error naming the offending field and reason.
func BadInput(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrBadInput)
}

// NotFound builds a NotFound error for an entity type and identifier.
func NotFound(entityType, identifier string) error {
	return fmt.Errorf("%s %q: %w", entityType, identifier, ErrNotFound)
}

// Conflict builds a Conflict error for a duplicate entity.
func Conflict(entityType, identifier string) error {
	return fmt.Errorf("%s %q: %w", entityType, identifier, ErrConflict)
}

// ResourceExhausted builds a ResourceExhausted error with a human reason.
func ResourceExhausted(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrResourceExhausted)
}

// Transient builds a Transient error wrapping an underlying I/O failure.
func Transient(context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", context, ErrTransient)
	}
	return fmt.Errorf("%s: %v: %w", context, cause, ErrTransient)
}

// Fatal builds a Fatal error for an invariant violation.
func Fatal(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrFatal)
}

// ValidationErrors collects multiple BadInput errors, e.g. across a batch of
// samples where every item is validated independently and failures don't
// short-circuit the batch.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates an empty collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add appends err to the collection if non-nil.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField appends a BadInput error for field/reason.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, BadInput(field, reason))
}

// HasErrors reports whether any errors were collected.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return v.Errors[0].Error()
	default:
		msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
		for _, err := range v.Errors {
			msg += "\n  - " + err.Error()
		}
		return msg
	}
}

// Err returns nil if empty, else the collector itself as an error.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first collected error, so errors.Is/As see through it.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
