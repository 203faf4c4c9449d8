// Package taskerr classifies failures surfaced by the write pipeline into
// the fixed taxonomy the task runtime acts on: retry, fall back, skip, or
// dead-letter. It builds on the narrower sentinel errors the store adapters
// already return rather than duplicating them.
package taskerr

import (
	"errors"
	"fmt"

	"github.com/lucidgraph/memengine/pkg/store"
)

// Kind is one of the six error categories the runtime distinguishes.
type Kind string

const (
	// Transient is a network blip, 5xx, or timeout. Retried per policy.
	Transient Kind = "TRANSIENT"
	// ModelParse is a malformed model response. The caller has already
	// degraded to a conservative fallback by the time this is seen; it
	// exists so the audit trail can record why success=false.
	ModelParse Kind = "MODEL_PARSE"
	// StoreConflict is a uniqueness violation (e.g. duplicate vector id).
	// Treated as success-with-warning on ADD, surfaced as an error on UPDATE.
	StoreConflict Kind = "STORE_CONFLICT"
	// NotFound is a missing UPDATE/DELETE target. Skip that operation,
	// continue the batch.
	NotFound Kind = "NOT_FOUND"
	// PermanentReject is a synchronous validation failure (empty content,
	// over-size batch). Never enqueued.
	PermanentReject Kind = "PERMANENT_REJECT"
	// Fatal is a store unreachable after retries are exhausted.
	// Dead-letters the task.
	Fatal Kind = "FATAL"
)

// Error wraps an underlying error with its classified Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit Kind, for call sites that already know the
// category (validation failures, parse fallbacks).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify maps a store-adapter error onto a [Kind] by unwrapping for the
// sentinel errors in [pkg/store]. An error that matches none of them is
// Fatal: the runtime has no narrower category for it.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrTransient):
		return Transient
	case errors.Is(err, store.ErrNotFound):
		return NotFound
	case errors.Is(err, store.ErrConflict):
		return StoreConflict
	case errors.Is(err, store.ErrPermanent):
		return PermanentReject
	default:
		return Fatal
	}
}

// Wrap classifies err via [Classify] and wraps it as an [*Error]. If err is
// already an [*Error], it is returned unchanged.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: Classify(err), Err: err}
}

// Retryable reports whether the runtime should Nack and retry a task that
// failed with this Kind, as opposed to dead-lettering it outright (every
// other Kind).
func Retryable(kind Kind) bool {
	return kind == Transient
}
