// Package engerr defines the typed error taxonomy the Engram core surfaces
// across its operation surface (spec.md §7): every error carries a stable
// Kind, a human message, and contextual fields, and validation failures can
// accumulate more than one problem before being returned.
package engerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for programmatic handling by callers (the
// MCP/REST/CLI collaborators this module does not implement).
type Kind string

const (
	// KindInvalidInput marks constraint violations: empty content,
	// malformed workspace, illegal enum, tier/expiry invariant breaches.
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound marks a missing memory id, version, or alias.
	KindNotFound Kind = "not_found"

	// KindConflict marks a dedup-reject hit, a stale revert, an alias bound
	// to another canonical id, or an illegal lifecycle transition.
	KindConflict Kind = "conflict"

	// KindDependency marks an external collaborator failure: embedder
	// unavailable, or returning a shape-mismatched vector.
	KindDependency Kind = "dependency"

	// KindStorage marks a store-layer failure. Transient ones (busy/lock)
	// are retried before being surfaced; fatal ones (corruption, schema
	// mismatch) abort immediately.
	KindStorage Kind = "storage"

	// KindCancelled marks a deadline or explicit cancellation.
	KindCancelled Kind = "cancelled"
)

// Error is Engram's typed error: a stable Kind, a human message, and
// contextual fields (memory_id, workspace, operation) per spec.md §7.
type Error struct {
	Kind      Kind
	Message   string
	Operation string
	MemoryID  *int64
	Workspace string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Operation != "" {
		fmt.Fprintf(&b, " (op=%s", e.Operation)
		if e.MemoryID != nil {
			fmt.Fprintf(&b, " memory_id=%d", *e.MemoryID)
		}
		if e.Workspace != "" {
			fmt.Fprintf(&b, " workspace=%s", e.Workspace)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// use errors.Is(err, engerr.NotFound("", "")) style matching, or more simply
// errors.As plus a Kind comparison.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, operation, message string) *Error {
	return &Error{Kind: kind, Operation: operation, Message: message}
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(operation, message string) *Error { return newErr(KindInvalidInput, operation, message) }

// NotFound builds a KindNotFound error for the given memory id.
func NotFound(operation string, memoryID int64) *Error {
	e := newErr(KindNotFound, operation, fmt.Sprintf("memory %d not found", memoryID))
	e.MemoryID = &memoryID
	return e
}

// NotFoundf builds a KindNotFound error for lookups keyed by something other
// than a memory id (alias, canonical_id, session id, entity id).
func NotFoundf(operation, format string, args ...interface{}) *Error {
	return newErr(KindNotFound, operation, fmt.Sprintf(format, args...))
}

// Conflict builds a KindConflict error.
func Conflict(operation, message string) *Error { return newErr(KindConflict, operation, message) }

// Dependency builds a KindDependency error wrapping the collaborator failure.
func Dependency(operation, message string, cause error) *Error {
	e := newErr(KindDependency, operation, message)
	e.Cause = cause
	return e
}

// Storage builds a KindStorage error; transient indicates the caller should
// have already retried (busy/lock) versus a fatal condition (corruption).
func Storage(operation, message string, cause error, transient bool) *Error {
	e := newErr(KindStorage, operation, message)
	e.Cause = cause
	e.Transient = transient
	return e
}

// Cancelled builds a KindCancelled error.
func Cancelled(operation string, cause error) *Error {
	e := newErr(KindCancelled, operation, "operation cancelled")
	e.Cause = cause
	return e
}

// ValidationErrors accumulates multiple InvalidInput problems so all of them
// can be reported at once (spec.md §7: "collect and report all problems, not
// just the first").
type ValidationErrors struct {
	Operation string
	Problems  []string
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("invalid_input: %s (op=%s)", strings.Join(v.Problems, "; "), v.Operation)
}

// Add records a problem; the zero value is ready to use.
func (v *ValidationErrors) Add(problem string) { v.Problems = append(v.Problems, problem) }

// HasErrors reports whether any problem was recorded.
func (v *ValidationErrors) HasErrors() bool { return len(v.Problems) > 0 }

// AsError returns v as an error if it carries problems, else nil.
func (v *ValidationErrors) AsError() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, the zero
// Kind otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.As(err, new(*ValidationErrors)) {
		return KindInvalidInput
	}
	return ""
}
