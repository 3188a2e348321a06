// Package errs defines the error-kind taxonomy from the error-handling
// design: a small, closed set of kinds (not Go type names) with defined
// propagation semantics, wrapping an underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error kinds from the error-handling design.
type Kind uint8

const (
	// KindIoError: disk full, file locked, corrupted snapshot. Fatal for
	// the operation; surfaced to the caller; the engine remains usable
	// for other scopes.
	KindIoError Kind = iota
	// KindIndexCorruption: snapshot JSON malformed or WAL unreadable
	// beyond recovery. Load proceeds with the most-recent-consistent
	// state; writes continue.
	KindIndexCorruption
	// KindBudgetExceeded: LLM operation refused by BudgetManager.
	// Non-fatal — caller degrades to a cheaper path.
	KindBudgetExceeded
	// KindRateLimited: 429 from a provider, retried internally with
	// backoff; surfaced only once retries are exhausted.
	KindRateLimited
	// KindScopeDenied: caller tried to delete a protected scope.
	KindScopeDenied
	// KindNotFound: get/update/delete on an unknown id.
	KindNotFound
	// KindValidationError: malformed request or missing required field.
	KindValidationError
)

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "IoError"
	case KindIndexCorruption:
		return "IndexCorruption"
	case KindBudgetExceeded:
		return "BudgetExceeded"
	case KindRateLimited:
		return "RateLimited"
	case KindScopeDenied:
		return "ScopeDenied"
	case KindNotFound:
		return "NotFound"
	case KindValidationError:
		return "ValidationError"
	default:
		return "Unknown"
	}
}

// Error wraps a cause with a Kind, so callers can branch with errors.As
// while log lines and HTTP responses still get the defined taxonomy.
type Error struct {
	Kind    Kind
	Op      string // component/operation that raised it, e.g. "VolumeStore.append"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps a Kind to the status family mandated by §7: 2xx with
// success:false for logical errors, 4xx for validation, 5xx only for
// unrecoverable faults.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidationError, KindScopeDenied:
		return 400
	case KindNotFound:
		return 200 // success:false body, not a 404 — see §7
	case KindBudgetExceeded, KindRateLimited:
		return 200
	case KindIoError, KindIndexCorruption:
		return 500
	default:
		return 500
	}
}
