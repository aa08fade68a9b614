// Package errkind classifies errors into the fixed set of kinds spec §7
// defines, in the spirit of containerd/errdefs's canonical-error-class
// idiom: wrap an error with the kind it belongs to, then classify with an
// Is* predicate rather than re-deriving the kind from an HTTP status code
// at every call site.
package errkind

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind is one of the abstract error kinds from spec §7.
type Kind int

const (
	// Transient covers timeouts, 5xx, 429, connection resets — bounded retry,
	// never fatal.
	Transient Kind = iota
	// Auth covers 401/403 — discard the bearer and re-mint on next call.
	Auth
	// Conflict is HTTP 409 on session create — retry after a fixed sleep,
	// does not consume the retry budget.
	Conflict
	// Gone means the runner was removed server-side — terminal.
	Gone
	// Permanent covers any other 4xx or an unparseable message — log, drop,
	// continue.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Conflict:
		return "conflict"
	case Gone:
		return "gone"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type classifiedError struct {
	kind Kind
	err  error
}

func (c *classifiedError) Error() string { return fmt.Sprintf("%s: %v", c.kind, c.err) }
func (c *classifiedError) Unwrap() error { return c.err }

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// Transientf wraps a formatted error as Transient.
func Transientf(format string, args ...any) error {
	return Wrap(Transient, fmt.Errorf(format, args...))
}

// Authf wraps a formatted error as Auth.
func Authf(format string, args ...any) error {
	return Wrap(Auth, fmt.Errorf(format, args...))
}

// Conflictf wraps a formatted error as Conflict.
func Conflictf(format string, args ...any) error {
	return Wrap(Conflict, fmt.Errorf(format, args...))
}

// Gonef wraps a formatted error as Gone.
func Gonef(format string, args ...any) error {
	return Wrap(Gone, fmt.Errorf(format, args...))
}

// Permanentf wraps a formatted error as Permanent.
func Permanentf(format string, args ...any) error {
	return Wrap(Permanent, fmt.Errorf(format, args...))
}

// ClassOf returns the Kind attached by Wrap, walking the error chain with
// errors.As. The second return is false if err was never classified.
func ClassOf(err error) (Kind, bool) {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.kind, true
	}
	return 0, false
}

// Is reports whether err was classified with exactly kind.
func Is(err error, kind Kind) bool {
	k, ok := ClassOf(err)
	return ok && k == kind
}

// FromErrdefs classifies an error from a collaborator that signals failure
// kind through containerd/errdefs's canonical error classes instead of an
// HTTP status code — the Docker client is the one in this repo (spec_full
// §B). Unlike FromHTTPStatus this never returns Conflict: errdefs.IsConflict
// doesn't exist, and AlreadyExists (the nearest analogue) isn't a kind any
// caller here needs to distinguish from Permanent.
func FromErrdefs(err error) (Kind, bool) {
	switch {
	case errdefs.IsNotFound(err):
		return Gone, true
	case errdefs.IsUnauthenticated(err), errdefs.IsPermissionDenied(err):
		return Auth, true
	case errdefs.IsUnavailable(err), errdefs.IsAborted(err), errdefs.IsUnknown(err):
		return Transient, true
	case errdefs.IsInvalidArgument(err), errdefs.IsNotImplemented(err), errdefs.IsFailedPrecondition(err), errdefs.IsAlreadyExists(err):
		return Permanent, true
	default:
		return 0, false
	}
}

// FromHTTPStatus classifies an HTTP response status code per spec §7/§4.1:
// 401/403 -> Auth, 409 -> Conflict, 5xx/429 -> Transient, other 4xx -> Permanent.
// status < 400 is not an error and returns (Permanent, false).
func FromHTTPStatus(status int) (Kind, bool) {
	switch {
	case status == 401 || status == 403:
		return Auth, true
	case status == 409:
		return Conflict, true
	case status == 429 || status >= 500:
		return Transient, true
	case status >= 400:
		return Permanent, true
	default:
		return Permanent, false
	}
}
