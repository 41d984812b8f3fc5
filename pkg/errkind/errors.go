// Package errkind provides error kinds and typed errors shared across the
// UsenetSync core. This is a leaf package with no internal dependencies,
// designed to be imported by the store, transport, and engine packages
// without causing circular imports.
//
// Import graph: errkind <- store <- segment/nntp <- engines <- service
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// KindUsage indicates invalid input from a caller (bad path, bad token).
	KindUsage Kind = iota + 1

	// KindNotFound indicates the requested entity does not exist.
	KindNotFound

	// KindDenied indicates access verification failed. Deliberately
	// indistinguishable from KindNotFound at user-facing surfaces for
	// shares that might not exist.
	KindDenied

	// KindIntegrity indicates a hash mismatch or AEAD authentication
	// failure. Never retried against the same Message-ID.
	KindIntegrity

	// KindTransport indicates a network or NNTP protocol failure that may
	// succeed on retry.
	KindTransport

	// KindRateLimited indicates the server asked us to back off.
	KindRateLimited

	// KindCancelled indicates the operation was cancelled by the caller.
	// Partial work remains resumable.
	KindCancelled

	// KindInternal indicates an invariant violation or store corruption.
	// Aborts the current operation; never silently retried.
	KindInternal
)

// String returns the canonical lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindNotFound:
		return "not_found"
	case KindDenied:
		return "denied"
	case KindIntegrity:
		return "integrity"
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ExitCode maps an error kind to the process exit code used by CLI surfaces.
func (k Kind) ExitCode() int {
	switch k {
	case KindUsage:
		return 2
	case KindNotFound:
		return 3
	case KindDenied:
		return 4
	case KindTransport, KindRateLimited:
		return 5
	case KindIntegrity:
		return 6
	case KindCancelled:
		return 7
	default:
		return 1
	}
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "nntp.post"
	Err  error  // wrapped cause, may be nil
	Msg  string // human-readable detail, may be empty
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same kind. This makes
// errors.Is(err, errkind.E(errkind.KindDenied, "")) work for kind checks;
// prefer KindOf for readability.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
// If err is already an *Error its kind is preserved unless kind is
// KindInternal, which always wins (invariant violations dominate).
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) && kind != KindInternal {
		kind = ke.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Context cancellation maps
// to KindCancelled; other unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether an error should be retried by the unified
// retry utility. Only transport and rate-limit failures are transient;
// integrity failures must move to the next redundancy copy instead.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransport || k == KindRateLimited
}
