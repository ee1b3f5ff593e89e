// Package coordinatorerr defines the coordinator's error taxonomy.
//
// Every error surfaced across a component boundary carries a Kind so
// callers (the API layer in particular) can map it to a response without
// string matching. Wrapped causes are preserved for %w / errors.Is chains.
package coordinatorerr

import "fmt"

// Kind enumerates the error taxonomy of spec §7.
type Kind string

const (
	Unauthenticated     Kind = "UNAUTHENTICATED"
	NotRegistered       Kind = "NOT_REGISTERED"
	NotAuthorized       Kind = "NOT_AUTHORIZED"
	InvalidState        Kind = "INVALID_STATE"
	DuplicateVote       Kind = "DUPLICATE_VOTE"
	VoterNotInSet       Kind = "VOTER_NOT_IN_SET"
	InputTooLarge       Kind = "INPUT_TOO_LARGE"
	InvalidInput        Kind = "INVALID_INPUT"
	KdfUnavailable      Kind = "KDF_UNAVAILABLE"
	OracleUnavailable   Kind = "ORACLE_UNAVAILABLE"
	IntegrityFailure    Kind = "INTEGRITY_FAILURE"
	AlreadyExecuting    Kind = "ALREADY_EXECUTING"
	NameTooLong         Kind = "NAME_TOO_LONG"
	HandleUnknown       Kind = "HANDLE_UNKNOWN"
	AuthorizationInvalid Kind = "AUTHORIZATION_INVALID"
	AuthorizationExpired Kind = "AUTHORIZATION_EXPIRED"
	TemporarilyUnavailable Kind = "TEMPORARILY_UNAVAILABLE"
	NotFound            Kind = "NOT_FOUND"
)

// Retryable reports whether a Kind is a transient external failure that
// the caller's own retry policy (internal/resiliency) should back off on.
func (k Kind) Retryable() bool {
	switch k {
	case KdfUnavailable, OracleUnavailable, TemporarilyUnavailable:
		return true
	default:
		return false
	}
}

// Error is the coordinator's typed error, carrying a Kind, a short
// caller-facing diagnostic, and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is comparisons against another *Error: two errors
// match when their Kinds are equal, whatever their messages.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// KindOf extracts the Kind from err, if err is (or wraps) an *Error.
// Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
