package services

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers branch on these
// with errors.Is instead of swallowing everything behind a log line.
var (
	// ErrInvalidCredential rejects a connection attempt before any state
	// is created for it.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrAccessDenied means the actor is not a member of the room. The
	// client may retry after being added.
	ErrAccessDenied = errors.New("access denied")

	// ErrRoomNotFound means the room does not exist in the message store.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRateLimited is a negative admission decision, not a fault.
	ErrRateLimited = errors.New("rate limited")

	// ErrDependencyUnavailable wraps failures of the shared cache/broker
	// or the message store. Degradable paths log and continue; critical
	// paths surface it as retryable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// Kind is the error classification sent to clients in error events.
type Kind string

const (
	KindAuth         Kind = "auth"
	KindAccessDenied Kind = "access_denied"
	KindNotFound     Kind = "not_found"
	KindRateLimited  Kind = "rate_limited"
	KindUnavailable  Kind = "dependency_unavailable"
	KindInternal     Kind = "internal"
)

// Classify maps an error to its taxonomy kind.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return KindAuth
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrRoomNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrDependencyUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// Retryable reports whether the client should retry the operation later.
func Retryable(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable) || errors.Is(err, ErrRateLimited)
}
