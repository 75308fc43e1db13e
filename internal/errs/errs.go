// Package errs defines the error taxonomy of the control plane. The Chain
// Gateway and the Scheduler wrap their failures in an *errs.Error carrying
// one of the Kinds below; the Report Store and Deployment Registry return
// plain errors and the repositories sentinels, and the API layer does not
// map Kinds to HTTP statuses.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories
type Kind string

const (
	// KindTransientChainFailure is a retried-then-bubbled RPC failure from
	// the Chain Gateway (timeout, 5xx, connection reset).
	KindTransientChainFailure Kind = "transientChainFailure"

	// KindProtocolMismatch is a fatal, non-retried condition: either the
	// Chain Gateway decoded a tuple shape it does not understand, or the
	// Scheduler observed an agent's heartbeatCount go backwards between two
	// snapshots.
	KindProtocolMismatch Kind = "protocolMismatch"

	// KindNotFound is not an error condition by itself; callers treat it as
	// an empty result. Kept in the taxonomy so it flows through the same
	// wrapping path as real errors.
	KindNotFound Kind = "notFound"

	// KindMarketplaceUnknown degrades report fidelity without blocking a
	// liveness state transition driven by on-chain evidence.
	KindMarketplaceUnknown Kind = "marketplaceUnknown"

	// KindStoreUnavailable names a Report Store or Deployment Registry
	// outage. No component constructs it, and store failures are not
	// retried: the Scheduler logs the failed check and counts it toward the
	// agent's failure streak.
	KindStoreUnavailable Kind = "storeUnavailable"

	// KindSubscriberLagging marks an Event Hub subscriber for eviction.
	KindSubscriberLagging Kind = "subscriberLagging"

	// KindRateLimited surfaces as HTTP 429 to API clients.
	KindRateLimited Kind = "rateLimited"

	// KindInvalidInput surfaces as HTTP 400 to API clients.
	KindInvalidInput Kind = "invalidInput"

	// KindConflict surfaces a uniqueness violation (e.g. Deployment Registry
	// sequenceId collision).
	KindConflict Kind = "conflict"

	// KindInternal is the catch-all for anything that doesn't map to a
	// named kind above — never exposes internals to the API client.
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy Kind. It is never
// constructed with a nil cause for conditions that represent a real failure;
// KindNotFound is the one kind commonly constructed without one.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is not
// an *Error (e.g. an unwrapped stdlib or driver error reached the boundary).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
