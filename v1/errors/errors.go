// Package errors holds the sentinel errors shared by every keylock package.
// Callers match them with the standard errors.Is.
package errors

import "errors"

var (
	// ErrInvalidArgument is returned before any store call when a key, token
	// or lease duration is unusable.
	ErrInvalidArgument = errors.New("keylock: invalid argument")
	// ErrAcquisitionTimeout means the deadline or cancellation fired before
	// the lease was obtained. The caller holds nothing and must not unlock.
	ErrAcquisitionTimeout = errors.New("keylock: acquisition timeout")
	// ErrLeaseExpired is reported by Unlock and Extend when the stored token no
	// longer matches. It is a warning: the critical section may have lost
	// exclusivity before it completed.
	ErrLeaseExpired = errors.New("keylock: lease expired before release")
	// ErrStoreUnavailable wraps transient store failures once the retry
	// budget is exhausted.
	ErrStoreUnavailable = errors.New("keylock: store unavailable")
	// ErrUnsupported is returned when a backend lacks an optional capability.
	ErrUnsupported = errors.New("keylock: operation not supported by backend")

	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)
