package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// SetResult is the decisive outcome of a conditional set.
type SetResult int

const (
	// SetGranted means the key now holds the caller's value.
	SetGranted SetResult = iota
	// SetHeld means another value is live under the key.
	SetHeld
)

func (r SetResult) String() string {
	if r == SetGranted {
		return "granted"
	}
	return "held"
}

// DeleteResult is the decisive outcome of a conditional delete.
type DeleteResult int

const (
	// Deleted means the key held the expected value and is now gone.
	Deleted DeleteResult = iota
	// DeleteMismatch means the key was absent, expired, or held another value.
	// Nothing was removed.
	DeleteMismatch
)

func (r DeleteResult) String() string {
	if r == Deleted {
		return "deleted"
	}
	return "mismatch"
}

// Primitives is the atomic contract a store must offer to back a lock.
//
// Both operations must be atomic at the store. A non-nil error stands for a
// transient failure: the outcome is unknown and the caller may retry.
type Primitives interface {
	// SetIfAbsent writes value under key with the given ttl only if no live
	// value exists. Writing the value a key already holds refreshes its ttl and
	// reports SetGranted, so retrying after an ambiguous failure is safe.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (SetResult, error)
	// DeleteIfEquals removes key only if its live value equals expected.
	DeleteIfEquals(ctx context.Context, key, expected string) (DeleteResult, error)
}

// Extender is implemented by backends able to push out the expiry of a value
// they still hold.
type Extender interface {
	// ExtendIfEquals resets the ttl of key to ttl if its live value equals
	// expected. It reports false when the value did not match.
	ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// Inspector is implemented by backends able to report the current holder of
// a key without modifying it.
type Inspector interface {
	// Holder returns the live value stored under key.
	Holder(ctx context.Context, key string) (value string, found bool, err error)
}

// FairPrimitives adds a store-side FIFO waiting queue per key.
//
// Waiters that stop polling for longer than waiterTTL are pruned from the head
// of the queue so a crashed waiter cannot block the ones behind it.
type FairPrimitives interface {
	Primitives
	// Enqueue appends token to the waiting queue of key. Enqueueing a token
	// already present keeps its position.
	Enqueue(ctx context.Context, key, token string, waiterTTL time.Duration) error
	// AcquireIfHead refreshes the liveness of token, prunes dead waiters ahead
	// of it and grants the lease only if token is at the head and the lease is
	// free. A granted token leaves the queue.
	AcquireIfHead(ctx context.Context, key, token string, ttl, waiterTTL time.Duration) (SetResult, error)
	// Dequeue removes token from the waiting queue of key.
	Dequeue(ctx context.Context, key, token string) error
}

// storeError translates a backend failure into the transient error class.
// Closed connections are mapped by each backend to ErrConnectionClosed first.
func storeError(op string, err error) error {
	switch {
	case stdErrors.Is(err, lockerrors.ErrStoreUnavailable):
		return err
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, lockerrors.ErrStoreUnavailable, lockerrors.ErrTimeout)
	case stdErrors.Is(err, lockerrors.ErrConnectionClosed):
		return fmt.Errorf("%s: %w: %w", op, lockerrors.ErrStoreUnavailable, lockerrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%s: %w: %w", op, lockerrors.ErrStoreUnavailable, err)
}

// defaultStoreTimeout bounds a store call when the backend is given none.
const defaultStoreTimeout = 5 * time.Second

// withTimeout bounds a single store call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// SlotTag returns the prefix shared by every fair queue key of key. It holds
// a Redis Cluster hash tag that maps to the slot of key itself: key when it
// already carries a tag, "{key}" otherwise. Keys holding a '}' outside a
// valid tag cannot be co-located this way.
func SlotTag(key string) string {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		if j := strings.IndexByte(key[i+1:], '}'); j > 0 {
			return key
		}
	}
	return "{" + key + "}"
}

// QueueKey returns the key holding the fair waiting queue of key.
func QueueKey(key string) string { return SlotTag(key) + ":waiters" }

// queueSeqKey returns the key holding the monotonically increasing enqueue
// sequence of key.
func queueSeqKey(key string) string { return SlotTag(key) + ":waiters:seq" }

// QueueSeenKey returns the hash mapping each waiter of key to the server
// time, in milliseconds, after which it counts as dead.
func QueueSeenKey(key string) string { return SlotTag(key) + ":waiters:seen" }
