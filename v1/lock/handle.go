package lock

import (
	"fmt"
	"sync/atomic"
	"time"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// Handle is the local proof of a granted lease. It belongs to the caller
// that obtained it and must not be shared.
type Handle struct {
	key        string
	token      string
	ttl        time.Duration
	acquiredAt time.Time
	expiresAt  atomic.Int64 // UnixNano
	released   atomic.Bool
}

func newHandle(key, token string, ttl time.Duration, start time.Time) *Handle {
	h := &Handle{key: key, token: token, ttl: ttl, acquiredAt: start}
	h.expiresAt.Store(start.Add(ttl).UnixNano())
	return h
}

// Restore rebuilds the handle of a lease acquired elsewhere, for instance by
// another process that handed over its token. The expiry estimate starts now.
func Restore(key, token string, ttl time.Duration) (*Handle, error) {
	if key == "" || token == "" || ttl < 0 {
		return nil, fmt.Errorf("%w: restore %q", lockerrors.ErrInvalidArgument, key)
	}
	return newHandle(key, token, ttl, time.Now()), nil
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Token returns the ownership token stored under the key.
func (h *Handle) Token() string { return h.token }

// TTL returns the lease duration requested at acquisition.
func (h *Handle) TTL() time.Duration { return h.ttl }

// AcquiredAt returns when the granting attempt was sent.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// ExpiresAt returns the local estimate of when the lease ends. It is
// measured from the start of the granting attempt, so it errs early.
func (h *Handle) ExpiresAt() time.Time { return time.Unix(0, h.expiresAt.Load()) }

// Released reports whether Unlock has already been called on h.
func (h *Handle) Released() bool { return h.released.Load() }
