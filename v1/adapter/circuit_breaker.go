package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// ErrStoreUnavailable so callers treat it as a transient failure.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", lockerrors.ErrStoreUnavailable)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates Primitives so that a store failing repeatedly is
// not hammered by every waiter. Only transient errors count as failures;
// SetHeld and DeleteMismatch are successful calls.
type CircuitBreaker struct {
	inner     Primitives
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and lets one
// trial call through once timeout has elapsed.
func NewCircuitBreaker(inner Primitives, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		inner:     inner,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from open to half-open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one trial call at a time
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// SetIfAbsent implements Primitives.SetIfAbsent with circuit breaker logic.
func (cb *CircuitBreaker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (SetResult, error) {
	if !cb.allow() {
		return SetHeld, ErrCircuitOpen
	}
	res, err := cb.inner.SetIfAbsent(ctx, key, value, ttl)
	cb.record(err)
	return res, err
}

// DeleteIfEquals implements Primitives.DeleteIfEquals with circuit breaker logic.
func (cb *CircuitBreaker) DeleteIfEquals(ctx context.Context, key, expected string) (DeleteResult, error) {
	if !cb.allow() {
		return DeleteMismatch, ErrCircuitOpen
	}
	res, err := cb.inner.DeleteIfEquals(ctx, key, expected)
	cb.record(err)
	return res, err
}

// ExtendIfEquals implements Extender.ExtendIfEquals when the wrapped backend
// does. Otherwise it returns ErrUnsupported, which is not a store failure.
func (cb *CircuitBreaker) ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	ext, ok := cb.inner.(Extender)
	if !ok {
		return false, lockerrors.ErrUnsupported
	}
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	extended, err := ext.ExtendIfEquals(ctx, key, expected, ttl)
	cb.record(err)
	return extended, err
}

// Holder implements Inspector.Holder when the wrapped backend does. Reads
// bypass the breaker state.
func (cb *CircuitBreaker) Holder(ctx context.Context, key string) (string, bool, error) {
	in, ok := cb.inner.(Inspector)
	if !ok {
		return "", false, lockerrors.ErrUnsupported
	}
	return in.Holder(ctx, key)
}

// FairCircuitBreaker is a CircuitBreaker over a backend with a fair queue.
type FairCircuitBreaker struct {
	*CircuitBreaker
	fair FairPrimitives
}

// NewFairCircuitBreaker is NewCircuitBreaker for FairPrimitives.
func NewFairCircuitBreaker(inner FairPrimitives, threshold int, timeout time.Duration) *FairCircuitBreaker {
	return &FairCircuitBreaker{
		CircuitBreaker: NewCircuitBreaker(inner, threshold, timeout),
		fair:           inner,
	}
}

// Enqueue implements FairPrimitives.Enqueue with circuit breaker logic.
func (cb *FairCircuitBreaker) Enqueue(ctx context.Context, key, token string, waiterTTL time.Duration) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.fair.Enqueue(ctx, key, token, waiterTTL)
	cb.record(err)
	return err
}

// AcquireIfHead implements FairPrimitives.AcquireIfHead with circuit breaker logic.
func (cb *FairCircuitBreaker) AcquireIfHead(ctx context.Context, key, token string, ttl, waiterTTL time.Duration) (SetResult, error) {
	if !cb.allow() {
		return SetHeld, ErrCircuitOpen
	}
	res, err := cb.fair.AcquireIfHead(ctx, key, token, ttl, waiterTTL)
	cb.record(err)
	return res, err
}

// Dequeue is passed straight through: abandoning a queue slot must not be
// blocked by an open circuit.
func (cb *FairCircuitBreaker) Dequeue(ctx context.Context, key, token string) error {
	return cb.fair.Dequeue(ctx, key, token)
}
