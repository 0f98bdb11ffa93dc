package adapter

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	value     string
	expiresAt time.Time
}

type memoryWaiter struct {
	token string
	seen  time.Time
}

// Memory implements FairPrimitives and Extender in process memory. It is
// useful for tests and for coordinating goroutines of a single process.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryLease
	queues map[string][]memoryWaiter
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock replaces the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory returns an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		leases: make(map[string]memoryLease),
		queues: make(map[string][]memoryWaiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the unexpired lease of key, dropping it if it has expired.
// m.mu must be held.
func (m *Memory) live(key string, now time.Time) (memoryLease, bool) {
	l, ok := m.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !now.Before(l.expiresAt) {
		delete(m.leases, key)
		return memoryLease{}, false
	}
	return l, true
}

func (m *Memory) setLocked(key, value string, ttl time.Duration, now time.Time) SetResult {
	if l, ok := m.live(key, now); ok && l.value != value {
		return SetHeld
	}
	m.leases[key] = memoryLease{value: value, expiresAt: now.Add(ttl)}
	return SetGranted
}

// SetIfAbsent implements Primitives.SetIfAbsent.
func (m *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (SetResult, error) {
	if err := ctx.Err(); err != nil {
		return SetHeld, storeError("memory set", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(key, value, ttl, m.now()), nil
}

// DeleteIfEquals implements Primitives.DeleteIfEquals.
func (m *Memory) DeleteIfEquals(ctx context.Context, key, expected string) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return DeleteMismatch, storeError("memory delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(key, m.now())
	if !ok || l.value != expected {
		return DeleteMismatch, nil
	}
	delete(m.leases, key)
	return Deleted, nil
}

// ExtendIfEquals implements Extender.ExtendIfEquals.
func (m *Memory) ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeError("memory extend", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.live(key, now)
	if !ok || l.value != expected {
		return false, nil
	}
	l.expiresAt = now.Add(ttl)
	m.leases[key] = l
	return true, nil
}

// Enqueue implements FairPrimitives.Enqueue.
func (m *Memory) Enqueue(ctx context.Context, key, token string, waiterTTL time.Duration) error {
	if err := ctx.Err(); err != nil {
		return storeError("memory enqueue", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(key, token, m.now())
	return nil
}

func (m *Memory) enqueueLocked(key, token string, now time.Time) {
	q := m.queues[key]
	for i := range q {
		if q[i].token == token {
			q[i].seen = now
			return
		}
	}
	m.queues[key] = append(q, memoryWaiter{token: token, seen: now})
}

// AcquireIfHead implements FairPrimitives.AcquireIfHead. A token that was
// pruned for not polling is enqueued again at the tail. A token that already
// holds the lease is granted again with a refreshed ttl.
func (m *Memory) AcquireIfHead(ctx context.Context, key, token string, ttl, waiterTTL time.Duration) (SetResult, error) {
	if err := ctx.Err(); err != nil {
		return SetHeld, storeError("memory acquire", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.live(key, now); ok && l.value == token {
		m.setLocked(key, token, ttl, now)
		m.removeLocked(key, token)
		return SetGranted, nil
	}
	m.enqueueLocked(key, token, now)

	q := m.queues[key]
	for len(q) > 0 && q[0].token != token && now.Sub(q[0].seen) > waiterTTL {
		q = q[1:]
	}
	m.queues[key] = q
	if q[0].token != token {
		return SetHeld, nil
	}
	if m.setLocked(key, token, ttl, now) != SetGranted {
		return SetHeld, nil
	}
	m.removeLocked(key, token)
	return SetGranted, nil
}

// Dequeue implements FairPrimitives.Dequeue.
func (m *Memory) Dequeue(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return storeError("memory dequeue", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key, token)
	return nil
}

func (m *Memory) removeLocked(key, token string) {
	q := m.queues[key]
	for i := range q {
		if q[i].token == token {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(m.queues, key)
		return
	}
	m.queues[key] = q
}

// Get returns the live value stored under key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(key, m.now())
	return l.value, ok
}

// Expire drops the lease of key immediately, as if its ttl had run out.
func (m *Memory) Expire(key string) {
	m.mu.Lock()
	delete(m.leases, key)
	m.mu.Unlock()
}

// Waiters returns the tokens queued for key in FIFO order.
func (m *Memory) Waiters(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues[key]))
	for _, w := range m.queues[key] {
		out = append(out, w.token)
	}
	return out
}

// Holder implements Inspector.Holder.
func (m *Memory) Holder(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, storeError("memory holder", err)
	}
	v, ok := m.Get(key)
	return v, ok, nil
}
