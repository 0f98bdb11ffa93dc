package syncbus

import (
	"context"
	"sync"
)

// InMemoryBus is a process-local Bus, for tests and single-process locking.
type InMemoryBus struct {
	counters
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Channels are signalled under the lock so
// a concurrent Unsubscribe cannot close one mid-send.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published.Add(1)
	b.fanOut(b.subs[key])
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, removed := removeChan(b.subs[key], ch)
	if removed {
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.subs, key)
		return nil
	}
	b.subs[key] = subs
	return nil
}
