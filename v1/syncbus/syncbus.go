// Package syncbus carries release notifications between lock clients so a
// waiter can retry as soon as a lease is freed instead of sleeping out its
// backoff. Delivery is best effort: correctness never depends on it.
package syncbus

import (
	"context"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving one signal per publish. The
	// subscription ends when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// UnlockTopic is the topic published after the lease of key is released.
func UnlockTopic(key string) string { return "unlock:" + key }

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

type counters struct {
	published atomic.Uint64
	delivered atomic.Uint64
}

// Metrics returns the published and delivered counts.
func (c *counters) Metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}

// fanOut signals every channel without blocking and counts deliveries.
func (c *counters) fanOut(chans []chan struct{}) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			c.delivered.Add(1)
		default:
		}
	}
}

func removeChan(chans []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			return chans[:len(chans)-1], true
		}
	}
	return chans, false
}
