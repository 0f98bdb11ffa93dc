package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const redisBusTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub. One Redis subscription is shared
// by all local subscribers of a topic.
type RedisBus struct {
	counters
	client redis.UniversalClient
	mu     sync.Mutex
	subs   map[string]*redisSubscription
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

func redisBusError(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lockerrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, "1").Err(); err != nil {
		return redisBusError(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed the
// subscription, so a publish issued afterwards is not missed. The handshake
// runs without holding the bus lock.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub != nil {
		sub.chans = append(sub.chans, ch)
	}
	b.mu.Unlock()

	if sub == nil {
		ps := b.client.Subscribe(ctx, key)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, redisBusError(err)
		}
		b.mu.Lock()
		if sub = b.subs[key]; sub != nil {
			// another subscriber of key finished its handshake first
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			b.subs[key] = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
			b.mu.Unlock()
			go b.dispatch(key, ps)
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.mu.Lock()
		if sub := b.subs[key]; sub != nil && sub.pubsub == ps {
			b.fanOut(sub.chans)
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	var removed bool
	sub.chans, removed = removeChan(sub.chans, ch)
	if removed {
		close(ch)
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, sub := range b.subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		errs = append(errs, sub.pubsub.Close())
		delete(b.subs, key)
	}
	return stdErrors.Join(errs...)
}
