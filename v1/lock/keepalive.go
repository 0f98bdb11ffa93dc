package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// Renewal extends a lease in the background until stopped or lost.
type Renewal struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

// KeepAlive extends h every half of its lease duration. Renewal ends when
// Stop is called, ctx is done, h is released, or the store reports the lease
// as lost or unable to extend. Transient store failures are retried on the
// next tick.
func (c *Coordinator) KeepAlive(ctx context.Context, h *Handle) (*Renewal, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", lockerrors.ErrInvalidArgument)
	}
	if h.ttl < time.Millisecond {
		return nil, fmt.Errorf("%w: lease %s below 1ms", lockerrors.ErrInvalidArgument, h.ttl)
	}
	if _, ok := c.store.(adapter.Extender); !ok {
		return nil, fmt.Errorf("keepalive %q: %w", h.key, lockerrors.ErrUnsupported)
	}
	if h.Released() {
		return nil, fmt.Errorf("keepalive %q: already released: %w", h.key, lockerrors.ErrLeaseExpired)
	}

	r := &Renewal{stop: make(chan struct{}), done: make(chan struct{})}
	ticker := time.NewTicker(h.ttl / 2)
	log := c.logger(ctx).WithValues("key", h.key)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := c.Extend(ctx, h, h.ttl)
				if err == nil {
					continue
				}
				if stdErrors.Is(err, lockerrors.ErrUnsupported) {
					r.err = err
					return
				}
				if stdErrors.Is(err, lockerrors.ErrLeaseExpired) {
					if !h.Released() {
						log.Info("lease lost during renewal")
					}
					r.err = err
					return
				}
				log.V(1).Info("renewal failed", "err", err.Error())
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return r, nil
}

// Stop ends the renewal and waits for it to finish. It returns the error
// that ended renewal early, if any.
func (r *Renewal) Stop() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return r.err
}

// Done is closed once renewal has ended.
func (r *Renewal) Done() <-chan struct{} { return r.done }

// Err reports why renewal ended. It is nil while renewal is running and
// after a plain Stop.
func (r *Renewal) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
