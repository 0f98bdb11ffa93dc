package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// Unlock releases the lease held by h. It never removes a lease written by
// another holder.
//
// ErrLeaseExpired is a warning: the lease ran out before the release, so the
// critical section may have lost exclusivity. It is also returned when h was
// already released. On ErrStoreUnavailable the outcome is unknown and Unlock
// may be called again.
func (c *Coordinator) Unlock(ctx context.Context, h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", lockerrors.ErrInvalidArgument)
	}
	ctx, span := tracer.Start(ctx, "keylock.Unlock", trace.WithAttributes(
		attribute.String("keylock.key", h.key),
		attribute.Bool("keylock.fair", c.Fair()),
	))
	defer span.End()
	log := c.logger(ctx).WithValues("key", h.key)

	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("lock %q: already released: %w", h.key, lockerrors.ErrLeaseExpired)
	}

	res, err := backoff.RetryNotifyWithData(func() (adapter.DeleteResult, error) {
		cctx, cancel := c.call(ctx)
		defer cancel()
		return c.store.DeleteIfEquals(cctx, h.key, h.token)
	}, c.storeBackoff(ctx), func(err error, next time.Duration) {
		c.countRetry("release")
		log.V(1).Info("release failed, retrying", "err", err.Error(), "next", next)
	})
	if err != nil {
		h.released.Store(false)
		err = unavailable(err)
		c.countRelease(metrics.ResultError)
		log.Error(err, "release gave up")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("unlock %q: %w", h.key, err)
	}

	if c.metrics != nil {
		c.metrics.Held.Dec()
	}
	if res == adapter.DeleteMismatch {
		c.countRelease(metrics.ResultExpired)
		log.Info("lease expired before release", "held", time.Since(h.acquiredAt), "ttl", h.ttl)
		span.SetAttributes(attribute.String("keylock.result", metrics.ResultExpired))
		return fmt.Errorf("unlock %q: %w", h.key, lockerrors.ErrLeaseExpired)
	}

	c.countRelease(metrics.ResultReleased)
	c.notify(ctx, h.key)
	return nil
}

// Extend pushes the expiry of h to ttl from now, provided the store still
// holds its token. A zero ttl reuses the lease duration of h.
func (c *Coordinator) Extend(ctx context.Context, h *Handle, ttl time.Duration) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", lockerrors.ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = h.ttl
	}
	if ttl < time.Millisecond {
		return fmt.Errorf("%w: lease %s below 1ms", lockerrors.ErrInvalidArgument, ttl)
	}
	ext, ok := c.store.(adapter.Extender)
	if !ok {
		return fmt.Errorf("extend %q: %w", h.key, lockerrors.ErrUnsupported)
	}
	if h.Released() {
		return fmt.Errorf("extend %q: already released: %w", h.key, lockerrors.ErrLeaseExpired)
	}

	ctx, span := tracer.Start(ctx, "keylock.Extend", trace.WithAttributes(
		attribute.String("keylock.key", h.key),
		attribute.Bool("keylock.fair", c.Fair()),
	))
	defer span.End()

	var start time.Time
	extended, err := backoff.RetryNotifyWithData(func() (bool, error) {
		start = time.Now()
		cctx, cancel := c.call(ctx)
		defer cancel()
		ok, err := ext.ExtendIfEquals(cctx, h.key, h.token, ttl)
		if stdErrors.Is(err, lockerrors.ErrUnsupported) {
			return false, backoff.Permanent(err)
		}
		return ok, err
	}, c.storeBackoff(ctx), func(err error, _ time.Duration) {
		c.countRetry("extend")
	})
	if stdErrors.Is(err, lockerrors.ErrUnsupported) {
		return fmt.Errorf("extend %q: %w", h.key, err)
	}
	if err != nil {
		err = unavailable(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("extend %q: %w", h.key, err)
	}
	if !extended {
		return fmt.Errorf("extend %q: %w", h.key, lockerrors.ErrLeaseExpired)
	}
	h.expiresAt.Store(start.Add(ttl).UnixNano())
	return nil
}

// WithLock runs fn while holding the lease of key. The error of fn is
// returned joined with any release error, so a lease that expired during fn
// is reported through errors.Is(err, ErrLeaseExpired).
func (c *Coordinator) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	h, err := c.Lock(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.Unlock(context.WithoutCancel(ctx), h)
			panic(r)
		}
		err = stdErrors.Join(err, c.Unlock(context.WithoutCancel(ctx), h))
	}()
	return fn(ctx)
}

// storeBackoff bounds retries of a decisive store call after transient
// failures.
func (c *Coordinator) storeBackoff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(c.opts.storeRetries)), ctx)
}

func (c *Coordinator) notify(ctx context.Context, key string) {
	if c.opts.bus == nil {
		return
	}
	cctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.opts.bus.Publish(cctx, syncbus.UnlockTopic(key)); err != nil {
		c.logger(ctx).V(1).Info("unlock notification failed", "key", key, "err", err.Error())
	}
}

func (c *Coordinator) countRelease(result string) {
	if c.metrics != nil {
		c.metrics.Release.WithLabelValues(result).Inc()
	}
}
