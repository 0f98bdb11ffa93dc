package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keylock/v1/lock")

// Coordinator acquires and releases leases through a store. It is safe for
// concurrent use and holds no per-key state of its own.
type Coordinator struct {
	store   adapter.Primitives
	fair    adapter.FairPrimitives
	opts    options
	metrics *metrics.Collectors
}

// New returns a Coordinator backed by p.
func New(p adapter.Primitives, opts ...Option) (*Coordinator, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil store", lockerrors.ErrInvalidArgument)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{store: p, opts: o}
	if o.fair {
		fp, ok := p.(adapter.FairPrimitives)
		if !ok {
			return nil, fmt.Errorf("%w: store %T has no fair queue", lockerrors.ErrInvalidArgument, p)
		}
		c.fair = fp
	}
	if o.registerer != nil {
		c.metrics = metrics.NewCollectors()
		c.metrics.MustRegister(o.registerer)
	}
	return c, nil
}

func (o *options) validate() error {
	switch {
	case o.defaultLease < time.Millisecond:
		return fmt.Errorf("%w: default lease %s below 1ms", lockerrors.ErrInvalidArgument, o.defaultLease)
	case o.backoffInitial <= 0 || o.backoffMax < o.backoffInitial:
		return fmt.Errorf("%w: backoff %s..%s", lockerrors.ErrInvalidArgument, o.backoffInitial, o.backoffMax)
	case o.storeRetries < 0:
		return fmt.Errorf("%w: negative store retries", lockerrors.ErrInvalidArgument)
	case o.opTimeout < 0 || o.acquireTimeout < 0:
		return fmt.Errorf("%w: negative timeout", lockerrors.ErrInvalidArgument)
	case o.tokens == nil:
		return fmt.Errorf("%w: nil token generator", lockerrors.ErrInvalidArgument)
	}
	// jitter may stretch a wait to 1.5x the maximum backoff
	if o.fair && o.waiterTTL <= o.backoffMax+o.backoffMax/2 {
		return fmt.Errorf("%w: waiter ttl %s must exceed the longest backoff wait", lockerrors.ErrInvalidArgument, o.waiterTTL)
	}
	return nil
}

// Fair reports whether the Coordinator grants leases in FIFO order.
func (c *Coordinator) Fair() bool { return c.fair != nil }

// Lock blocks until the lease of key is granted with a fresh ownership token,
// ctx is done, or the store stays unavailable beyond the retry budget. A zero
// ttl selects the default lease.
func (c *Coordinator) Lock(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	return c.LockWithToken(ctx, key, c.opts.tokens(), ttl)
}

// LockWithToken is Lock with a caller supplied ownership token.
func (c *Coordinator) LockWithToken(ctx context.Context, key, token string, ttl time.Duration) (*Handle, error) {
	ttl, err := c.checkArgs(key, ttl)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", lockerrors.ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "keylock.Lock", trace.WithAttributes(
		attribute.String("keylock.key", key),
		attribute.Bool("keylock.fair", c.Fair()),
	))
	defer span.End()

	if c.opts.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.acquireTimeout)
		defer cancel()
	}

	start := time.Now()
	a := &acquisition{c: c, key: key, token: token, ttl: ttl, blocking: true}
	h, err := a.run(ctx)
	span.SetAttributes(attribute.Int("keylock.attempts", a.attempts))
	if c.metrics != nil {
		c.metrics.AcquireWait.Observe(time.Since(start).Seconds())
	}
	c.countAcquire(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.logger(ctx).V(1).Info("lock acquired", "key", key, "attempts", a.attempts, "waited", time.Since(start))
	return h, nil
}

// TryLock makes a single acquisition attempt and never waits for the lease.
// Transient store failures are still retried up to the retry budget. In fair
// mode the lease is granted only if nobody is queued ahead.
func (c *Coordinator) TryLock(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	ttl, err := c.checkArgs(key, ttl)
	if err != nil {
		return nil, false, err
	}
	a := &acquisition{c: c, key: key, token: c.opts.tokens(), ttl: ttl}
	h, err := a.run(ctx)
	if err != nil {
		c.countAcquire(err)
		return nil, false, err
	}
	if h == nil {
		if c.metrics != nil {
			c.metrics.Acquire.WithLabelValues(metrics.ResultHeld).Inc()
		}
		return nil, false, nil
	}
	c.countAcquire(nil)
	return h, true, nil
}

func (c *Coordinator) checkArgs(key string, ttl time.Duration) (time.Duration, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: empty key", lockerrors.ErrInvalidArgument)
	}
	if ttl == 0 {
		return c.opts.defaultLease, nil
	}
	if ttl < time.Millisecond {
		return 0, fmt.Errorf("%w: lease %s below 1ms", lockerrors.ErrInvalidArgument, ttl)
	}
	return ttl, nil
}

// acquisition is the state of one Lock or TryLock call.
type acquisition struct {
	c        *Coordinator
	key      string
	token    string
	ttl      time.Duration
	blocking bool

	attempts  int
	enrolled  bool
	ambiguous bool
}

func (a *acquisition) run(ctx context.Context) (*Handle, error) {
	c := a.c
	log := c.logger(ctx).WithValues("key", a.key)
	if ctx.Err() != nil {
		return nil, a.timeout(ctx)
	}

	var wake <-chan struct{}
	if a.blocking && c.opts.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		topic := syncbus.UnlockTopic(a.key)
		ch, err := c.opts.bus.Subscribe(subCtx, topic)
		if err != nil {
			log.V(1).Info("wake-up subscription failed, polling only", "err", err.Error())
		} else {
			wake = ch
			defer func() { _ = c.opts.bus.Unsubscribe(context.Background(), topic, ch) }()
		}
	}

	if a.blocking && c.fair != nil {
		a.enroll(ctx, log)
	}

	b := c.newBackoff()
	failures := 0
	for {
		a.attempts++
		start := time.Now()
		res, err := a.try(ctx)
		switch {
		case err == nil && res == adapter.SetGranted:
			return c.grant(a, start), nil
		case err == nil:
			failures = 0
			if !a.blocking {
				a.abandon(ctx, log)
				return nil, nil
			}
			log.V(1).Info("lease held, waiting", "attempt", a.attempts)
		default:
			failures++
			a.ambiguous = true
			c.countRetry("acquire")
			log.V(1).Info("store call failed", "attempt", a.attempts, "err", err.Error())
			if failures > c.opts.storeRetries {
				a.abandon(ctx, log)
				log.Error(err, "store unavailable, giving up", "failures", failures)
				return nil, unavailable(err)
			}
		}

		if ctx.Err() != nil {
			a.abandon(ctx, log)
			return nil, a.timeout(ctx)
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			a.abandon(ctx, log)
			return nil, a.timeout(ctx)
		}
	}
}

// enroll joins the fair queue. A failure is not fatal: AcquireIfHead enrolls
// a missing token itself.
func (a *acquisition) enroll(ctx context.Context, log logr.Logger) {
	a.enrolled = true
	cctx, cancel := a.c.call(ctx)
	defer cancel()
	if err := a.c.fair.Enqueue(cctx, a.key, a.token, a.c.opts.waiterTTL); err != nil {
		a.c.countRetry("enqueue")
		log.V(1).Info("enqueue failed", "err", err.Error())
	}
}

func (a *acquisition) try(ctx context.Context) (adapter.SetResult, error) {
	cctx, cancel := a.c.call(ctx)
	defer cancel()
	if a.c.fair != nil {
		a.enrolled = true
		return a.c.fair.AcquireIfHead(cctx, a.key, a.token, a.ttl, a.c.opts.waiterTTL)
	}
	return a.c.store.SetIfAbsent(cctx, a.key, a.token, a.ttl)
}

// abandon leaves the queue and, when an attempt may have landed unseen,
// removes the lease it could have written.
func (a *acquisition) abandon(ctx context.Context, log logr.Logger) {
	if !a.enrolled && !a.ambiguous {
		return
	}
	cctx, cancel := a.c.call(ctx)
	defer cancel()
	if a.enrolled {
		if err := a.c.fair.Dequeue(cctx, a.key, a.token); err != nil {
			log.V(1).Info("dequeue failed", "err", err.Error())
		}
	}
	if a.ambiguous {
		if _, err := a.c.store.DeleteIfEquals(cctx, a.key, a.token); err != nil {
			log.V(1).Info("orphan cleanup failed", "err", err.Error())
		}
	}
}

func (a *acquisition) timeout(ctx context.Context) error {
	return fmt.Errorf("lock %q after %d attempts: %w: %w", a.key, a.attempts, lockerrors.ErrAcquisitionTimeout, ctx.Err())
}

func (c *Coordinator) grant(a *acquisition, start time.Time) *Handle {
	if c.metrics != nil {
		c.metrics.Held.Inc()
	}
	return newHandle(a.key, a.token, a.ttl, start)
}

// call derives the context of a single store call. It ignores caller
// cancellation so an in-flight write is always observed.
func (c *Coordinator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.opts.opTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.opTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.backoffInitial
	b.MaxInterval = c.opts.backoffMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Coordinator) logger(ctx context.Context) logr.Logger {
	if c.opts.hasLogger {
		return c.opts.logger.WithName("keylock")
	}
	return logr.FromContextOrDiscard(ctx).WithName("keylock")
}

func (c *Coordinator) countAcquire(err error) {
	if c.metrics == nil {
		return
	}
	result := metrics.ResultGranted
	switch {
	case stdErrors.Is(err, lockerrors.ErrAcquisitionTimeout):
		result = metrics.ResultTimeout
	case err != nil:
		result = metrics.ResultError
	}
	c.metrics.Acquire.WithLabelValues(result).Inc()
}

func (c *Coordinator) countRetry(op string) {
	if c.metrics != nil {
		c.metrics.StoreRetries.WithLabelValues(op).Inc()
	}
}

func unavailable(err error) error {
	if stdErrors.Is(err, lockerrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", lockerrors.ErrStoreUnavailable, err)
}
