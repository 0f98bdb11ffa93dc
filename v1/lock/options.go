package lock

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

const (
	// DefaultLease is used when Lock is called with a zero ttl. It is a
	// safety floor against crashed holders, not a promise about how long a
	// critical section may run.
	DefaultLease = time.Second

	defaultBackoffInitial = 10 * time.Millisecond
	defaultBackoffMax     = 250 * time.Millisecond
	defaultStoreRetries   = 5
	defaultOpTimeout      = 2 * time.Second
	defaultWaiterTTL      = 5 * time.Second
)

type options struct {
	fair           bool
	defaultLease   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	storeRetries   int
	opTimeout      time.Duration
	acquireTimeout time.Duration
	waiterTTL      time.Duration
	bus            syncbus.Bus
	logger         logr.Logger
	hasLogger      bool
	registerer     prometheus.Registerer
	tokens         func() string
}

func defaultOptions() options {
	return options{
		defaultLease:   DefaultLease,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		storeRetries:   defaultStoreRetries,
		opTimeout:      defaultOpTimeout,
		waiterTTL:      defaultWaiterTTL,
		tokens:         uuid.NewString,
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithFair grants the lease in FIFO order among enrolled waiters. The
// backend must implement adapter.FairPrimitives.
func WithFair(fair bool) Option {
	return func(o *options) { o.fair = fair }
}

// WithDefaultLease sets the lease applied when Lock is called with ttl 0.
func WithDefaultLease(d time.Duration) Option {
	return func(o *options) { o.defaultLease = d }
}

// WithBackoff sets the initial and maximum wait between acquisition
// attempts. Waits grow exponentially with ±50% jitter.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.backoffInitial = initial
		o.backoffMax = max
	}
}

// WithStoreRetries sets how many consecutive transient store failures are
// tolerated before an operation fails with ErrStoreUnavailable.
func WithStoreRetries(n int) Option {
	return func(o *options) { o.storeRetries = n }
}

// WithOpTimeout bounds every single store call.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

// WithAcquireTimeout applies a deadline to every Lock call in addition to
// the caller's context. Zero disables it.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// WithWaiterTTL sets how long a fair waiter may go without polling before
// it is pruned from the queue. It must exceed the maximum backoff.
func WithWaiterTTL(d time.Duration) Option {
	return func(o *options) { o.waiterTTL = d }
}

// WithBus publishes release notifications on bus and lets waiters wake up
// on them.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithLogger sets the logger. Without it the logger stored in the call
// context is used, if any.
func WithLogger(l logr.Logger) Option {
	return func(o *options) {
		o.logger = l
		o.hasLogger = true
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTokenGenerator replaces the ownership token source. Tokens must be
// unique per Lock call.
func WithTokenGenerator(gen func() string) Option {
	return func(o *options) { o.tokens = gen }
}
