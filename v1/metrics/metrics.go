// Package metrics defines the Prometheus collectors recorded by the lock
// coordinator.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquire and release outcomes used as the "result" label.
const (
	ResultGranted  = "granted"
	ResultTimeout  = "timeout"
	ResultError    = "error"
	ResultReleased = "released"
	ResultExpired  = "expired"
	ResultHeld     = "held"
)

// Collectors groups the lock metrics of one coordinator.
type Collectors struct {
	// Acquire counts Lock outcomes by result.
	Acquire *prometheus.CounterVec
	// Release counts Unlock outcomes by result.
	Release *prometheus.CounterVec
	// AcquireWait observes time spent in Lock until it returns.
	AcquireWait prometheus.Histogram
	// StoreRetries counts transient store failures by operation.
	StoreRetries *prometheus.CounterVec
	// Held reports the leases currently held through this coordinator.
	Held prometheus.Gauge
}

// NewCollectors creates unregistered collectors.
func NewCollectors() *Collectors {
	return &Collectors{
		Acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keylock_acquire_total",
			Help: "Total number of lock acquisitions by result",
		}, []string{"result"}),
		Release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keylock_release_total",
			Help: "Total number of lock releases by result",
		}, []string{"result"}),
		AcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keylock_acquire_wait_seconds",
			Help:    "Time spent waiting for a lock",
			Buckets: prometheus.DefBuckets,
		}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keylock_store_retries_total",
			Help: "Total number of transient store failures by operation",
		}, []string{"op"}),
		Held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keylock_held_leases",
			Help: "Current number of leases held",
		}),
	}
}

// MustRegister registers every collector on reg. It panics on duplicate
// registration.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.Acquire, c.Release, c.AcquireWait, c.StoreRetries, c.Held)
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
