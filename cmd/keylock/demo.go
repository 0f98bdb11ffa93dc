package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run concurrent workers contending for one lock",
	Long: `Demo starts --workers goroutines that each lock --key, hold it for --hold
and release it, --rounds times. It reports how many critical sections ran and
the highest number of workers observed inside at once, which must be 1.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	flags := demoCmd.Flags()
	flags.Int("workers", 9, "Number of concurrent workers")
	flags.Int("rounds", 1, "Critical sections per worker")
	flags.String("key", "test1", "Lock key to contend on")
	flags.Duration("hold", 900*time.Millisecond, "Time spent inside each critical section")
	flags.String("metrics-addr", "", "Serve /metrics and the /events and /ws release streams on this address while running, e.g. :2112")
}

// demoStats tracks the critical sections entered by the demo workers.
type demoStats struct {
	inside  atomic.Int32
	maxSeen atomic.Int32
	entries atomic.Int64
	expired atomic.Int64
}

func (s *demoStats) enter() {
	n := s.inside.Add(1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	s.entries.Add(1)
}

func (s *demoStats) leave() { s.inside.Add(-1) }

func runDemo(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	reg := metrics.NewRegistry()
	c, err := newCoordinator(b, reg)
	if err != nil {
		return err
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if b.bus != nil {
			mux.Handle("/events", syncbus.SSEHandler(b.bus))
			mux.Handle("/ws", syncbus.WebSocketHandler(b.bus))
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server stopped")
			}
		}()
		defer func() { _ = srv.Shutdown(context.WithoutCancel(ctx)) }()
		logger.Info("serving metrics", "addr", addr)
	}

	var (
		stats   demoStats
		key     = viper.GetString("key")
		hold    = viper.GetDuration("hold")
		rounds  = viper.GetInt("rounds")
		workers = viper.GetInt("workers")
		start   = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			log := logger.WithValues("worker", w)
			for r := 0; r < rounds; r++ {
				err := c.WithLock(gctx, key, 0, func(ctx context.Context) error {
					stats.enter()
					defer stats.leave()
					log.V(1).Info("entered critical section", "round", r)
					select {
					case <-time.After(hold):
					case <-ctx.Done():
					}
					return nil
				})
				if errors.Is(err, lockerrors.ErrLeaseExpired) {
					stats.expired.Add(1)
					log.Info("lease expired inside critical section", "round", r)
					continue
				}
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	fmt.Fprintf(cmd.OutOrStdout(), "entries=%d max_concurrency=%d expired_releases=%d elapsed=%s\n",
		stats.entries.Load(), stats.maxSeen.Load(), stats.expired.Load(), time.Since(start).Round(time.Millisecond))
	if err != nil {
		return err
	}
	if stats.maxSeen.Load() > 1 {
		return fmt.Errorf("mutual exclusion violated: %d holders at once", stats.maxSeen.Load())
	}
	return nil
}
