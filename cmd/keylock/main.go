// Command keylock acquires, inspects and releases distributed locks from the
// shell, and runs a contention demo against a configured backend.
//
// Every flag can also be set through the environment as KEYLOCK_<FLAG>, for
// example KEYLOCK_REDIS_ADDR=localhost:6379. Values in .env and .env.local
// are loaded first.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:               "keylock",
	Short:             "Distributed mutual exclusion on Redis, NATS or PostgreSQL",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		return shutdownTracing(cmd.Context())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("backend", "redis", "Lock store: redis, nats, postgres or memory")
	flags.String("redis-addr", "localhost:6379", "Redis address, comma separated for a cluster")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")
	flags.String("nats-url", "nats://localhost:4222", "NATS server URL")
	flags.String("nats-bucket", "keylock", "JetStream key-value bucket holding the leases")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	flags.String("postgres-table", "keylock_leases", "PostgreSQL lease table")
	flags.String("kafka-brokers", "", "Kafka brokers, comma separated, carrying release notifications instead of the backend")
	flags.String("kafka-topic", "keylock-unlocks", "Kafka topic for release notifications")
	flags.Bool("fair", false, "Grant the lock in FIFO order (redis and memory only)")
	flags.Duration("lease", lockDefaultLease, "Lease duration of acquired locks")
	flags.Duration("timeout", 0, "Give up acquiring after this long, 0 waits forever")
	flags.Int("breaker-threshold", 5, "Consecutive store failures before failing fast, 0 disables the breaker")
	flags.Duration("breaker-cooldown", defaultBreakerCooldown, "How long the breaker stays open before probing")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.Bool("trace", false, "Print OpenTelemetry spans to stderr")

	rootCmd.AddCommand(acquireCmd, releaseCmd, extendCmd, statusCmd, watchCmd, demoCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// setup binds flags to viper and prepares logging and tracing before any
// command runs.
func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := initLogger(viper.GetString("log-level")); err != nil {
		return err
	}
	if viper.GetBool("trace") {
		return initTracing()
	}
	return nil
}
