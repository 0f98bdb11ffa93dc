package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

const (
	lockDefaultLease       = lock.DefaultLease
	defaultBreakerCooldown = 5 * time.Second
	natsBucketMaxAge       = time.Hour
)

var logger = logr.Discard()

// initConfig loads env files and lets KEYLOCK_* variables override flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("keylock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger = logr.FromSlogHandler(handler)
	return nil
}

// backend is an opened lock store. raw is the undecorated store, kept for
// inspection.
type backend struct {
	store adapter.Primitives
	raw   adapter.Primitives
	bus   syncbus.Bus
	close func()
}

func openBackend(ctx context.Context) (*backend, error) {
	var (
		b   = &backend{close: func() {}}
		err error
	)
	name := viper.GetString("backend")
	switch name {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(viper.GetString("redis-addr"), ","),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		})
		if err = client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		bus := syncbus.NewRedisBus(client)
		b.raw, b.bus = adapter.NewRedis(client), bus
		b.close = func() {
			_ = bus.Close()
			_ = client.Close()
		}
	case "nats":
		conn, err := nats.Connect(viper.GetString("nats-url"), nats.Name("keylock"))
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		kv, err := adapter.OpenNATSBucket(ctx, js, viper.GetString("nats-bucket"), natsBucketMaxAge)
		if err != nil {
			conn.Close()
			return nil, err
		}
		b.raw, b.bus = adapter.NewNATS(kv), syncbus.NewNATSBus(conn)
		b.close = conn.Close
	case "postgres":
		dsn := viper.GetString("postgres-dsn")
		if dsn == "" {
			return nil, fmt.Errorf("postgres: --postgres-dsn is required")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		pg := adapter.NewPostgres(pool, adapter.WithTable(viper.GetString("postgres-table")))
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		b.raw = pg
		b.close = pool.Close
	case "memory":
		b.raw, b.bus = adapter.NewMemory(), syncbus.NewInMemoryBus()
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}

	if brokers := viper.GetString("kafka-brokers"); brokers != "" {
		cfg := sarama.NewConfig()
		cfg.ClientID = "keylock"
		kb, err := syncbus.NewKafkaBus(strings.Split(brokers, ","), cfg, viper.GetString("kafka-topic"))
		if err != nil {
			b.close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		closeStore := b.close
		b.bus = kb
		b.close = func() {
			_ = kb.Close()
			closeStore()
		}
	}

	b.store = withBreaker(b.raw, viper.GetInt("breaker-threshold"), viper.GetDuration("breaker-cooldown"))
	logger.V(1).Info("backend ready", "backend", name)
	return b, nil
}

func withBreaker(p adapter.Primitives, threshold int, cooldown time.Duration) adapter.Primitives {
	if threshold <= 0 {
		return p
	}
	if fp, ok := p.(adapter.FairPrimitives); ok {
		return adapter.NewFairCircuitBreaker(fp, threshold, cooldown)
	}
	return adapter.NewCircuitBreaker(p, threshold, cooldown)
}

// newCoordinator builds a coordinator on b from the command line settings.
// reg may be nil.
func newCoordinator(b *backend, reg prometheus.Registerer) (*lock.Coordinator, error) {
	return buildCoordinator(b, reg, viper.GetBool("fair"))
}

// newOwnerCoordinator builds a coordinator for operations on a lease already
// held by a known token. It ignores --fair.
func newOwnerCoordinator(b *backend) (*lock.Coordinator, error) {
	return buildCoordinator(b, nil, false)
}

func buildCoordinator(b *backend, reg prometheus.Registerer, fair bool) (*lock.Coordinator, error) {
	opts := []lock.Option{
		lock.WithFair(fair),
		lock.WithDefaultLease(viper.GetDuration("lease")),
		lock.WithAcquireTimeout(viper.GetDuration("timeout")),
		lock.WithLogger(logger),
	}
	if b.bus != nil {
		opts = append(opts, lock.WithBus(b.bus))
	}
	if reg != nil {
		opts = append(opts, lock.WithMetrics(reg))
	}
	return lock.New(b.store, opts...)
}
