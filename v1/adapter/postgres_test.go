package adapter_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres backend tests")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// newPostgres migrates a table private to the test and drops it afterwards.
func newPostgres(t *testing.T) *adapter.Postgres {
	t.Helper()
	pool := getTestPool(t)
	table := fmt.Sprintf("keylock_test_%s", uuid.NewString()[:8])
	p := adapter.NewPostgres(pool, adapter.WithTable(table))
	require.NoError(t, p.Migrate(context.Background()))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
	})
	return p
}

func TestPostgresPrimitives(t *testing.T) {
	p := newPostgres(t)
	// expiry is judged by the server clock, so the lease has to really run out
	testPrimitives(t, postgresShortLease{p}, func(string) { time.Sleep(400 * time.Millisecond) })
}

// postgresShortLease caps lease ttls so the shared expiry cases finish fast.
type postgresShortLease struct{ *adapter.Postgres }

func (p postgresShortLease) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (adapter.SetResult, error) {
	return p.Postgres.SetIfAbsent(ctx, key, value, min(ttl, 300*time.Millisecond))
}

func (p postgresShortLease) ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return p.Postgres.ExtendIfEquals(ctx, key, expected, min(ttl, 300*time.Millisecond))
}

func TestPostgresConcurrentSet(t *testing.T) {
	p := newPostgres(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			res, err := p.SetIfAbsent(ctx, "race", token, time.Minute)
			if err != nil {
				t.Errorf("set: %v", err)
				return
			}
			if res == adapter.SetGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}
