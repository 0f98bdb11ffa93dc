package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTable = "keylock_leases"

// Postgres implements Primitives and Extender on a PostgreSQL table. Each
// operation is one statement, and expiry is judged with the server clock.
type Postgres struct {
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration

	setSQL    string
	deleteSQL string
	extendSQL string
	holderSQL string
}

// PostgresOption configures a Postgres backend.
type PostgresOption func(*Postgres)

// WithTable overrides the lease table name. The name is used verbatim.
func WithTable(name string) PostgresOption {
	return func(p *Postgres) {
		if name != "" {
			p.table = name
		}
	}
}

// WithPostgresTimeout sets the per-statement timeout.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.timeout = d
	}
}

// NewPostgres returns a backend using pool. Call Migrate once before use.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{pool: pool, table: defaultPostgresTable, timeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(p)
	}
	p.setSQL = fmt.Sprintf(`INSERT INTO %[1]s (key, token, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
WHERE %[1]s.expires_at <= now() OR %[1]s.token = EXCLUDED.token
RETURNING token`, p.table)
	p.deleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND token = $2 AND expires_at > now()`, p.table)
	p.extendSQL = fmt.Sprintf(`UPDATE %s SET expires_at = now() + $3 * interval '1 millisecond'
WHERE key = $1 AND token = $2 AND expires_at > now()`, p.table)
	p.holderSQL = fmt.Sprintf(`SELECT token FROM %s WHERE key = $1 AND expires_at > now()`, p.table)
	return p
}

// Migrate creates the lease table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.withConn(ctx, "postgres migrate", func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, p.table))
		return err
	})
}

// withConn acquires a pooled connection for one statement and always
// releases it.
func (p *Postgres) withConn(ctx context.Context, op string, fn func(context.Context, *pgxpool.Conn) error) error {
	cctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.pool.Acquire(cctx)
	if err != nil {
		return storeError(op, err)
	}
	defer conn.Release()
	if err := fn(cctx, conn); err != nil {
		return storeError(op, err)
	}
	return nil
}

// SetIfAbsent implements Primitives.SetIfAbsent.
func (p *Postgres) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (SetResult, error) {
	res := SetHeld
	err := p.withConn(ctx, "postgres set", func(ctx context.Context, conn *pgxpool.Conn) error {
		var token string
		err := conn.QueryRow(ctx, p.setSQL, key, value, ttl.Milliseconds()).Scan(&token)
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res = SetGranted
		return nil
	})
	return res, err
}

// DeleteIfEquals implements Primitives.DeleteIfEquals.
func (p *Postgres) DeleteIfEquals(ctx context.Context, key, expected string) (DeleteResult, error) {
	res := DeleteMismatch
	err := p.withConn(ctx, "postgres delete", func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, p.deleteSQL, key, expected)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			res = Deleted
		}
		return nil
	})
	return res, err
}

// ExtendIfEquals implements Extender.ExtendIfEquals.
func (p *Postgres) ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var ok bool
	err := p.withConn(ctx, "postgres extend", func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, p.extendSQL, key, expected, ttl.Milliseconds())
		if err != nil {
			return err
		}
		ok = tag.RowsAffected() == 1
		return nil
	})
	return ok, err
}

// Holder implements Inspector.Holder.
func (p *Postgres) Holder(ctx context.Context, key string) (string, bool, error) {
	var token string
	var found bool
	err := p.withConn(ctx, "postgres holder", func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, p.holderSQL, key).Scan(&token)
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return token, found, err
}
