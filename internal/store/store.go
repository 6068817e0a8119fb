// Package store is the platform's relational time-series persistence
// layer, backed by PostgreSQL (TimescaleDB-compatible) through pgx.
//
// Tenant isolation is belt and suspenders: every query filters by
// tenant explicitly, and every tenant-scoped interaction runs inside a
// transaction that first sets the app.tenant_id session variable so
// row-level security policies enforce the same boundary in the server.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// acquireTimeout bounds waiting for a pool connection; statements get
// their own server-side timeout via the pool config.
const acquireTimeout = 3 * time.Second

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool against dsn with the given bounds and verifies
// connectivity. The statement timeout is applied server-side to every
// session.
func Connect(ctx context.Context, dsn string, poolMin, poolMax int, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store DSN: %w", err)
	}
	cfg.MinConns = int32(poolMin)
	cfg.MaxConns = int32(poolMax)
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "10000"
	cfg.ConnConfig.RuntimeParams["application_name"] = "fleetd"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool. Safe to call once after all workers exit.
func (s *Store) Close() {
	s.pool.Close()
}

// Healthy reports whether the store answers a ping within the acquire
// timeout. Used by the ops health endpoint.
func (s *Store) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	return s.pool.Ping(pingCtx) == nil
}

// WithTenant runs fn inside a transaction with app.tenant_id set to
// tenant, committing on nil return. The session variable is transaction
// local (set_config with is_local=true), so pooled connections never
// leak a tenant identity across calls.
func (s *Store) WithTenant(ctx context.Context, tenant string, fn func(pgx.Tx) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	conn, err := s.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenant); err != nil {
		return fmt.Errorf("set tenant: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockKey hashes a lock name into the 64-bit advisory lock space.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAdvisoryLock attempts a transaction-scoped advisory lock named
// name inside tx. It returns false without blocking when another
// session holds the lock; the lock releases at transaction end.
func TryAdvisoryLock(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var got bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey(name)).Scan(&got); err != nil {
		return false, fmt.Errorf("advisory lock %s: %w", name, err)
	}
	return got, nil
}

// WithAdvisoryLock runs fn while holding a session-level advisory lock
// named name, pinned to one pool connection. It returns false without
// running fn when another session holds the lock. Unlike the
// transaction-scoped variant, the lock spans every store call fn makes.
func (s *Store) WithAdvisoryLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		return false, fmt.Errorf("acquire conn for lock %s: %w", name, err)
	}
	defer conn.Release()

	key := lockKey(name)
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		return false, fmt.Errorf("advisory lock %s: %w", name, err)
	}
	if !got {
		return false, nil
	}
	defer func() {
		// Unlock on the same connection even when ctx is already done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.logger.Warn("advisory unlock failed", "lock", name, "error", err)
		}
	}()

	return true, fn(ctx)
}

// AuditBypass records an operator-privileged access in the audit table.
// Operator sessions bypass RLS and must be logged before any read or
// write.
func (s *Store) AuditBypass(ctx context.Context, operator, action, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (operator, action, detail, at) VALUES ($1, $2, $3, now())`,
		operator, action, detail)
	if err != nil {
		return fmt.Errorf("audit bypass: %w", err)
	}
	return nil
}
