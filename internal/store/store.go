package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the shared connection pool type every component's Store embeds.
type Pool = pgxpool.Pool

// WithTx runs fn inside a serializable transaction, committing on success
// and rolling back on any error or panic. Mirrors the single-writer
// transactional discipline every multi-step write in this repo needs.
func WithTx(ctx context.Context, pool *Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// WithAdvisoryLock runs fn inside a transaction holding a Postgres
// transaction-scoped advisory lock keyed by name. Postgres advisory locks
// take a bigint key; name is folded into one with FNV-1a so every caller
// can use a readable string ("audit") instead of hand-picking integers.
// This is the single-writer serialization point for C3's sequence
// assignment; the C6 expiry sweep claims rows with FOR UPDATE SKIP LOCKED
// instead.
func WithAdvisoryLock(ctx context.Context, pool *Pool, name string, fn func(tx pgx.Tx) error) error {
	key := lockKey(name)
	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			return fmt.Errorf("store: acquiring advisory lock %q: %w", name, err)
		}
		return fn(tx)
	})
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the condition C3's append retries on and
// every component's Create maps to ErrDuplicate.
func IsUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func asPgError(err error, target *interface{ SQLState() string }) bool {
	type sqlStater interface{ SQLState() string }
	for err != nil {
		if s, ok := err.(sqlStater); ok {
			*target = s
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
