package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fightbook/market-engine/internal/metrics"
)

// PgTxRunner runs engine passes inside SERIALIZABLE transactions.
// Serializable isolation is load-bearing: two orders racing for the same
// resting liquidity, or a settlement racing an order placement, must not
// interleave. When Postgres aborts one of the racers (SQLSTATE 40001 or
// 40P01) the whole pass is retried from scratch.
type PgTxRunner struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPgTxRunner creates a runner over a connection pool. maxRetries
// bounds serialization-failure retries; values below 1 mean one attempt.
func NewPgTxRunner(pool *pgxpool.Pool, maxRetries int) *PgTxRunner {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &PgTxRunner{pool: pool, maxRetries: maxRetries}
}

// RunSerializable executes fn against a store bound to one serializable
// transaction. fn may be invoked multiple times; it must derive all its
// state from the store it is given.
func (r *PgTxRunner) RunSerializable(ctx context.Context, fn func(Store) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		err := pgx.BeginTxFunc(ctx, r.pool,
			pgx.TxOptions{IsoLevel: pgx.Serializable},
			func(tx pgx.Tx) error {
				return fn(NewPostgresStore(tx))
			})
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		metrics.TxRetries.Inc()
		slog.Warn("serialization failure, retrying transaction",
			"attempt", attempt, "err", err)
	}
	return fmt.Errorf("store: transaction retries exhausted: %w", lastErr)
}

// retryable reports whether err is a serialization failure (40001) or
// deadlock (40P01) that warrants re-running the whole transaction.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
