package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// WithTx executes a function within a transaction at the given isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// RunnerConfig tunes transaction attempts.
type RunnerConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	// IsoLevel defaults to ReadCommitted. Writers lock the rows they change
	// (FOR UPDATE, ON CONFLICT DO UPDATE) and then see the latest committed
	// version, so hot rows such as the sale counter queue instead of failing
	// with serialization errors.
	IsoLevel pgx.TxIsoLevel
	// OnRetry is invoked before each retry, e.g. to count retries in metrics.
	OnRetry func(attempt int, err error)
}

// Runner executes transactional callbacks with a bounded per-attempt timeout and
// retries serialization failures, deadlocks and optimistic-lock conflicts.
type Runner struct {
	pool *pgxpool.Pool
	cfg  RunnerConfig
	// exec runs one attempt inside a transaction.
	exec func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

// NewRunner constructs Runner with defaults applied.
func NewRunner(pool *pgxpool.Pool, cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Millisecond
	}
	if cfg.IsoLevel == "" {
		cfg.IsoLevel = pgx.ReadCommitted
	}
	r := &Runner{pool: pool, cfg: cfg}
	r.exec = r.execTx
	return r
}

// Pool exposes the underlying pool for read-only queries.
func (r *Runner) Pool() *pgxpool.Pool {
	return r.pool
}

// WithTx runs fn inside one transaction. A failed attempt is rolled back
// entirely before the next one starts, so fn must be re-runnable.
func (r *Runner) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", shared.ErrTransient, ctxErr)
			}
			return ctxErr
		}
		if !Retryable(err) {
			return classify(err)
		}
		if attempt >= r.cfg.MaxAttempts {
			return fmt.Errorf("%w: gave up after %d attempts: %v", shared.ErrConflict, attempt, err)
		}
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, err)
		}
		if err := sleep(ctx, backoff(r.cfg.BaseBackoff, attempt)); err != nil {
			return err
		}
	}
}

func (r *Runner) attempt(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.exec(attemptCtx, fn)
}

func (r *Runner) execTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return WithTx(ctx, r.pool, r.cfg.IsoLevel, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// Retryable reports whether err came from a conflict that a fresh attempt may resolve.
func Retryable(err error) bool {
	if errors.Is(err, shared.ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", shared.ErrTransient, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", shared.ErrTransient, err)
	}
	return err
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Int64N(int64(d)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
