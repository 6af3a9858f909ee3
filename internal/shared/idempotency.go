package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// ErrIdempotencyKeyReused indicates a request id already bound to a different operation.
var ErrIdempotencyKeyReused = fmt.Errorf("idempotency key reused for another operation: %w", ErrValidation)

// ClaimIdempotencyKey registers key for module inside the caller's transaction.
// When the key was already completed it returns the stored result reference and
// replay=true; the caller must then return that result instead of re-applying.
// A key claimed by a concurrent, still uncommitted transaction yields ErrConflict.
func ClaimIdempotencyKey(ctx context.Context, db DBTX, key, module string) (ref string, replay bool, err error) {
	if key == "" {
		return "", false, errors.New("idempotency key required")
	}
	if module == "" {
		return "", false, errors.New("idempotency module required")
	}
	tag, err := db.Exec(ctx, `INSERT INTO idempotency_keys (key, module, result_ref, created_at) VALUES ($1, $2, '', NOW())
ON CONFLICT (key) DO NOTHING`, key, module)
	if err != nil {
		return "", false, err
	}
	if tag.RowsAffected() == 1 {
		return "", false, nil
	}
	var storedModule string
	err = db.QueryRow(ctx, `SELECT module, result_ref FROM idempotency_keys WHERE key=$1`, key).Scan(&storedModule, &ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("%w: idempotency key %s in flight", ErrConflict, key)
		}
		return "", false, err
	}
	if storedModule != module {
		return "", false, ErrIdempotencyKeyReused
	}
	if ref == "" {
		return "", false, fmt.Errorf("%w: idempotency key %s in flight", ErrConflict, key)
	}
	return ref, true, nil
}

// CompleteIdempotencyKey stores the result reference for a claimed key.
func CompleteIdempotencyKey(ctx context.Context, db DBTX, key, ref string) error {
	_, err := db.Exec(ctx, `UPDATE idempotency_keys SET result_ref=$2 WHERE key=$1`, key, ref)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
