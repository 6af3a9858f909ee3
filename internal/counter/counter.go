// Package counter mints named, monotonically increasing sequence numbers.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// SaleSequence names the sequence that backs sale identifiers.
const SaleSequence = "saleID"

const salePrefix = "SA-"

// Querier is the subset of pgx.Tx used to advance a sequence.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrInvalidSaleID indicates an identifier that is not of the SA-#### form.
var ErrInvalidSaleID = fmt.Errorf("counter: invalid sale id: %w", shared.ErrValidation)

// Next increments the named sequence and returns the new value. It must run
// inside the caller's transaction: the upsert holds the counter row lock until
// commit, and a rollback returns the number to the pool.
func Next(ctx context.Context, q Querier, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("counter: sequence name required")
	}
	var value int64
	err := q.QueryRow(ctx, `INSERT INTO counters (name, last_value, updated_at) VALUES ($1, 1, NOW())
ON CONFLICT (name) DO UPDATE SET last_value = counters.last_value + 1, updated_at = NOW()
RETURNING last_value`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("counter: next %s: %w", name, err)
	}
	return value, nil
}

// FormatSaleID renders n as SA-0001. Values beyond four digits keep growing.
func FormatSaleID(n int64) string {
	return fmt.Sprintf("%s%04d", salePrefix, n)
}

// ParseSaleID extracts the sequence number from a sale identifier.
func ParseSaleID(id string) (int64, error) {
	digits, ok := strings.CutPrefix(id, salePrefix)
	if !ok || len(digits) < 4 || strings.Trim(digits, "0123456789") != "" {
		return 0, ErrInvalidSaleID
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidSaleID
	}
	return n, nil
}
