package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetRecordForUpdate(ctx context.Context, inventoryID int64) (Record, error)
	RecordIDForProduct(ctx context.Context, productID int64) (int64, error)
	UpdateRecord(ctx context.Context, rec Record, expectedVersion int64) (Record, error)
	InsertMovement(ctx context.Context, mv Movement) (int64, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	ClaimRequest(ctx context.Context, key, module string) (string, bool, error)
	CompleteRequest(ctx context.Context, key, ref string) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, id int64) (Record, error)
	GetRecordByProduct(ctx context.Context, productID int64) (Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	ListRecordBalances(ctx context.Context, filter RecordFilter) ([]RecordBalance, error)
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

// WithTx executes the callback inside a retried transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return r.runner.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const (
	recordFields = `r.id, r.product_id, p.sku, p.category, r.stock_level, r.serial_numbers,
p.requires_serial_number, p.active, r.version, r.created_at, r.updated_at`
	recordFrom    = `FROM inventory_records r JOIN products p ON p.id = r.product_id`
	recordColumns = recordFields + "\n" + recordFrom
)

const movementColumns = `id, inventory_id, type, quantity, serial_numbers, reason, ref_module, COALESCE(ref_id, ''), balance_after, created_at
FROM stock_movements`

// GetRecord loads a record with live product attributes.
func (r *Repository) GetRecord(ctx context.Context, id int64) (Record, error) {
	return scanRecord(r.runner.Pool().QueryRow(ctx, `SELECT `+recordColumns+` WHERE r.id=$1`, id))
}

// GetRecordByProduct loads the record owned by productID.
func (r *Repository) GetRecordByProduct(ctx context.Context, productID int64) (Record, error) {
	return scanRecord(r.runner.Pool().QueryRow(ctx, `SELECT `+recordColumns+` WHERE r.product_id=$1`, productID))
}

// ListRecords returns records ordered by id.
func (r *Repository) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	filter = normalizeRecordFilter(filter)
	rows, err := r.runner.Pool().Query(ctx, `SELECT `+recordColumns+`
WHERE ($1 = false OR p.active)
ORDER BY r.id ASC
LIMIT $2 OFFSET $3`, filter.ActiveOnly, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListMovements returns ledger entries newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.InventoryID != 0 {
		add("inventory_id = $%d", filter.InventoryID)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.RefID != "" {
		add("ref_id = $%d", filter.RefID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	query := `SELECT ` + movementColumns
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.runner.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

// ListRecordBalances pages through records and sums each ledger in the same
// query.
func (r *Repository) ListRecordBalances(ctx context.Context, filter RecordFilter) ([]RecordBalance, error) {
	filter = normalizeRecordFilter(filter)
	rows, err := r.runner.Pool().Query(ctx, `SELECT `+recordFields+`, l.net
`+recordFrom+`
LEFT JOIN LATERAL (
	SELECT COALESCE(SUM(CASE WHEN m.type='INCREASE' THEN m.quantity ELSE -m.quantity END), 0) AS net
	FROM stock_movements m WHERE m.inventory_id = r.id
) l ON true
WHERE ($1 = false OR p.active)
ORDER BY r.id ASC
LIMIT $2 OFFSET $3`, filter.ActiveOnly, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RecordBalance{}
	for rows.Next() {
		var (
			rec Record
			net int64
		)
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.SKU, &rec.Category, &rec.StockLevel, &rec.SerialNumbers,
			&rec.RequiresSerial, &rec.Active, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &net); err != nil {
			return nil, err
		}
		if rec.SerialNumbers == nil {
			rec.SerialNumbers = []string{}
		}
		out = append(out, RecordBalance{Record: rec, LedgerNet: int(net)})
	}
	return out, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps tx so other modules can compose inventory writes into
// their own transactions.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetRecordForUpdate(ctx context.Context, inventoryID int64) (Record, error) {
	return scanRecord(r.tx.QueryRow(ctx, `SELECT `+recordColumns+` WHERE r.id=$1 FOR UPDATE OF r`, inventoryID))
}

func (r *txRepository) RecordIDForProduct(ctx context.Context, productID int64) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM inventory_records WHERE product_id=$1`, productID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrRecordNotFound
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) UpdateRecord(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	serials := rec.SerialNumbers
	if serials == nil {
		serials = []string{}
	}
	err := r.tx.QueryRow(ctx, `UPDATE inventory_records
SET stock_level=$3, serial_numbers=$4, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2
RETURNING version, updated_at`, rec.ID, expectedVersion, rec.StockLevel, serials).Scan(&rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrVersionConflict
		}
		return Record{}, err
	}
	rec.SerialNumbers = serials
	return rec, nil
}

func (r *txRepository) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (inventory_id, type, quantity, serial_numbers, reason, ref_module, ref_id, balance_after, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		mv.InventoryID, string(mv.Type), mv.Quantity, mv.SerialNumbers, mv.Reason, mv.RefModule, nullString(mv.RefID), mv.BalanceAfter, mv.Timestamp).Scan(&id)
	return id, err
}

func (r *txRepository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	return scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` WHERE id=$1`, id))
}

func (r *txRepository) ClaimRequest(ctx context.Context, key, module string) (string, bool, error) {
	return shared.ClaimIdempotencyKey(ctx, r.tx, key, module)
}

func (r *txRepository) CompleteRequest(ctx context.Context, key, ref string) error {
	return shared.CompleteIdempotencyKey(ctx, r.tx, key, ref)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ProductID, &rec.SKU, &rec.Category, &rec.StockLevel, &rec.SerialNumbers,
		&rec.RequiresSerial, &rec.Active, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	if rec.SerialNumbers == nil {
		rec.SerialNumbers = []string{}
	}
	return rec, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var mv Movement
	var typ string
	err := row.Scan(&mv.ID, &mv.InventoryID, &typ, &mv.Quantity, &mv.SerialNumbers, &mv.Reason, &mv.RefModule, &mv.RefID, &mv.BalanceAfter, &mv.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, err
	}
	mv.Type = MovementType(typ)
	if mv.SerialNumbers == nil {
		mv.SerialNumbers = []string{}
	}
	return mv, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
