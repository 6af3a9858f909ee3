package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertProduct(ctx context.Context, p Product) (Product, error)
	GetProductForUpdate(ctx context.Context, id int64) (Product, error)
	UpdateProduct(ctx context.Context, p Product) (Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	InsertRecord(ctx context.Context, productID int64) (int64, error)
	RecordStock(ctx context.Context, productID int64) (recordID int64, stock int, err error)
	HasSales(ctx context.Context, productID int64) (bool, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Product, error)
	List(ctx context.Context, filter ListFilter) ([]Product, error)
}

// Repository persists products in PostgreSQL.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

const productColumns = `id, sku, name, category, price, requires_serial_number, active, created_at, updated_at FROM products`

// GetProduct reads a product through any connection or transaction. Sales use
// it to snapshot price and serial policy inside their own transaction.
func GetProduct(ctx context.Context, q shared.DBTX, id int64) (Product, error) {
	return scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` WHERE id=$1`, id))
}

// WithTx executes the callback inside a retried transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("catalog repository not initialised")
	}
	return r.runner.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads a product.
func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	return GetProduct(ctx, r.runner.Pool(), id)
}

// List returns products ordered by sku.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	query := `SELECT ` + productColumns + ` WHERE 1=1`
	args := []any{}
	if filter.ActiveOnly {
		query += ` AND active`
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY sku ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.runner.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) InsertProduct(ctx context.Context, p Product) (Product, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO products (sku, name, category, price, requires_serial_number, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		p.SKU, p.Name, p.Category, p.Price, p.RequiresSerialNumber, p.Active).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, mapWriteError(err)
	}
	return p, nil
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, `SELECT `+productColumns+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateProduct(ctx context.Context, p Product) (Product, error) {
	err := r.tx.QueryRow(ctx, `UPDATE products
SET sku=$2, name=$3, category=$4, price=$5, requires_serial_number=$6, active=$7, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`,
		p.ID, p.SKU, p.Name, p.Category, p.Price, p.RequiresSerialNumber, p.Active).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, mapWriteError(err)
	}
	return p, nil
}

func (r *txRepository) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *txRepository) InsertRecord(ctx context.Context, productID int64) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_records (product_id, stock_level, serial_numbers, version, created_at, updated_at)
VALUES ($1, 0, '{}', 1, NOW(), NOW()) RETURNING id`, productID).Scan(&id)
	return id, err
}

func (r *txRepository) RecordStock(ctx context.Context, productID int64) (int64, int, error) {
	var id int64
	var stock int
	err := r.tx.QueryRow(ctx, `SELECT id, stock_level FROM inventory_records WHERE product_id=$1 FOR UPDATE`, productID).Scan(&id, &stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return id, stock, nil
}

func (r *txRepository) HasSales(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE product_id=$1)`, productID).Scan(&exists)
	return exists, err
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Price, &p.RequiresSerialNumber, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateUniqueViolation:
		if strings.Contains(pgErr.ConstraintName, "sku") {
			return ErrDuplicateSKU
		}
	case sqlStateForeignKeyViolation:
		return ErrProductInUse
	}
	return err
}
