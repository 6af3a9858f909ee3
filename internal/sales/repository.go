package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/counter"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// TxRepository exposes the transactional operations the reconciler composes.
// Inventory writes come from the embedded inventory repository so stock,
// ledger and sale rows share one transaction.
type TxRepository interface {
	inventory.TxRepository
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
	NextSaleNumber(ctx context.Context) (int64, error)
	GetSaleForUpdate(ctx context.Context, id string) (Sale, error)
	InsertSale(ctx context.Context, sale Sale) (Sale, error)
	UpdateSale(ctx context.Context, sale Sale) (Sale, error)
	DeleteSale(ctx context.Context, id string) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id string) (Sale, error)
	ListSales(ctx context.Context, filter ListFilter) ([]Sale, error)
}

// Repository persists sales in PostgreSQL.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

const saleColumns = `id, client_name, product_id, quantity, serial_numbers, unit_price, total_amount,
purchase_date, warranty, term_payable, mode_of_payment, status, created_at, updated_at
FROM sales`

// WithTx executes the callback inside a retried transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("sales repository not initialised")
	}
	return r.runner.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
}

// GetSale loads a sale.
func (r *Repository) GetSale(ctx context.Context, id string) (Sale, error) {
	return scanSale(r.runner.Pool().QueryRow(ctx, `SELECT `+saleColumns+` WHERE id=$1`, id))
}

// ListSales returns sales newest first.
func (r *Repository) ListSales(ctx context.Context, filter ListFilter) ([]Sale, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != 0 {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.ClientName != "" {
		add("client_name ILIKE $%d", "%"+filter.ClientName+"%")
	}
	if !filter.From.IsZero() {
		add("purchase_date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("purchase_date <= $%d", filter.To)
	}
	query := `SELECT ` + saleColumns
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
	sales := []Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

type txRepository struct {
	inventory.TxRepository
	tx pgx.Tx
}

func (r *txRepository) GetProduct(ctx context.Context, id int64) (catalog.Product, error) {
	p, err := catalog.GetProduct(ctx, r.tx, id)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return catalog.Product{}, ErrProductNotFound
	}
	return p, err
}

func (r *txRepository) NextSaleNumber(ctx context.Context) (int64, error) {
	return counter.Next(ctx, r.tx, counter.SaleSequence)
}

func (r *txRepository) GetSaleForUpdate(ctx context.Context, id string) (Sale, error) {
	return scanSale(r.tx.QueryRow(ctx, `SELECT `+saleColumns+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertSale(ctx context.Context, sale Sale) (Sale, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sales (id, client_name, product_id, quantity, serial_numbers, unit_price, total_amount,
purchase_date, warranty, term_payable, mode_of_payment, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
RETURNING created_at, updated_at`,
		sale.ID, sale.ClientName, sale.ProductID, sale.Quantity, serialsOrEmpty(sale.SerialNumbers), sale.UnitPrice, sale.TotalAmount,
		sale.PurchaseDate, sale.Warranty, sale.TermPayable, sale.ModeOfPayment, sale.Status).Scan(&sale.CreatedAt, &sale.UpdatedAt)
	return sale, err
}

func (r *txRepository) UpdateSale(ctx context.Context, sale Sale) (Sale, error) {
	err := r.tx.QueryRow(ctx, `UPDATE sales SET client_name=$2, product_id=$3, quantity=$4, serial_numbers=$5, unit_price=$6,
total_amount=$7, purchase_date=$8, warranty=$9, term_payable=$10, mode_of_payment=$11, status=$12, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`,
		sale.ID, sale.ClientName, sale.ProductID, sale.Quantity, serialsOrEmpty(sale.SerialNumbers), sale.UnitPrice,
		sale.TotalAmount, sale.PurchaseDate, sale.Warranty, sale.TermPayable, sale.ModeOfPayment, sale.Status).Scan(&sale.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, ErrSaleNotFound
	}
	return sale, err
}

func (r *txRepository) DeleteSale(ctx context.Context, id string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM sales WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSaleNotFound
	}
	return nil
}

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.ClientName, &s.ProductID, &s.Quantity, &s.SerialNumbers, &s.UnitPrice, &s.TotalAmount,
		&s.PurchaseDate, &s.Warranty, &s.TermPayable, &s.ModeOfPayment, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrSaleNotFound
		}
		return Sale{}, err
	}
	s.SerialNumbers = serialsOrEmpty(s.SerialNumbers)
	return s, nil
}

func serialsOrEmpty(serials []string) []string {
	if serials == nil {
		return []string{}
	}
	return serials
}
