package sales_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/sales"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const pgDSNEnv = "STOCKLEDGER_TEST_PG_DSN"

// openSchema creates a throwaway schema, applies the migration and returns a
// runner bound to it.
func openSchema(t *testing.T) *db.Runner {
	t.Helper()
	dsn := os.Getenv(pgDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", pgDSNEnv)
	}
	ctx := context.Background()

	admin, err := db.New(ctx, db.PoolConfig{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schema := "stockledger_" + uuid.NewString()[:8]
	_, err = admin.Exec(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
	})

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	pool, err := db.New(ctx, db.PoolConfig{DSN: dsn + sep + "search_path=" + schema, MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migration, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(migration))
	require.NoError(t, err)

	return db.NewRunner(pool, db.RunnerConfig{Timeout: 10 * time.Second})
}

type pgStack struct {
	catalog   *catalog.Service
	inventory *inventory.Service
	sales     *sales.Service
}

func newPGStack(t *testing.T) pgStack {
	runner := openSchema(t)
	inv := inventory.NewService(inventory.NewRepository(runner), nil)
	return pgStack{
		catalog:   catalog.NewService(catalog.NewRepository(runner), nil),
		inventory: inv,
		sales:     sales.NewService(sales.NewRepository(runner), inv),
	}
}

func (s pgStack) stockedProduct(t *testing.T, sku string, stock int) (catalog.Product, inventory.Record) {
	t.Helper()
	ctx := context.Background()
	p, err := s.catalog.Create(ctx, catalog.CreateProductInput{SKU: sku, Name: sku, Price: decimal.NewFromInt(25)})
	require.NoError(t, err)
	rec, err := s.inventory.GetRecordByProduct(ctx, p.ID)
	require.NoError(t, err)
	_, err = s.inventory.RecordManualMovement(ctx, inventory.ManualMovementInput{
		InventoryID: rec.ID, Type: inventory.MovementIncrease, Quantity: stock, Reason: "Opening stock",
	})
	require.NoError(t, err)
	return p, rec
}

func pgSaleFields(productID int64, qty int) sales.SaleFields {
	return sales.SaleFields{
		ClientName:    "Acme Corp",
		ProductID:     productID,
		Quantity:      qty,
		PurchaseDate:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Warranty:      "1 year",
		TermPayable:   "30 days",
		ModeOfPayment: "Cash",
		Status:        "Paid",
	}
}

func TestPostgresConcurrentCreatesSellExactlyAvailableStock(t *testing.T) {
	stack := newPGStack(t)
	ctx := context.Background()
	hot, hotRec := stack.stockedProduct(t, "HOT-1", 10)
	other, otherRec := stack.stockedProduct(t, "OTHER-1", 30)

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ids       = map[string]bool{}
		sold      int
		shortages int
		failures  []error
	)
	for i := 0; i < callers; i++ {
		for _, productID := range []int64{hot.ID, other.ID} {
			wg.Add(1)
			go func(productID int64) {
				defer wg.Done()
				sale, err := stack.sales.CreateSale(ctx, sales.CreateSaleInput{SaleFields: pgSaleFields(productID, 1)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ids[sale.ID] = true
					if productID == hot.ID {
						sold++
					}
				case errors.Is(err, shared.ErrInsufficientStock) && productID == hot.ID:
					shortages++
				default:
					failures = append(failures, fmt.Errorf("product %d: %w", productID, err))
				}
			}(productID)
		}
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Equal(t, 10, sold)
	require.Equal(t, callers-10, shortages)
	require.Len(t, ids, 10+callers, "sale ids must be unique")

	rec, err := stack.inventory.GetRecord(ctx, hotRec.ID)
	require.NoError(t, err)
	require.Zero(t, rec.StockLevel)
	rec, err = stack.inventory.GetRecord(ctx, otherRec.ID)
	require.NoError(t, err)
	require.Equal(t, 30-callers, rec.StockLevel)

	violations, err := stack.inventory.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestPostgresUpdateRollsBackAndDeleteRestores(t *testing.T) {
	stack := newPGStack(t)
	ctx := context.Background()
	p1, rec1 := stack.stockedProduct(t, "P1", 10)
	p2, rec2 := stack.stockedProduct(t, "P2", 1)

	sale, err := stack.sales.CreateSale(ctx, sales.CreateSaleInput{SaleFields: pgSaleFields(p1.ID, 5)})
	require.NoError(t, err)
	require.Equal(t, "SA-0001", sale.ID)

	_, err = stack.sales.UpdateSale(ctx, sale.ID, sales.UpdateSaleInput{SaleFields: pgSaleFields(p2.ID, 3)})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	r1, err := stack.inventory.GetRecord(ctx, rec1.ID)
	require.NoError(t, err)
	require.Equal(t, 5, r1.StockLevel)
	r2, err := stack.inventory.GetRecord(ctx, rec2.ID)
	require.NoError(t, err)
	require.Equal(t, 1, r2.StockLevel)

	requestID := uuid.NewString()
	require.NoError(t, stack.sales.DeleteSale(ctx, sale.ID, requestID))
	require.NoError(t, stack.sales.DeleteSale(ctx, sale.ID, requestID), "replayed delete")

	r1, err = stack.inventory.GetRecord(ctx, rec1.ID)
	require.NoError(t, err)
	require.Equal(t, 10, r1.StockLevel)

	restored, err := stack.inventory.ListMovements(ctx, inventory.MovementFilter{InventoryID: rec1.ID, RefID: sale.ID})
	require.NoError(t, err)
	require.Len(t, restored, 2)
	require.Equal(t, sales.ReasonSaleDeletion, restored[0].Reason)

	_, err = stack.catalog.Update(ctx, p1.ID, catalog.UpdateProductInput{SKU: "P1", Name: "P1", Price: decimal.NewFromInt(25), RequiresSerialNumber: true, Active: true})
	require.ErrorIs(t, err, catalog.ErrSerialFlagLocked)
}
