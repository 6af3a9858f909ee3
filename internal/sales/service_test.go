package sales

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/inventory/inventorytest"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

type memoryState struct {
	inv      *inventorytest.State
	products map[int64]catalog.Product
	sales    map[string]Sale
	seq      int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		inv:      s.inv.Clone(),
		products: make(map[int64]catalog.Product, len(s.products)),
		sales:    make(map[string]Sale, len(s.sales)),
		seq:      s.seq,
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.sales {
		v.SerialNumbers = append([]string{}, v.SerialNumbers...)
		out.sales[k] = v
	}
	return out
}

// memoryRepo commits every table together so rolled-back attempts leave no trace.
type memoryRepo struct {
	mu         sync.Mutex
	state      memoryState
	failInsert error
	failUpdate error
}

type memoryTx struct {
	inventorytest.Tx
	st   *memoryState
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		inv:      inventorytest.NewState(),
		products: map[int64]catalog.Product{},
		sales:    map[string]Sale{},
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{Tx: inventorytest.Tx{S: work.inv}, st: &work, repo: r}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) GetSale(ctx context.Context, id string) (Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sale, ok := r.state.sales[id]
	if !ok {
		return Sale{}, ErrSaleNotFound
	}
	return sale, nil
}

func (r *memoryRepo) ListSales(ctx context.Context, filter ListFilter) ([]Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Sale{}
	for _, sale := range r.state.sales {
		if filter.ProductID != 0 && sale.ProductID != filter.ProductID {
			continue
		}
		out = append(out, sale)
	}
	return out, nil
}

func (tx *memoryTx) GetProduct(ctx context.Context, id int64) (catalog.Product, error) {
	p, ok := tx.st.products[id]
	if !ok {
		return catalog.Product{}, ErrProductNotFound
	}
	return p, nil
}

func (tx *memoryTx) NextSaleNumber(ctx context.Context) (int64, error) {
	tx.st.seq++
	return tx.st.seq, nil
}

func (tx *memoryTx) GetSaleForUpdate(ctx context.Context, id string) (Sale, error) {
	sale, ok := tx.st.sales[id]
	if !ok {
		return Sale{}, ErrSaleNotFound
	}
	return sale, nil
}

func (tx *memoryTx) InsertSale(ctx context.Context, sale Sale) (Sale, error) {
	if tx.repo.failInsert != nil {
		return Sale{}, tx.repo.failInsert
	}
	sale.CreatedAt = time.Now()
	sale.UpdatedAt = sale.CreatedAt
	tx.st.sales[sale.ID] = sale
	return sale, nil
}

func (tx *memoryTx) UpdateSale(ctx context.Context, sale Sale) (Sale, error) {
	if tx.repo.failUpdate != nil {
		return Sale{}, tx.repo.failUpdate
	}
	sale.UpdatedAt = time.Now()
	tx.st.sales[sale.ID] = sale
	return sale, nil
}

func (tx *memoryTx) DeleteSale(ctx context.Context, id string) error {
	delete(tx.st.sales, id)
	return nil
}

// seedProduct registers a product with an inventory record holding stock units.
func (r *memoryRepo) seedProduct(id int64, price int64, stock int, serials ...string) inventory.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	requiresSerial := len(serials) > 0
	r.state.products[id] = catalog.Product{ID: id, SKU: "SKU", Name: "Product", Price: decimal.NewFromInt(price), RequiresSerialNumber: requiresSerial, Active: true}
	return r.state.inv.AddRecord(inventory.Record{ProductID: id, StockLevel: stock, SerialNumbers: serials, RequiresSerial: requiresSerial, Active: true})
}

func (r *memoryRepo) record(t *testing.T, productID int64) inventory.Record {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.state.inv.Records {
		if rec.ProductID == productID {
			return rec
		}
	}
	t.Fatalf("no record for product %d", productID)
	return inventory.Record{}
}

func (r *memoryRepo) movements() []inventory.Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inventory.Movement(nil), r.state.inv.Movements...)
}

type hookRecorder struct {
	mu    sync.Mutex
	calls [][]inventory.Movement
}

func (h *hookRecorder) AfterCommit(ctx context.Context, movements []inventory.Movement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, movements)
}

func saleFields(productID int64, qty int, serials ...string) SaleFields {
	return SaleFields{
		ClientName:    "Acme Corp",
		ProductID:     productID,
		Quantity:      qty,
		SerialNumbers: serials,
		PurchaseDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Warranty:      "1 year",
		TermPayable:   "30 days",
		ModeOfPayment: "Bank transfer",
		Status:        "Paid",
	}
}

func TestCreateThenDeleteRestoresStock(t *testing.T) {
	repo := newMemoryRepo()
	hook := &hookRecorder{}
	svc := NewService(repo, hook)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.NoError(t, err)
	require.Equal(t, "SA-0001", sale.ID)
	require.True(t, sale.TotalAmount.Equal(decimal.NewFromInt(300)))
	require.Equal(t, 7, repo.record(t, 1).StockLevel)

	mvs := repo.movements()
	require.Len(t, mvs, 1)
	require.Equal(t, inventory.MovementDecrease, mvs[0].Type)
	require.Equal(t, 3, mvs[0].Quantity)
	require.Equal(t, ReasonSaleDeduction, mvs[0].Reason)
	require.Equal(t, sale.ID, mvs[0].RefID)

	require.NoError(t, svc.DeleteSale(ctx, sale.ID, ""))
	require.Equal(t, 10, repo.record(t, 1).StockLevel)
	mvs = repo.movements()
	require.Len(t, mvs, 2)
	require.Equal(t, inventory.MovementIncrease, mvs[1].Type)
	require.Equal(t, ReasonSaleDeletion, mvs[1].Reason)

	_, err = svc.GetSale(ctx, sale.ID)
	require.ErrorIs(t, err, ErrSaleNotFound)
	require.Len(t, hook.calls, 2)
}

func TestCreateThenDeleteRestoresSerials(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 50, 4, "A", "B", "C", "D")
	ctx := context.Background()
	before := repo.record(t, 1)

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 2, "B", "D")})
	require.NoError(t, err)
	mid := repo.record(t, 1)
	require.Equal(t, 2, mid.StockLevel)
	require.Equal(t, []string{"A", "C"}, mid.SerialNumbers)

	require.NoError(t, svc.DeleteSale(ctx, sale.ID, ""))
	after := repo.record(t, 1)
	require.Equal(t, before.StockLevel, after.StockLevel)
	require.ElementsMatch(t, before.SerialNumbers, after.SerialNumbers)
}

func TestCreateInsufficientStockLeavesNoTrace(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 2)

	_, err := svc.CreateSale(context.Background(), CreateSaleInput{SaleFields: saleFields(1, 4)})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, 2, repo.record(t, 1).StockLevel)
	require.Empty(t, repo.movements())
	require.Empty(t, repo.state.sales)
	require.Zero(t, repo.state.seq, "sale number must be returned on rollback")
}

func TestCreateRollsBackDeductionWhenSaleWriteFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	repo.failInsert = errors.New("disk full")

	_, err := svc.CreateSale(context.Background(), CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.ErrorIs(t, err, repo.failInsert)
	require.Equal(t, 10, repo.record(t, 1).StockLevel)
	require.Empty(t, repo.movements())
}

func TestCreateRejections(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	repo.seedProduct(2, 10, 3, "X", "Y", "Z")
	ctx := context.Background()

	_, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(99, 1)})
	require.ErrorIs(t, err, ErrProductNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(2, 2, "X")})
	require.ErrorIs(t, err, shared.ErrSerialMismatch)

	_, err = svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 1, "X")})
	require.ErrorIs(t, err, shared.ErrSerialMismatch)

	invalid := saleFields(1, 0)
	_, err = svc.CreateSale(ctx, CreateSaleInput{SaleFields: invalid})
	require.ErrorIs(t, err, shared.ErrValidation)

	invalid = saleFields(1, 1)
	invalid.Quantity = inventory.MaxStockLevel + 1
	_, err = svc.CreateSale(ctx, CreateSaleInput{SaleFields: invalid})
	require.ErrorIs(t, err, shared.ErrValidation)

	invalid = saleFields(1, 1)
	invalid.ClientName = ""
	_, err = svc.CreateSale(ctx, CreateSaleInput{SaleFields: invalid})
	require.ErrorIs(t, err, shared.ErrValidation)

	p := repo.state.products[1]
	p.Active = false
	repo.state.products[1] = p
	_, err = svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 1)})
	require.ErrorIs(t, err, ErrProductInactive)

	require.Equal(t, 10, repo.record(t, 1).StockLevel)
	require.Equal(t, 3, repo.record(t, 2).StockLevel)
	require.Empty(t, repo.movements())
}

func TestCreateWithoutInventoryRecordIsIntegrityError(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.state.products[5] = catalog.Product{ID: 5, Price: decimal.NewFromInt(1), Active: true}

	_, err := svc.CreateSale(context.Background(), CreateSaleInput{SaleFields: saleFields(5, 1)})
	require.ErrorIs(t, err, ErrInventoryNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.ErrorIs(t, err, shared.ErrIntegrity)
}

func TestSaleIDsAreSequential(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 1, 100)
	ctx := context.Background()

	for _, want := range []string{"SA-0001", "SA-0002", "SA-0003"} {
		sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 1)})
		require.NoError(t, err)
		require.Equal(t, want, sale.ID)
	}
}

func TestUpdateDescriptiveFieldsLeavesStockUntouched(t *testing.T) {
	repo := newMemoryRepo()
	hook := &hookRecorder{}
	svc := NewService(repo, hook)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.NoError(t, err)

	// A price change must not be picked up when nothing inventory-related changes.
	p := repo.state.products[1]
	p.Price = decimal.NewFromInt(120)
	repo.state.products[1] = p

	fields := saleFields(1, 3)
	fields.ClientName = "Globex"
	updated, err := svc.UpdateSale(ctx, sale.ID, UpdateSaleInput{SaleFields: fields})
	require.NoError(t, err)
	require.Equal(t, "Globex", updated.ClientName)
	require.Equal(t, sale.ID, updated.ID)
	require.True(t, updated.TotalAmount.Equal(decimal.NewFromInt(300)))
	require.Equal(t, 7, repo.record(t, 1).StockLevel)
	require.Len(t, repo.movements(), 1)
	require.Len(t, hook.calls, 1)
}

func TestUpdateQuantityReversesThenApplies(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.NoError(t, err)

	updated, err := svc.UpdateSale(ctx, sale.ID, UpdateSaleInput{SaleFields: saleFields(1, 5)})
	require.NoError(t, err)
	require.True(t, updated.TotalAmount.Equal(decimal.NewFromInt(500)))
	require.Equal(t, 5, repo.record(t, 1).StockLevel)

	mvs := repo.movements()
	require.Len(t, mvs, 3)
	require.Equal(t, ReasonSaleUpdateReversal, mvs[1].Reason)
	require.Equal(t, inventory.MovementIncrease, mvs[1].Type)
	require.Equal(t, 3, mvs[1].Quantity)
	require.Equal(t, ReasonSaleUpdateDeduction, mvs[2].Reason)
	require.Equal(t, inventory.MovementDecrease, mvs[2].Type)
	require.Equal(t, 5, mvs[2].Quantity)
}

func TestUpdateCanReuseItsOwnUnits(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 10, 3)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.NoError(t, err)
	require.Zero(t, repo.record(t, 1).StockLevel)

	_, err = svc.UpdateSale(ctx, sale.ID, UpdateSaleInput{SaleFields: saleFields(1, 2)})
	require.NoError(t, err)
	require.Equal(t, 1, repo.record(t, 1).StockLevel)
}

func TestUpdateSwapsSerials(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 10, 3, "A", "B", "C")
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 1, "A")})
	require.NoError(t, err)

	_, err = svc.UpdateSale(ctx, sale.ID, UpdateSaleInput{SaleFields: saleFields(1, 1, "C")})
	require.NoError(t, err)
	rec := repo.record(t, 1)
	require.Equal(t, 2, rec.StockLevel)
	require.ElementsMatch(t, []string{"A", "B"}, rec.SerialNumbers)
}

func TestUpdateToOtherProductFailsAtomically(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 8)
	repo.seedProduct(2, 100, 1)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.NoError(t, err)
	require.Equal(t, 5, repo.record(t, 1).StockLevel)

	_, err = svc.UpdateSale(ctx, sale.ID, UpdateSaleInput{SaleFields: saleFields(2, 3)})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	require.Equal(t, 5, repo.record(t, 1).StockLevel, "reversal must roll back with the failed deduction")
	require.Equal(t, 1, repo.record(t, 2).StockLevel)
	require.Len(t, repo.movements(), 1)
	got, err := svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ProductID)
	require.Equal(t, 3, got.Quantity)
}

func TestUpdateRollsBackWhenSaleWriteFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 3)})
	require.NoError(t, err)
	repo.failUpdate = errors.New("connection reset")

	_, err = svc.UpdateSale(ctx, sale.ID, UpdateSaleInput{SaleFields: saleFields(1, 6)})
	require.Error(t, err)
	require.Equal(t, 7, repo.record(t, 1).StockLevel)
	require.Len(t, repo.movements(), 1)
}

func TestUpdateAndDeleteUnknownSale(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()

	_, err := svc.UpdateSale(ctx, "SA-0042", UpdateSaleInput{SaleFields: saleFields(1, 1)})
	require.ErrorIs(t, err, ErrSaleNotFound)
	require.ErrorIs(t, svc.DeleteSale(ctx, "SA-0042", ""), ErrSaleNotFound)
	require.ErrorIs(t, svc.DeleteSale(ctx, "bogus", ""), shared.ErrNotFound)
	require.Empty(t, repo.movements())
}

func TestCreateReplaysRequest(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()
	input := CreateSaleInput{RequestID: uuid.NewString(), SaleFields: saleFields(1, 2)}

	first, err := svc.CreateSale(ctx, input)
	require.NoError(t, err)
	second, err := svc.CreateSale(ctx, input)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 8, repo.record(t, 1).StockLevel)
	require.Len(t, repo.state.sales, 1)

	_, err = svc.UpdateSale(ctx, first.ID, UpdateSaleInput{RequestID: input.RequestID, SaleFields: saleFields(1, 1)})
	require.ErrorIs(t, err, shared.ErrIdempotencyKeyReused)
}

func TestDeleteReplaysRequest(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 10)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 4)})
	require.NoError(t, err)
	key := uuid.NewString()
	require.NoError(t, svc.DeleteSale(ctx, sale.ID, key))
	require.NoError(t, svc.DeleteSale(ctx, sale.ID, key))
	require.Equal(t, 10, repo.record(t, 1).StockLevel)
	require.Len(t, repo.movements(), 2)
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	const stock, qty, callers = 10, 3, 8
	repo.seedProduct(1, 100, stock)
	ctx := context.Background()

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, qty)})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		require.ErrorIs(t, err, shared.ErrInsufficientStock)
	}
	require.Equal(t, stock/qty, successes)
	require.Equal(t, stock-successes*qty, repo.record(t, 1).StockLevel)
	require.Len(t, repo.state.sales, successes)
}

func TestLedgerMatchesStockAfterMixedOperations(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	repo.seedProduct(1, 100, 0)
	repo.seedProduct(2, 100, 0)
	ctx := context.Background()

	// Seed stock through the ledger so the net check starts balanced.
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, pid := range []int64{1, 2} {
			id, err := tx.RecordIDForProduct(ctx, pid)
			if err != nil {
				return err
			}
			if _, _, err := inventory.Post(ctx, tx, inventory.PostInput{InventoryID: id, Type: inventory.MovementIncrease, Quantity: 9, RefModule: inventory.RefModuleManual}); err != nil {
				return err
			}
		}
		return nil
	}))

	a, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(1, 4)})
	require.NoError(t, err)
	b, err := svc.CreateSale(ctx, CreateSaleInput{SaleFields: saleFields(2, 2)})
	require.NoError(t, err)
	_, err = svc.UpdateSale(ctx, a.ID, UpdateSaleInput{SaleFields: saleFields(2, 5)})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteSale(ctx, b.ID, ""))
	_, err = svc.UpdateSale(ctx, a.ID, UpdateSaleInput{SaleFields: saleFields(2, 50)})
	require.Error(t, err)

	st := repo.state.inv
	ids := []int64{}
	for id := range st.Records {
		ids = append(ids, id)
	}
	net := st.LedgerNet(ids)
	for id, rec := range st.Records {
		require.Empty(t, inventory.CheckRecord(rec, net[id]))
	}
	require.Equal(t, 9, repo.record(t, 1).StockLevel)
	require.Equal(t, 4, repo.record(t, 2).StockLevel)
}
