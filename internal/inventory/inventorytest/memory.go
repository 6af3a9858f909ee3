// Package inventorytest provides an in-memory inventory store for tests.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Key is a stored idempotency key.
type Key struct {
	Module string
	Ref    string
}

// State is the full inventory dataset. Transactions work on a clone and the
// clone replaces the original only on commit.
type State struct {
	Records   map[int64]inventory.Record
	Movements []inventory.Movement
	Keys      map[string]Key

	nextRecordID   int64
	nextMovementID int64
}

// NewState returns an empty dataset.
func NewState() *State {
	return &State{Records: map[int64]inventory.Record{}, Keys: map[string]Key{}}
}

// Clone deep-copies the dataset.
func (s *State) Clone() *State {
	out := &State{
		Records:        make(map[int64]inventory.Record, len(s.Records)),
		Movements:      make([]inventory.Movement, len(s.Movements)),
		Keys:           make(map[string]Key, len(s.Keys)),
		nextRecordID:   s.nextRecordID,
		nextMovementID: s.nextMovementID,
	}
	for id, rec := range s.Records {
		rec.SerialNumbers = append([]string{}, rec.SerialNumbers...)
		out.Records[id] = rec
	}
	copy(out.Movements, s.Movements)
	for k, v := range s.Keys {
		out.Keys[k] = v
	}
	return out
}

// AddRecord inserts rec, assigning an id when it has none.
func (s *State) AddRecord(rec inventory.Record) inventory.Record {
	if rec.ID == 0 {
		s.nextRecordID++
		rec.ID = s.nextRecordID
	} else if rec.ID > s.nextRecordID {
		s.nextRecordID = rec.ID
	}
	if rec.ProductID == 0 {
		rec.ProductID = rec.ID
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.SerialNumbers = append([]string{}, rec.SerialNumbers...)
	s.Records[rec.ID] = rec
	return rec
}

// Tx implements inventory.TxRepository over a State.
type Tx struct {
	S *State
}

// GetRecordForUpdate returns a copy of the record.
func (t Tx) GetRecordForUpdate(ctx context.Context, inventoryID int64) (inventory.Record, error) {
	rec, ok := t.S.Records[inventoryID]
	if !ok {
		return inventory.Record{}, inventory.ErrRecordNotFound
	}
	rec.SerialNumbers = append([]string{}, rec.SerialNumbers...)
	return rec, nil
}

// RecordIDForProduct finds the record owned by productID.
func (t Tx) RecordIDForProduct(ctx context.Context, productID int64) (int64, error) {
	for id, rec := range t.S.Records {
		if rec.ProductID == productID {
			return id, nil
		}
	}
	return 0, inventory.ErrRecordNotFound
}

// UpdateRecord enforces the version check.
func (t Tx) UpdateRecord(ctx context.Context, rec inventory.Record, expectedVersion int64) (inventory.Record, error) {
	cur, ok := t.S.Records[rec.ID]
	if !ok || cur.Version != expectedVersion {
		return inventory.Record{}, inventory.ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	rec.SerialNumbers = append([]string{}, rec.SerialNumbers...)
	t.S.Records[rec.ID] = rec
	return rec, nil
}

// InsertMovement appends to the ledger.
func (t Tx) InsertMovement(ctx context.Context, mv inventory.Movement) (int64, error) {
	if _, ok := t.S.Records[mv.InventoryID]; !ok {
		return 0, fmt.Errorf("movement for unknown record %d", mv.InventoryID)
	}
	t.S.nextMovementID++
	mv.ID = t.S.nextMovementID
	mv.SerialNumbers = append([]string{}, mv.SerialNumbers...)
	t.S.Movements = append(t.S.Movements, mv)
	return mv.ID, nil
}

// GetMovement finds a ledger entry.
func (t Tx) GetMovement(ctx context.Context, id int64) (inventory.Movement, error) {
	for _, mv := range t.S.Movements {
		if mv.ID == id {
			return mv, nil
		}
	}
	return inventory.Movement{}, inventory.ErrMovementNotFound
}

// ClaimRequest mirrors shared.ClaimIdempotencyKey.
func (t Tx) ClaimRequest(ctx context.Context, key, module string) (string, bool, error) {
	stored, ok := t.S.Keys[key]
	if !ok {
		t.S.Keys[key] = Key{Module: module}
		return "", false, nil
	}
	if stored.Module != module {
		return "", false, shared.ErrIdempotencyKeyReused
	}
	if stored.Ref == "" {
		return "", false, fmt.Errorf("%w: idempotency key %s in flight", shared.ErrConflict, key)
	}
	return stored.Ref, true, nil
}

// CompleteRequest stores the result reference.
func (t Tx) CompleteRequest(ctx context.Context, key, ref string) error {
	stored := t.S.Keys[key]
	stored.Ref = ref
	t.S.Keys[key] = stored
	return nil
}

// Store implements inventory.RepositoryPort. Transactions are serialized and
// a failed callback discards every write it made.
type Store struct {
	mu    sync.Mutex
	state *State
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: NewState()}
}

// Seed inserts a record outside any transaction.
func (s *Store) Seed(rec inventory.Record) inventory.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AddRecord(rec)
}

// Snapshot returns a copy of the committed state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Run executes fn against a clone of the committed state and publishes the
// clone only when fn succeeds. It lets composite fakes share the same
// commit boundary.
func (s *Store) Run(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.Clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

// WithTx runs fn inside a copy-on-commit transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.Run(func(st *State) error {
		return fn(ctx, Tx{S: st})
	})
}

// GetRecord returns a committed record.
func (s *Store) GetRecord(ctx context.Context, id int64) (inventory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Tx{S: s.state}.GetRecordForUpdate(ctx, id)
}

// GetRecordByProduct returns the committed record of productID.
func (s *Store) GetRecordByProduct(ctx context.Context, productID int64) (inventory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := Tx{S: s.state}
	id, err := tx.RecordIDForProduct(ctx, productID)
	if err != nil {
		return inventory.Record{}, err
	}
	return tx.GetRecordForUpdate(ctx, id)
}

// ListRecords pages through records ordered by id.
func (s *Store) ListRecords(ctx context.Context, filter inventory.RecordFilter) ([]inventory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []inventory.Record{}
	for _, rec := range s.state.Records {
		if filter.ActiveOnly && !rec.Active {
			continue
		}
		rec.SerialNumbers = append([]string{}, rec.SerialNumbers...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}

// ListMovements filters the ledger newest first.
func (s *Store) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []inventory.Movement{}
	for _, mv := range s.state.Movements {
		switch {
		case filter.InventoryID != 0 && mv.InventoryID != filter.InventoryID:
		case filter.Type != "" && mv.Type != filter.Type:
		case filter.RefID != "" && mv.RefID != filter.RefID:
		case !filter.From.IsZero() && mv.Timestamp.Before(filter.From):
		case !filter.To.IsZero() && mv.Timestamp.After(filter.To):
		default:
			out = append(out, mv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

// ListRecordBalances pages through records with their ledger net, both read
// under the same lock.
func (s *Store) ListRecordBalances(ctx context.Context, filter inventory.RecordFilter) ([]inventory.RecordBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := []inventory.Record{}
	ids := []int64{}
	for _, rec := range s.state.Records {
		if filter.ActiveOnly && !rec.Active {
			continue
		}
		rec.SerialNumbers = append([]string{}, rec.SerialNumbers...)
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	records = page(records, filter.Limit, filter.Offset)
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	net := s.state.LedgerNet(ids)
	out := make([]inventory.RecordBalance, 0, len(records))
	for _, rec := range records {
		out = append(out, inventory.RecordBalance{Record: rec, LedgerNet: net[rec.ID]})
	}
	return out, nil
}

// LedgerNet sums INCREASE minus DECREASE per record.
func (s *State) LedgerNet(inventoryIDs []int64) map[int64]int {
	want := make(map[int64]bool, len(inventoryIDs))
	for _, id := range inventoryIDs {
		want[id] = true
	}
	net := map[int64]int{}
	for _, mv := range s.Movements {
		if !want[mv.InventoryID] {
			continue
		}
		if mv.Type == inventory.MovementIncrease {
			net[mv.InventoryID] += mv.Quantity
		} else {
			net[mv.InventoryID] -= mv.Quantity
		}
	}
	return net
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
