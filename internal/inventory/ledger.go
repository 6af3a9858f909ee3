package inventory

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RecordMovement appends a ledger entry inside the caller's transaction.
// Entries are never updated or deleted; reversals are new opposite entries.
func RecordMovement(ctx context.Context, tx TxRepository, mv Movement) (Movement, error) {
	if mv.InventoryID == 0 {
		return Movement{}, errors.New("inventory: movement requires inventory id")
	}
	if mv.Quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if !mv.Type.Valid() {
		return Movement{}, ErrInvalidMovementType
	}
	if mv.Timestamp.IsZero() {
		mv.Timestamp = time.Now().UTC()
	}
	if mv.SerialNumbers == nil {
		mv.SerialNumbers = []string{}
	}
	id, err := tx.InsertMovement(ctx, mv)
	if err != nil {
		return Movement{}, err
	}
	mv.ID = id
	return mv, nil
}

// Post adjusts the record and records the movement that explains it. Both
// writes share tx so they commit or roll back together.
func Post(ctx context.Context, tx TxRepository, in PostInput) (Movement, Record, error) {
	rec, err := Adjust(ctx, tx, in.InventoryID, in.Type, in.Quantity, in.SerialNumbers)
	if err != nil {
		return Movement{}, Record{}, err
	}
	mv, err := RecordMovement(ctx, tx, Movement{
		InventoryID:   in.InventoryID,
		Type:          in.Type,
		Quantity:      in.Quantity,
		SerialNumbers: append([]string(nil), in.SerialNumbers...),
		Reason:        strings.TrimSpace(in.Reason),
		RefModule:     in.RefModule,
		RefID:         in.RefID,
		BalanceAfter:  rec.StockLevel,
	})
	if err != nil {
		return Movement{}, Record{}, err
	}
	return mv, rec, nil
}

func normalizeMovementFilter(filter MovementFilter) (MovementFilter, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return filter, ErrInvalidMovementType
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter, nil
}

func normalizeRecordFilter(filter RecordFilter) RecordFilter {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter
}
