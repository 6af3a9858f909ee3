package inventory

import (
	"context"
	"fmt"
	"strings"
)

// Adjust applies a single quantity delta to the record under its row lock and
// persists it with an optimistic version check. No ledger entry is written;
// callers pair it with RecordMovement inside the same transaction.
func Adjust(ctx context.Context, tx TxRepository, inventoryID int64, typ MovementType, quantity int, serials []string) (Record, error) {
	if quantity <= 0 {
		return Record{}, ErrInvalidQuantity
	}
	if quantity > MaxStockLevel {
		return Record{}, ErrStockLimit
	}
	if !typ.Valid() {
		return Record{}, ErrInvalidMovementType
	}
	rec, err := tx.GetRecordForUpdate(ctx, inventoryID)
	if err != nil {
		return Record{}, err
	}
	next, err := applyMovement(rec, typ, quantity, serials)
	if err != nil {
		return Record{}, err
	}
	return tx.UpdateRecord(ctx, next, rec.Version)
}

// applyMovement computes the post-movement state of rec without touching storage.
func applyMovement(rec Record, typ MovementType, quantity int, serials []string) (Record, error) {
	if !rec.RequiresSerial && len(serials) > 0 {
		return Record{}, fmt.Errorf("%w: record %d does not track serial numbers", ErrSerialMismatch, rec.ID)
	}
	if rec.RequiresSerial {
		if len(serials) != quantity {
			return Record{}, fmt.Errorf("%w: %d serial numbers for quantity %d", ErrSerialMismatch, len(serials), quantity)
		}
		if dup, ok := firstDuplicate(serials); ok {
			return Record{}, fmt.Errorf("%w: serial %q blank or repeated", ErrSerialMismatch, dup)
		}
	}

	held := make(map[string]struct{}, len(rec.SerialNumbers))
	for _, sn := range rec.SerialNumbers {
		held[sn] = struct{}{}
	}

	next := rec
	switch typ {
	case MovementIncrease:
		for _, sn := range serials {
			if _, ok := held[sn]; ok {
				return Record{}, fmt.Errorf("%w: serial %q already in stock", ErrSerialMismatch, sn)
			}
		}
		if rec.StockLevel > MaxStockLevel-quantity {
			return Record{}, ErrStockLimit
		}
		next.StockLevel = rec.StockLevel + quantity
		next.SerialNumbers = append(append(make([]string, 0, len(rec.SerialNumbers)+len(serials)), rec.SerialNumbers...), serials...)
	case MovementDecrease:
		if quantity > rec.StockLevel {
			return Record{}, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, rec.StockLevel)
		}
		remove := make(map[string]struct{}, len(serials))
		for _, sn := range serials {
			if _, ok := held[sn]; !ok {
				return Record{}, fmt.Errorf("%w: serial %q not in stock", ErrSerialMismatch, sn)
			}
			remove[sn] = struct{}{}
		}
		next.StockLevel = rec.StockLevel - quantity
		next.SerialNumbers = make([]string, 0, len(rec.SerialNumbers))
		for _, sn := range rec.SerialNumbers {
			if _, gone := remove[sn]; !gone {
				next.SerialNumbers = append(next.SerialNumbers, sn)
			}
		}
	default:
		return Record{}, ErrInvalidMovementType
	}
	return next, nil
}

func firstDuplicate(serials []string) (string, bool) {
	seen := make(map[string]struct{}, len(serials))
	for _, sn := range serials {
		if strings.TrimSpace(sn) == "" {
			return sn, true
		}
		if _, ok := seen[sn]; ok {
			return sn, true
		}
		seen[sn] = struct{}{}
	}
	return "", false
}

// CheckRecord reports invariant violations of a persisted record against the
// net quantity of its ledger.
func CheckRecord(rec Record, ledgerNet int) []Violation {
	var out []Violation
	add := func(format string, args ...any) {
		out = append(out, Violation{InventoryID: rec.ID, Detail: fmt.Sprintf(format, args...)})
	}
	if rec.StockLevel < 0 {
		add("negative stock level %d", rec.StockLevel)
	}
	if rec.RequiresSerial {
		if len(rec.SerialNumbers) != rec.StockLevel {
			add("stock level %d but %d serial numbers", rec.StockLevel, len(rec.SerialNumbers))
		}
		if dup, ok := firstDuplicate(rec.SerialNumbers); ok {
			add("serial %q blank or held twice", dup)
		}
	} else if len(rec.SerialNumbers) > 0 {
		add("%d serial numbers on a record without serial tracking", len(rec.SerialNumbers))
	}
	if rec.StockLevel != ledgerNet {
		add("stock level %d differs from ledger net %d", rec.StockLevel, ledgerNet)
	}
	return out
}
