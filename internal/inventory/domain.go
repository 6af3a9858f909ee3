package inventory

import (
	"fmt"
	"math"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MovementType enumerates the direction of a stock movement.
type MovementType string

const (
	// MovementIncrease adds units to a record.
	MovementIncrease MovementType = "INCREASE"
	// MovementDecrease removes units from a record.
	MovementDecrease MovementType = "DECREASE"
)

// Valid reports whether t is a known direction.
func (t MovementType) Valid() bool {
	return t == MovementIncrease || t == MovementDecrease
}

// Opposite returns the compensating direction.
func (t MovementType) Opposite() MovementType {
	if t == MovementIncrease {
		return MovementDecrease
	}
	return MovementIncrease
}

// Reference modules stamped on movements.
const (
	RefModuleSales  = "SALES"
	RefModuleManual = "MANUAL"
)

// DefaultManualReason is recorded when a manual movement carries no reason.
const DefaultManualReason = "Manual stock adjustment"

// Record is the authoritative stock position of one product. SKU, category,
// serial requirement and active flag are read live from the product.
type Record struct {
	ID             int64     `json:"id"`
	ProductID      int64     `json:"product_id"`
	SKU            string    `json:"sku"`
	Category       string    `json:"category"`
	StockLevel     int       `json:"stock_level"`
	SerialNumbers  []string  `json:"serial_numbers"`
	RequiresSerial bool      `json:"requires_serial_number"`
	Active         bool      `json:"active"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Movement is one immutable ledger entry.
type Movement struct {
	ID            int64        `json:"id"`
	InventoryID   int64        `json:"inventory_id"`
	Type          MovementType `json:"type"`
	Quantity      int          `json:"quantity"`
	SerialNumbers []string     `json:"serial_numbers"`
	Reason        string       `json:"reason"`
	RefModule     string       `json:"ref_module"`
	RefID         string       `json:"ref_id,omitempty"`
	BalanceAfter  int          `json:"balance_after"`
	Timestamp     time.Time    `json:"timestamp"`
}

// PostInput describes an adjustment together with the ledger entry that explains it.
type PostInput struct {
	InventoryID   int64
	Type          MovementType
	Quantity      int
	SerialNumbers []string
	Reason        string
	RefModule     string
	RefID         string
}

// ManualMovementInput is the request to move stock outside of a sale.
type ManualMovementInput struct {
	RequestID     string       `json:"request_id" validate:"omitempty,uuid"`
	InventoryID   int64        `json:"inventory_id" validate:"required,gt=0"`
	Type          MovementType `json:"type" validate:"required,oneof=INCREASE DECREASE"`
	Quantity      int          `json:"quantity" validate:"required,gt=0,lte=2147483647"`
	SerialNumbers []string     `json:"serial_numbers" validate:"omitempty,dive,required,max=128"`
	Reason        string       `json:"reason" validate:"max=500"`
}

// ManualMovementResult reports the outcome of a manual movement.
type ManualMovementResult struct {
	MovementID    int64 `json:"movement_id"`
	NewStockLevel int   `json:"new_stock_level"`
	Replayed      bool  `json:"replayed,omitempty"`
}

// MovementFilter narrows ledger queries. Zero values mean "any".
type MovementFilter struct {
	InventoryID int64
	Type        MovementType
	RefID       string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// RecordFilter narrows record listings.
type RecordFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// MaxStockLevel is the largest quantity the INTEGER stock and movement
// columns hold.
const MaxStockLevel = math.MaxInt32

// RecordBalance is a record together with the net of its ledger, read in one
// statement so both sides come from the same snapshot.
type RecordBalance struct {
	Record    Record
	LedgerNet int
}

// Violation describes a record whose persisted state breaks a ledger invariant.
type Violation struct {
	InventoryID int64  `json:"inventory_id"`
	Detail      string `json:"detail"`
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Idempotency modules for inventory-owned operations.
const idempotencyModuleManual = "inventory.movement"

var (
	// ErrRecordNotFound indicates missing inventory record.
	ErrRecordNotFound = fmt.Errorf("inventory: record %w", shared.ErrNotFound)
	// ErrMovementNotFound indicates missing ledger entry.
	ErrMovementNotFound = fmt.Errorf("inventory: movement %w", shared.ErrNotFound)
	// ErrInsufficientStock is returned when a decrease exceeds the stock level.
	ErrInsufficientStock = fmt.Errorf("inventory: %w", shared.ErrInsufficientStock)
	// ErrSerialMismatch is returned when serials violate count or membership rules.
	ErrSerialMismatch = fmt.Errorf("inventory: %w", shared.ErrSerialMismatch)
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = fmt.Errorf("inventory: quantity must be positive: %w", shared.ErrValidation)
	// ErrStockLimit indicates an increase that would overflow the stock column.
	ErrStockLimit = fmt.Errorf("inventory: stock level would exceed %d: %w", MaxStockLevel, shared.ErrValidation)
	// ErrInvalidMovementType indicates an unknown direction.
	ErrInvalidMovementType = fmt.Errorf("inventory: movement type must be INCREASE or DECREASE: %w", shared.ErrValidation)
	// ErrVersionConflict indicates the record changed between read and write.
	ErrVersionConflict = fmt.Errorf("inventory: record version changed: %w", shared.ErrConflict)
)
