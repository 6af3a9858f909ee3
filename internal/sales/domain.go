package sales

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Sale is a committed sale whose quantity and serials are deducted from the
// product's inventory record.
type Sale struct {
	ID            string          `json:"id"`
	ClientName    string          `json:"client_name"`
	ProductID     int64           `json:"product_id"`
	Quantity      int             `json:"quantity"`
	SerialNumbers []string        `json:"serial_numbers"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PurchaseDate  time.Time       `json:"purchase_date"`
	Warranty      string          `json:"warranty"`
	TermPayable   string          `json:"term_payable"`
	ModeOfPayment string          `json:"mode_of_payment"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SaleFields are the client-supplied attributes shared by create and update.
type SaleFields struct {
	ClientName    string    `json:"client_name" validate:"required,max=200"`
	ProductID     int64     `json:"product_id" validate:"required,gt=0"`
	Quantity      int       `json:"quantity" validate:"required,gt=0,lte=2147483647"`
	SerialNumbers []string  `json:"serial_numbers" validate:"omitempty,dive,required,max=128"`
	PurchaseDate  time.Time `json:"purchase_date" validate:"required"`
	Warranty      string    `json:"warranty" validate:"required,max=100"`
	TermPayable   string    `json:"term_payable" validate:"required,max=100"`
	ModeOfPayment string    `json:"mode_of_payment" validate:"required,max=50"`
	Status        string    `json:"status" validate:"required,max=50"`
}

// CreateSaleInput records a new sale.
type CreateSaleInput struct {
	RequestID string `json:"request_id" validate:"omitempty,uuid"`
	SaleFields
}

// UpdateSaleInput replaces every field of an existing sale.
type UpdateSaleInput struct {
	RequestID string `json:"request_id" validate:"omitempty,uuid"`
	SaleFields
}

// ListFilter narrows sale listings.
type ListFilter struct {
	ProductID  int64
	ClientName string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Movement reasons written by the reconciler.
const (
	ReasonSaleDeduction       = "Sale deduction"
	ReasonSaleUpdateReversal  = "Sale update reversal"
	ReasonSaleUpdateDeduction = "Sale update deduction"
	ReasonSaleDeletion        = "Sale deletion - stock restored"
)

const (
	idempotencyModuleCreate = "sales.create"
	idempotencyModuleUpdate = "sales.update"
	idempotencyModuleDelete = "sales.delete"
)

var (
	// ErrSaleNotFound indicates missing sale.
	ErrSaleNotFound = fmt.Errorf("sales: sale %w", shared.ErrNotFound)
	// ErrProductNotFound indicates the sale references an unknown product.
	ErrProductNotFound = fmt.Errorf("sales: product %w", shared.ErrNotFound)
	// ErrProductInactive indicates the product is no longer sold.
	ErrProductInactive = fmt.Errorf("sales: product is inactive: %w", shared.ErrValidation)
	// ErrInventoryNotFound indicates a product without inventory record, which
	// the catalog never produces.
	ErrInventoryNotFound = fmt.Errorf("sales: inventory record %w: %w", shared.ErrNotFound, shared.ErrIntegrity)
)

// footprintChanged reports whether an update touches inventory.
func footprintChanged(old Sale, next SaleFields) bool {
	if old.ProductID != next.ProductID || old.Quantity != next.Quantity {
		return true
	}
	a := slices.Clone(old.SerialNumbers)
	b := slices.Clone(next.SerialNumbers)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}
