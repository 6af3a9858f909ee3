// Package catalog owns products: the price and serial policy that sales and
// inventory read at transaction time.
package catalog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Product represents a product entity.
type Product struct {
	ID                   int64           `json:"id"`
	SKU                  string          `json:"sku"`
	Name                 string          `json:"name"`
	Category             string          `json:"category"`
	Price                decimal.Decimal `json:"price"`
	RequiresSerialNumber bool            `json:"requires_serial_number"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// CreateProductInput registers a product and its empty inventory record.
type CreateProductInput struct {
	SKU                  string          `json:"sku" validate:"required,max=64"`
	Name                 string          `json:"name" validate:"required,max=200"`
	Category             string          `json:"category" validate:"max=100"`
	Price                decimal.Decimal `json:"price"`
	RequiresSerialNumber bool            `json:"requires_serial_number"`
	Active               *bool           `json:"active"`
}

// UpdateProductInput replaces the mutable product attributes.
type UpdateProductInput struct {
	SKU                  string          `json:"sku" validate:"required,max=64"`
	Name                 string          `json:"name" validate:"required,max=200"`
	Category             string          `json:"category" validate:"max=100"`
	Price                decimal.Decimal `json:"price"`
	RequiresSerialNumber bool            `json:"requires_serial_number"`
	Active               bool            `json:"active"`
}

// ListFilter narrows product listings.
type ListFilter struct {
	ActiveOnly bool
	Category   string
	Limit      int
	Offset     int
}

var (
	// ErrProductNotFound indicates missing product.
	ErrProductNotFound = fmt.Errorf("catalog: product %w", shared.ErrNotFound)
	// ErrDuplicateSKU indicates the sku is already registered.
	ErrDuplicateSKU = fmt.Errorf("catalog: sku already registered: %w", shared.ErrValidation)
	// ErrInvalidPrice indicates a negative price.
	ErrInvalidPrice = fmt.Errorf("catalog: price must not be negative: %w", shared.ErrValidation)
	// ErrProductInUse indicates sales still reference the product.
	ErrProductInUse = fmt.Errorf("catalog: product is referenced by sales: %w", shared.ErrValidation)
	// ErrSerialFlagLocked indicates a serial policy change while units are in stock
	// or referenced by sales.
	ErrSerialFlagLocked = fmt.Errorf("catalog: serial requirement cannot change while stock is held or sold: %w", shared.ErrValidation)
)
