package sales

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/counter"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

var tracer = otel.Tracer("github.com/odyssey-erp/stockledger/internal/sales")

// CommitHook receives the inventory movements of a committed sale operation.
type CommitHook interface {
	AfterCommit(ctx context.Context, movements []inventory.Movement)
}

// Service reconciles sales with inventory. Every operation runs the sale
// write, the stock adjustment and its ledger entries in one transaction.
type Service struct {
	repo RepositoryPort
	hook CommitHook
}

// NewService constructs a sales service. hook may be nil.
func NewService(repo RepositoryPort, hook CommitHook) *Service {
	return &Service{repo: repo, hook: hook}
}

// CreateSale deducts the sold units and persists the sale under a fresh SA-#### id.
func (s *Service) CreateSale(ctx context.Context, input CreateSaleInput) (Sale, error) {
	ctx, span := tracer.Start(ctx, "sales.create_sale")
	defer span.End()
	span.SetAttributes(attribute.Int64("product.id", input.ProductID), attribute.Int("sale.quantity", input.Quantity))

	if err := shared.Validate(input); err != nil {
		return Sale{}, failSpan(span, err)
	}
	fields := normalize(input.SaleFields)

	var (
		sale      Sale
		committed []inventory.Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, committed = Sale{}, nil
		if input.RequestID != "" {
			ref, replay, err := tx.ClaimRequest(ctx, input.RequestID, idempotencyModuleCreate)
			if err != nil {
				return err
			}
			if replay {
				sale, err = tx.GetSaleForUpdate(ctx, ref)
				return err
			}
		}

		product, err := s.sellableProduct(ctx, tx, fields.ProductID)
		if err != nil {
			return err
		}
		n, err := tx.NextSaleNumber(ctx)
		if err != nil {
			return err
		}
		id := counter.FormatSaleID(n)
		mv, err := deduct(ctx, tx, fields, id, ReasonSaleDeduction)
		if err != nil {
			return err
		}
		sale, err = tx.InsertSale(ctx, applyFields(Sale{ID: id}, fields, product.Price))
		if err != nil {
			return err
		}
		if input.RequestID != "" {
			if err := tx.CompleteRequest(ctx, input.RequestID, id); err != nil {
				return err
			}
		}
		committed = []inventory.Movement{mv}
		return nil
	})
	if err != nil {
		return Sale{}, failSpan(span, err)
	}
	s.afterCommit(ctx, committed)
	span.SetAttributes(attribute.String("sale.id", sale.ID))
	span.SetStatus(codes.Ok, "")
	return sale, nil
}

// UpdateSale replaces a sale's fields. When product, quantity or serials
// change, the old deduction is reversed and the new one applied inside the
// same transaction, so a failure leaves the sale and stock as they were.
func (s *Service) UpdateSale(ctx context.Context, saleID string, input UpdateSaleInput) (Sale, error) {
	ctx, span := tracer.Start(ctx, "sales.update_sale")
	defer span.End()
	span.SetAttributes(attribute.String("sale.id", saleID), attribute.Int64("product.id", input.ProductID), attribute.Int("sale.quantity", input.Quantity))

	if _, err := counter.ParseSaleID(saleID); err != nil {
		return Sale{}, failSpan(span, ErrSaleNotFound)
	}
	if err := shared.Validate(input); err != nil {
		return Sale{}, failSpan(span, err)
	}
	fields := normalize(input.SaleFields)

	var (
		sale      Sale
		committed []inventory.Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, committed = Sale{}, nil
		if input.RequestID != "" {
			ref, replay, err := tx.ClaimRequest(ctx, input.RequestID, idempotencyModuleUpdate)
			if err != nil {
				return err
			}
			if replay {
				if ref != saleID {
					return shared.ErrIdempotencyKeyReused
				}
				sale, err = tx.GetSaleForUpdate(ctx, saleID)
				return err
			}
		}

		old, err := tx.GetSaleForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		price := old.UnitPrice
		if footprintChanged(old, fields) {
			product, err := s.sellableProduct(ctx, tx, fields.ProductID)
			if err != nil {
				return err
			}
			reversal, err := restore(ctx, tx, old, ReasonSaleUpdateReversal)
			if err != nil {
				return err
			}
			deduction, err := deduct(ctx, tx, fields, saleID, ReasonSaleUpdateDeduction)
			if err != nil {
				return err
			}
			price = product.Price
			committed = []inventory.Movement{reversal, deduction}
		}
		sale, err = tx.UpdateSale(ctx, applyFields(old, fields, price))
		if err != nil {
			return err
		}
		if input.RequestID != "" {
			return tx.CompleteRequest(ctx, input.RequestID, saleID)
		}
		return nil
	})
	if err != nil {
		return Sale{}, failSpan(span, err)
	}
	s.afterCommit(ctx, committed)
	span.SetAttributes(attribute.Bool("sale.inventory_changed", len(committed) > 0))
	span.SetStatus(codes.Ok, "")
	return sale, nil
}

// DeleteSale restores the sold units and removes the sale. The compensating
// movement stays in the ledger.
func (s *Service) DeleteSale(ctx context.Context, saleID string, requestID string) error {
	ctx, span := tracer.Start(ctx, "sales.delete_sale")
	defer span.End()
	span.SetAttributes(attribute.String("sale.id", saleID))

	if _, err := counter.ParseSaleID(saleID); err != nil {
		return failSpan(span, ErrSaleNotFound)
	}
	if err := shared.Validate(struct {
		RequestID string `validate:"omitempty,uuid"`
	}{requestID}); err != nil {
		return failSpan(span, err)
	}

	var committed []inventory.Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		committed = nil
		if requestID != "" {
			ref, replay, err := tx.ClaimRequest(ctx, requestID, idempotencyModuleDelete)
			if err != nil {
				return err
			}
			if replay {
				if ref != saleID {
					return shared.ErrIdempotencyKeyReused
				}
				return nil
			}
		}
		old, err := tx.GetSaleForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		mv, err := restore(ctx, tx, old, ReasonSaleDeletion)
		if err != nil {
			return err
		}
		if err := tx.DeleteSale(ctx, saleID); err != nil {
			return err
		}
		if requestID != "" {
			if err := tx.CompleteRequest(ctx, requestID, saleID); err != nil {
				return err
			}
		}
		committed = []inventory.Movement{mv}
		return nil
	})
	if err != nil {
		return failSpan(span, err)
	}
	s.afterCommit(ctx, committed)
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetSale returns a sale by id.
func (s *Service) GetSale(ctx context.Context, saleID string) (Sale, error) {
	if _, err := counter.ParseSaleID(saleID); err != nil {
		return Sale{}, ErrSaleNotFound
	}
	return s.repo.GetSale(ctx, saleID)
}

// ListSales returns sales newest first.
func (s *Service) ListSales(ctx context.Context, filter ListFilter) ([]Sale, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.ClientName = strings.TrimSpace(filter.ClientName)
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) sellableProduct(ctx context.Context, tx TxRepository, productID int64) (catalog.Product, error) {
	product, err := tx.GetProduct(ctx, productID)
	if err != nil {
		return catalog.Product{}, err
	}
	if !product.Active {
		return catalog.Product{}, ErrProductInactive
	}
	return product, nil
}

func (s *Service) afterCommit(ctx context.Context, movements []inventory.Movement) {
	if s.hook == nil || len(movements) == 0 {
		return
	}
	s.hook.AfterCommit(ctx, movements)
}

func deduct(ctx context.Context, tx TxRepository, fields SaleFields, saleID, reason string) (inventory.Movement, error) {
	return post(ctx, tx, fields.ProductID, inventory.MovementDecrease, fields.Quantity, fields.SerialNumbers, saleID, reason)
}

func restore(ctx context.Context, tx TxRepository, sale Sale, reason string) (inventory.Movement, error) {
	return post(ctx, tx, sale.ProductID, inventory.MovementIncrease, sale.Quantity, sale.SerialNumbers, sale.ID, reason)
}

func post(ctx context.Context, tx TxRepository, productID int64, typ inventory.MovementType, qty int, serials []string, saleID, reason string) (inventory.Movement, error) {
	recordID, err := tx.RecordIDForProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, inventory.ErrRecordNotFound) {
			return inventory.Movement{}, ErrInventoryNotFound
		}
		return inventory.Movement{}, err
	}
	mv, _, err := inventory.Post(ctx, tx, inventory.PostInput{
		InventoryID:   recordID,
		Type:          typ,
		Quantity:      qty,
		SerialNumbers: serials,
		Reason:        reason,
		RefModule:     inventory.RefModuleSales,
		RefID:         saleID,
	})
	return mv, err
}

func applyFields(sale Sale, fields SaleFields, unitPrice decimal.Decimal) Sale {
	sale.ClientName = fields.ClientName
	sale.ProductID = fields.ProductID
	sale.Quantity = fields.Quantity
	sale.SerialNumbers = append([]string{}, fields.SerialNumbers...)
	sale.UnitPrice = unitPrice
	sale.TotalAmount = unitPrice.Mul(decimal.NewFromInt(int64(fields.Quantity)))
	sale.PurchaseDate = fields.PurchaseDate
	sale.Warranty = fields.Warranty
	sale.TermPayable = fields.TermPayable
	sale.ModeOfPayment = fields.ModeOfPayment
	sale.Status = fields.Status
	return sale
}

func normalize(fields SaleFields) SaleFields {
	fields.ClientName = strings.TrimSpace(fields.ClientName)
	fields.Warranty = strings.TrimSpace(fields.Warranty)
	fields.TermPayable = strings.TrimSpace(fields.TermPayable)
	fields.ModeOfPayment = strings.TrimSpace(fields.ModeOfPayment)
	fields.Status = strings.TrimSpace(fields.Status)
	serials := make([]string, 0, len(fields.SerialNumbers))
	for _, sn := range fields.SerialNumbers {
		serials = append(serials, strings.TrimSpace(sn))
	}
	fields.SerialNumbers = serials
	return fields
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
