package catalog

import (
	"context"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RecordInvalidator drops cached inventory records whose live product
// attributes changed.
type RecordInvalidator interface {
	Invalidate(ctx context.Context, ids ...int64) error
}

// Service manages the product lifecycle.
type Service struct {
	repo  RepositoryPort
	cache RecordInvalidator
}

// NewService builds Service. cache may be nil.
func NewService(repo RepositoryPort, cache RecordInvalidator) *Service {
	return &Service{repo: repo, cache: cache}
}

// GetByID returns a product.
func (s *Service) GetByID(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, ErrProductNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns products.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

// Create registers a product together with its inventory record at stock 0.
func (s *Service) Create(ctx context.Context, input CreateProductInput) (Product, error) {
	if err := shared.Validate(input); err != nil {
		return Product{}, err
	}
	if input.Price.IsNegative() {
		return Product{}, ErrInvalidPrice
	}
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	product := Product{
		SKU:                  strings.TrimSpace(input.SKU),
		Name:                 strings.TrimSpace(input.Name),
		Category:             strings.TrimSpace(input.Category),
		Price:                input.Price,
		RequiresSerialNumber: input.RequiresSerialNumber,
		Active:               active,
	}
	var created Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.InsertProduct(ctx, product)
		if err != nil {
			return err
		}
		if _, err := tx.InsertRecord(ctx, p.ID); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return created, nil
}

// Update replaces product attributes. The serial requirement can only change
// while the product's record holds no stock and no sale references the
// product, since reversing a sale replays its units under the current policy.
func (s *Service) Update(ctx context.Context, id int64, input UpdateProductInput) (Product, error) {
	if id <= 0 {
		return Product{}, ErrProductNotFound
	}
	if err := shared.Validate(input); err != nil {
		return Product{}, err
	}
	if input.Price.IsNegative() {
		return Product{}, ErrInvalidPrice
	}
	var (
		updated  Product
		recordID int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return err
		}
		var stock int
		recordID, stock, err = tx.RecordStock(ctx, id)
		if err != nil {
			return err
		}
		if current.RequiresSerialNumber != input.RequiresSerialNumber {
			if stock > 0 {
				return ErrSerialFlagLocked
			}
			inUse, err := tx.HasSales(ctx, id)
			if err != nil {
				return err
			}
			if inUse {
				return ErrSerialFlagLocked
			}
		}
		current.SKU = strings.TrimSpace(input.SKU)
		current.Name = strings.TrimSpace(input.Name)
		current.Category = strings.TrimSpace(input.Category)
		current.Price = input.Price
		current.RequiresSerialNumber = input.RequiresSerialNumber
		current.Active = input.Active
		updated, err = tx.UpdateProduct(ctx, current)
		return err
	})
	if err != nil {
		return Product{}, err
	}
	s.invalidate(ctx, recordID)
	return updated, nil
}

// Delete removes a product and, by cascade, its inventory record and ledger.
// Products referenced by sales are kept.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrProductNotFound
	}
	var recordID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetProductForUpdate(ctx, id); err != nil {
			return err
		}
		inUse, err := tx.HasSales(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return ErrProductInUse
		}
		if recordID, _, err = tx.RecordStock(ctx, id); err != nil {
			return err
		}
		return tx.DeleteProduct(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, recordID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, recordID int64) {
	if s.cache == nil || recordID == 0 {
		return
	}
	_ = s.cache.Invalidate(ctx, recordID)
}
