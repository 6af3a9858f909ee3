package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

var tracer = otel.Tracer("github.com/odyssey-erp/stockledger/internal/inventory")

// Service coordinates inventory operations.
type Service struct {
	repo      RepositoryPort
	cache     *RecordCache
	observers []MovementObserver
}

// NewService builds Service. cache may be nil.
func NewService(repo RepositoryPort, cache *RecordCache, observers ...MovementObserver) *Service {
	return &Service{repo: repo, cache: cache, observers: observers}
}

// RecordManualMovement adjusts stock outside of a sale and logs the movement.
// A failed call leaves the record untouched.
func (s *Service) RecordManualMovement(ctx context.Context, input ManualMovementInput) (ManualMovementResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.record_manual_movement")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("inventory.id", input.InventoryID),
		attribute.String("inventory.movement_type", string(input.Type)),
		attribute.Int("inventory.quantity", input.Quantity),
	)

	if err := shared.Validate(input); err != nil {
		return ManualMovementResult{}, failSpan(span, err)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = DefaultManualReason
	}

	var (
		result    ManualMovementResult
		committed []Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result, committed = ManualMovementResult{}, nil
		if input.RequestID != "" {
			ref, replay, err := tx.ClaimRequest(ctx, input.RequestID, idempotencyModuleManual)
			if err != nil {
				return err
			}
			if replay {
				prior, err := replayManual(ctx, tx, ref, input.InventoryID)
				if err != nil {
					return err
				}
				result = prior
				return nil
			}
		}
		mv, rec, err := Post(ctx, tx, PostInput{
			InventoryID:   input.InventoryID,
			Type:          input.Type,
			Quantity:      input.Quantity,
			SerialNumbers: input.SerialNumbers,
			Reason:        reason,
			RefModule:     RefModuleManual,
		})
		if err != nil {
			return err
		}
		if input.RequestID != "" {
			if err := tx.CompleteRequest(ctx, input.RequestID, formatID(mv.ID)); err != nil {
				return err
			}
		}
		result = ManualMovementResult{MovementID: mv.ID, NewStockLevel: rec.StockLevel}
		committed = []Movement{mv}
		return nil
	})
	if err != nil {
		return ManualMovementResult{}, failSpan(span, err)
	}
	s.AfterCommit(ctx, committed)
	span.SetAttributes(attribute.Int("inventory.stock_level", result.NewStockLevel), attribute.Bool("request.replayed", result.Replayed))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func replayManual(ctx context.Context, tx TxRepository, ref string, inventoryID int64) (ManualMovementResult, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return ManualMovementResult{}, fmt.Errorf("inventory: stored request result %q: %w", ref, shared.ErrIntegrity)
	}
	mv, err := tx.GetMovement(ctx, id)
	if err != nil {
		return ManualMovementResult{}, err
	}
	if mv.InventoryID != inventoryID {
		return ManualMovementResult{}, shared.ErrIdempotencyKeyReused
	}
	return ManualMovementResult{MovementID: mv.ID, NewStockLevel: mv.BalanceAfter, Replayed: true}, nil
}

// AfterCommit invalidates cached records and notifies observers of movements
// that were durably committed, by this service or by a module composing
// inventory writes into its own transaction.
func (s *Service) AfterCommit(ctx context.Context, movements []Movement) {
	if s == nil || len(movements) == 0 {
		return
	}
	_ = s.cache.Invalidate(ctx, idsOf(movements)...)
	for _, obs := range s.observers {
		obs.MovementsCommitted(ctx, movements)
	}
}

// GetRecord returns a record by id, served from cache when possible.
func (s *Service) GetRecord(ctx context.Context, id int64) (Record, error) {
	if id <= 0 {
		return Record{}, ErrRecordNotFound
	}
	return s.cache.Record(ctx, id, func(ctx context.Context) (Record, error) {
		return s.repo.GetRecord(ctx, id)
	})
}

// GetRecordByProduct returns the record owned by a product.
func (s *Service) GetRecordByProduct(ctx context.Context, productID int64) (Record, error) {
	if productID <= 0 {
		return Record{}, ErrRecordNotFound
	}
	return s.repo.GetRecordByProduct(ctx, productID)
}

// ListRecords lists records with live product attributes.
func (s *Service) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	return s.repo.ListRecords(ctx, normalizeRecordFilter(filter))
}

// ListMovements queries the ledger newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	filter, err := normalizeMovementFilter(filter)
	if err != nil {
		return nil, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("inventory: movement range ends before it starts: %w", shared.ErrValidation)
	}
	return s.repo.ListMovements(ctx, filter)
}

// CheckIntegrity scans every record and compares it with its ledger.
func (s *Service) CheckIntegrity(ctx context.Context) ([]Violation, error) {
	ctx, span := tracer.Start(ctx, "inventory.check_integrity")
	defer span.End()

	var violations []Violation
	filter := RecordFilter{Limit: maxListLimit}
	for {
		balances, err := s.repo.ListRecordBalances(ctx, filter)
		if err != nil {
			return nil, failSpan(span, err)
		}
		for _, b := range balances {
			violations = append(violations, CheckRecord(b.Record, b.LedgerNet)...)
		}
		if len(balances) < filter.Limit {
			break
		}
		filter.Offset += len(balances)
	}
	span.SetAttributes(attribute.Int("inventory.violations", len(violations)))
	return violations, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
