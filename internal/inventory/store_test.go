package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

func serialRecord(serials ...string) Record {
	return Record{ID: 1, ProductID: 1, StockLevel: len(serials), SerialNumbers: serials, RequiresSerial: true, Active: true, Version: 1}
}

func TestApplyMovementRemovesHeldSerials(t *testing.T) {
	rec := serialRecord("A", "B", "C", "D", "E")

	next, err := applyMovement(rec, MovementDecrease, 2, []string{"A", "B"})
	require.NoError(t, err)
	require.Equal(t, 3, next.StockLevel)
	require.Equal(t, []string{"C", "D", "E"}, next.SerialNumbers)
	require.Equal(t, []string{"A", "B", "C", "D", "E"}, rec.SerialNumbers, "input record must not be mutated")

	_, err = applyMovement(next, MovementDecrease, 2, []string{"A", "X"})
	require.ErrorIs(t, err, ErrSerialMismatch)
	require.ErrorIs(t, err, shared.ErrSerialMismatch)
}

func TestApplyMovementIncreaseAppendsSerials(t *testing.T) {
	next, err := applyMovement(serialRecord("A"), MovementIncrease, 2, []string{"B", "C"})
	require.NoError(t, err)
	require.Equal(t, 3, next.StockLevel)
	require.Equal(t, []string{"A", "B", "C"}, next.SerialNumbers)
}

func TestApplyMovementRejectsStockOverflow(t *testing.T) {
	rec := Record{ID: 1, StockLevel: MaxStockLevel - 1, Active: true, Version: 1}

	next, err := applyMovement(rec, MovementIncrease, 1, nil)
	require.NoError(t, err)
	require.Equal(t, MaxStockLevel, next.StockLevel)

	_, err = applyMovement(next, MovementIncrease, 1, nil)
	require.ErrorIs(t, err, ErrStockLimit)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = applyMovement(rec, MovementIncrease, MaxStockLevel, nil)
	require.ErrorIs(t, err, ErrStockLimit)
}

func TestApplyMovementSerialRules(t *testing.T) {
	cases := []struct {
		name    string
		rec     Record
		typ     MovementType
		qty     int
		serials []string
		want    error
	}{
		{"count below quantity", serialRecord("A", "B"), MovementDecrease, 2, []string{"A"}, ErrSerialMismatch},
		{"missing serials on increase", serialRecord(), MovementIncrease, 1, nil, ErrSerialMismatch},
		{"duplicate in request", serialRecord(), MovementIncrease, 2, []string{"N", "N"}, ErrSerialMismatch},
		{"blank serial", serialRecord(), MovementIncrease, 1, []string{" "}, ErrSerialMismatch},
		{"already held", serialRecord("A"), MovementIncrease, 1, []string{"A"}, ErrSerialMismatch},
		{"oversell checked before membership", serialRecord("A"), MovementDecrease, 2, []string{"A", "Z"}, ErrInsufficientStock},
		{"serials on plain record", Record{ID: 2, StockLevel: 4}, MovementIncrease, 1, []string{"A"}, ErrSerialMismatch},
		{"plain oversell", Record{ID: 2, StockLevel: 4}, MovementDecrease, 5, nil, ErrInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := applyMovement(tc.rec, tc.typ, tc.qty, tc.serials)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestApplyMovementPlainRecord(t *testing.T) {
	rec := Record{ID: 2, StockLevel: 10, Version: 3}
	next, err := applyMovement(rec, MovementDecrease, 3, nil)
	require.NoError(t, err)
	require.Equal(t, 7, next.StockLevel)
	require.Empty(t, next.SerialNumbers)

	next, err = applyMovement(next, MovementDecrease, 7, nil)
	require.NoError(t, err)
	require.Zero(t, next.StockLevel)
}

func TestCheckRecord(t *testing.T) {
	require.Empty(t, CheckRecord(serialRecord("A", "B"), 2))

	broken := serialRecord("A", "A", "B")
	broken.StockLevel = 2
	violations := CheckRecord(broken, 5)
	require.Len(t, violations, 3)
	for _, v := range violations {
		require.Equal(t, int64(1), v.InventoryID)
	}

	plain := Record{ID: 9, StockLevel: -1, SerialNumbers: []string{"S"}}
	require.Len(t, CheckRecord(plain, -1), 2)
}

func TestMovementTypeOpposite(t *testing.T) {
	require.Equal(t, MovementDecrease, MovementIncrease.Opposite())
	require.Equal(t, MovementIncrease, MovementDecrease.Opposite())
	require.False(t, MovementType("MOVE").Valid())
}

func TestNormalizeMovementFilter(t *testing.T) {
	f, err := normalizeMovementFilter(MovementFilter{})
	require.NoError(t, err)
	require.Equal(t, defaultListLimit, f.Limit)

	f, err = normalizeMovementFilter(MovementFilter{Limit: 50000, Offset: -4})
	require.NoError(t, err)
	require.Equal(t, maxListLimit, f.Limit)
	require.Zero(t, f.Offset)

	_, err = normalizeMovementFilter(MovementFilter{Type: "SIDEWAYS"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
