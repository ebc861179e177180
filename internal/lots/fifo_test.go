package lots_test

import (
	"errors"
	"testing"
	"time"

	"chainledger/internal/lots"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func makeLot(asset string, quantity, costBasis string, acquiredAt time.Time) lots.Lot {
	q := dec(quantity)
	c := dec(costBasis)
	return lots.Lot{
		ID:           uuid.New(),
		Asset:        asset,
		Quantity:     q,
		CostBasis:    c,
		CostPerUnit:  c.Div(q),
		AcquiredAt:   acquiredAt,
		RemainingQty: q,
		CreatedAt:    acquiredAt,
	}
}

func TestPlanFIFO_TwoLotPartialDisposal(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := []lots.Lot{
		makeLot("ETH", "1.0", "2000", base),
		makeLot("ETH", "1.0", "2400", base.Add(24*time.Hour)),
	}

	allocations, err := lots.PlanFIFO(snapshot, dec("1.5"), dec("4500"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(allocations) != 2 {
		t.Fatalf("got %d allocations, want 2", len(allocations))
	}

	first := allocations[0]
	if !first.Quantity.Equal(dec("1.0")) {
		t.Errorf("first quantity = %s, want 1.0", first.Quantity)
	}
	if !first.CostBasis.Equal(dec("2000")) {
		t.Errorf("first cost basis = %s, want 2000", first.CostBasis)
	}
	if !first.Proceeds.Equal(dec("3000")) {
		t.Errorf("first proceeds = %s, want 3000", first.Proceeds)
	}
	if !first.RealizedPnL.Equal(dec("1000")) {
		t.Errorf("first pnl = %s, want 1000", first.RealizedPnL)
	}

	second := allocations[1]
	if !second.Quantity.Equal(dec("0.5")) {
		t.Errorf("second quantity = %s, want 0.5", second.Quantity)
	}
	if !second.CostBasis.Equal(dec("1200")) {
		t.Errorf("second cost basis = %s, want 1200", second.CostBasis)
	}
	if !second.Proceeds.Equal(dec("1500")) {
		t.Errorf("second proceeds = %s, want 1500", second.Proceeds)
	}
	if !second.RealizedPnL.Equal(dec("300")) {
		t.Errorf("second pnl = %s, want 300", second.RealizedPnL)
	}

	var totalPnL decimal.Decimal
	for _, a := range allocations {
		totalPnL = totalPnL.Add(a.RealizedPnL)
	}
	if !totalPnL.Equal(dec("1300")) {
		t.Errorf("total pnl = %s, want 1300", totalPnL)
	}
}

func TestPlanFIFO_OldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := makeLot("ETH", "1.0", "2400", base.Add(time.Hour))
	older := makeLot("ETH", "1.0", "2000", base)

	// Snapshot deliberately out of order.
	allocations, err := lots.PlanFIFO([]lots.Lot{newer, older}, dec("1.0"), dec("2500"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(allocations) != 1 {
		t.Fatalf("got %d allocations, want 1", len(allocations))
	}
	if allocations[0].Lot.ID != older.ID {
		t.Error("disposal did not consume the oldest lot first")
	}
}

func TestPlanFIFO_TieBrokenByLotID(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := makeLot("ETH", "1.0", "2000", base)
	b := makeLot("ETH", "1.0", "2000", base)

	first, err := lots.PlanFIFO([]lots.Lot{a, b}, dec("0.5"), dec("1100"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	second, err := lots.PlanFIFO([]lots.Lot{b, a}, dec("0.5"), dec("1100"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if first[0].Lot.ID != second[0].Lot.ID {
		t.Error("equal acquisition times not ordered deterministically")
	}
}

func TestPlanFIFO_InsufficientLots(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := []lots.Lot{makeLot("ETH", "1.0", "2000", base)}

	_, err := lots.PlanFIFO(snapshot, dec("1.5"), dec("4500"))
	if !errors.Is(err, lots.ErrInsufficientLots) {
		t.Errorf("err = %v, want ErrInsufficientLots", err)
	}
}

func TestPlanFIFO_SkipsDisposedLots(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	spent := makeLot("ETH", "1.0", "2000", base)
	spent.Disposed = true
	spent.RemainingQty = decimal.Zero
	live := makeLot("ETH", "1.0", "2400", base.Add(time.Hour))

	allocations, err := lots.PlanFIFO([]lots.Lot{spent, live}, dec("1.0"), dec("2500"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(allocations) != 1 || allocations[0].Lot.ID != live.ID {
		t.Error("disposed lot participated in allocation")
	}
}

func TestPlanFIFO_ProceedsSumExactly(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := []lots.Lot{
		makeLot("ETH", "1", "100", base),
		makeLot("ETH", "1", "100", base.Add(time.Hour)),
		makeLot("ETH", "1", "100", base.Add(2*time.Hour)),
	}

	// 1000/3 does not terminate; the final allocation must absorb the residue.
	proceeds := dec("1000")
	allocations, err := lots.PlanFIFO(snapshot, dec("3"), proceeds)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var sum decimal.Decimal
	for _, a := range allocations {
		sum = sum.Add(a.Proceeds)
	}
	if !sum.Equal(proceeds) {
		t.Errorf("allocated proceeds sum to %s, want exactly %s", sum, proceeds)
	}
}

func TestPlanFIFO_InvalidInputs(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := []lots.Lot{makeLot("ETH", "1.0", "2000", base)}

	if _, err := lots.PlanFIFO(snapshot, decimal.Zero, dec("100")); !errors.Is(err, lots.ErrInvalidQuantity) {
		t.Errorf("zero quantity: err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := lots.PlanFIFO(snapshot, dec("-1"), dec("100")); !errors.Is(err, lots.ErrInvalidQuantity) {
		t.Errorf("negative quantity: err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := lots.PlanFIFO(snapshot, dec("1"), dec("-100")); !errors.Is(err, lots.ErrInvalidCostBasis) {
		t.Errorf("negative proceeds: err = %v, want ErrInvalidCostBasis", err)
	}
}
