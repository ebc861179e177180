package lots

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Allocation is one lot's share of a planned disposal.
type Allocation struct {
	Lot         *Lot
	Quantity    decimal.Decimal
	CostBasis   decimal.Decimal
	Proceeds    decimal.Decimal
	RealizedPnL decimal.Decimal
}

// PlanFIFO allocates a disposal across a snapshot of undisposed lots,
// oldest acquisition first, ties broken by lot id. It is pure: the snapshot
// is read, never mutated, and nothing is planned unless the full quantity is
// coverable.
//
// Proceeds are split pro rata by quantity, except that the final allocation
// receives the exact unallocated remainder, so the allocations always sum to
// the requested proceeds regardless of division residue.
func PlanFIFO(snapshot []Lot, quantity, proceeds decimal.Decimal) ([]Allocation, error) {
	if quantity.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}
	if proceeds.IsNegative() {
		return nil, ErrInvalidCostBasis
	}

	ordered := make([]*Lot, 0, len(snapshot))
	var available decimal.Decimal
	for i := range snapshot {
		if snapshot[i].Disposed {
			continue
		}
		ordered = append(ordered, &snapshot[i])
		available = available.Add(snapshot[i].RemainingQty)
	}

	if available.Cmp(quantity) < 0 {
		return nil, fmt.Errorf("need %s, have %s: %w", quantity, available, ErrInsufficientLots)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].AcquiredAt.Equal(ordered[j].AcquiredAt) {
			return ordered[i].AcquiredAt.Before(ordered[j].AcquiredAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	proceedsPerUnit := proceeds.Div(quantity)

	var allocations []Allocation
	remaining := quantity
	allocatedProceeds := decimal.Zero

	for _, lot := range ordered {
		if remaining.Sign() <= 0 {
			break
		}

		take := lot.RemainingQty
		if take.Cmp(remaining) > 0 {
			take = remaining
		}
		if take.Sign() <= 0 {
			continue
		}

		cost := take.Mul(lot.CostPerUnit)
		proc := take.Mul(proceedsPerUnit)

		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			// Final allocation absorbs any division residue.
			proc = proceeds.Sub(allocatedProceeds)
		}
		allocatedProceeds = allocatedProceeds.Add(proc)

		allocations = append(allocations, Allocation{
			Lot:         lot,
			Quantity:    take,
			CostBasis:   cost,
			Proceeds:    proc,
			RealizedPnL: proc.Sub(cost),
		})
	}

	return allocations, nil
}

// exhausted reports whether a remaining quantity is zero within qtyEpsilon.
func exhausted(remaining decimal.Decimal) bool {
	return remaining.Abs().Cmp(qtyEpsilon) < 0
}
