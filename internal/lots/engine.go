package lots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainledger/internal/observability"
)

// Engine tracks per-asset acquisition lots and performs FIFO disposal
// allocation. Disposals for one asset are serialized by a per-asset mutex:
// two concurrent disposals reading the same lot snapshot would both allocate
// the same remaining quantity. Disposals on distinct assets run concurrently.
type Engine struct {
	store   Store
	log     zerolog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	assetLocks map[string]*sync.Mutex
}

func NewEngine(store Store, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:      store,
		log:        log,
		metrics:    metrics,
		assetLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) assetLock(asset string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.assetLocks[asset]
	if !ok {
		lock = &sync.Mutex{}
		e.assetLocks[asset] = lock
	}
	return lock
}

// CreateLot records an acquisition. CostPerUnit is derived once at creation
// and never recomputed.
func (e *Engine) CreateLot(ctx context.Context, asset string, quantity, costBasis decimal.Decimal, acquiredAt time.Time, source, reference string) (*Lot, error) {
	if quantity.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}
	if costBasis.IsNegative() {
		return nil, ErrInvalidCostBasis
	}

	lot := &Lot{
		ID:           uuid.New(),
		Asset:        asset,
		Quantity:     quantity,
		CostBasis:    costBasis,
		CostPerUnit:  costBasis.Div(quantity),
		AcquiredAt:   acquiredAt,
		RemainingQty: quantity,
		Source:       source,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.store.InsertLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("insert lot: %w", err)
	}

	if e.metrics != nil {
		e.metrics.LotsCreated.Inc()
	}
	e.log.Info().
		Str("lot_id", lot.ID.String()).
		Str("asset", asset).
		Str("quantity", quantity.String()).
		Str("cost_basis", costBasis.String()).
		Msg("lot created")

	return lot, nil
}

// DisposeResult is the outcome of one disposal request.
type DisposeResult struct {
	Disposals        []Disposal
	TotalCostBasis   decimal.Decimal
	TotalProceeds    decimal.Decimal
	TotalRealizedPnL decimal.Decimal
}

// DisposeLots allocates a disposal across the asset's undisposed lots in
// FIFO order and commits the disposal rows and lot decrements as one unit.
// If the undisposed lots cannot cover the quantity, nothing is written.
func (e *Engine) DisposeLots(ctx context.Context, asset string, quantity, proceeds decimal.Decimal, disposedAt time.Time, reference string) (*DisposeResult, error) {
	start := time.Now()

	if quantity.Sign() <= 0 {
		e.countRejected("invalid_quantity")
		return nil, ErrInvalidQuantity
	}
	if proceeds.IsNegative() {
		e.countRejected("invalid_proceeds")
		return nil, ErrInvalidCostBasis
	}

	lock := e.assetLock(asset)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := e.store.UndisposedLots(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("load lots for %s: %w", asset, err)
	}

	allocations, err := PlanFIFO(snapshot, quantity, proceeds)
	if err != nil {
		if errors.Is(err, ErrInsufficientLots) {
			e.countRejected("insufficient_lots")
		}
		return nil, err
	}

	now := time.Now().UTC()
	result := &DisposeResult{Disposals: make([]Disposal, 0, len(allocations))}
	updates := make([]LotUpdate, 0, len(allocations))

	for _, alloc := range allocations {
		disposal := Disposal{
			ID:               uuid.New(),
			LotID:            alloc.Lot.ID,
			Reference:        reference,
			QuantityDisposed: alloc.Quantity,
			ProceedsPerUnit:  proceeds.Div(quantity),
			TotalProceeds:    alloc.Proceeds,
			CostBasisPerUnit: alloc.Lot.CostPerUnit,
			TotalCostBasis:   alloc.CostBasis,
			RealizedPnL:      alloc.RealizedPnL,
			DisposedAt:       disposedAt,
			CreatedAt:        now,
		}
		result.Disposals = append(result.Disposals, disposal)
		result.TotalCostBasis = result.TotalCostBasis.Add(alloc.CostBasis)
		result.TotalProceeds = result.TotalProceeds.Add(alloc.Proceeds)
		result.TotalRealizedPnL = result.TotalRealizedPnL.Add(alloc.RealizedPnL)

		newRemaining := alloc.Lot.RemainingQty.Sub(alloc.Quantity)
		updates = append(updates, LotUpdate{
			LotID:        alloc.Lot.ID,
			RemainingQty: newRemaining,
			Disposed:     exhausted(newRemaining),
		})
	}

	if err := e.store.ApplyDisposals(ctx, result.Disposals, updates); err != nil {
		return nil, fmt.Errorf("apply disposals: %w", err)
	}

	if e.metrics != nil {
		e.metrics.LotDisposals.Inc()
		e.metrics.LotDisposalDuration.Observe(time.Since(start).Seconds())
	}
	e.log.Info().
		Str("asset", asset).
		Str("quantity", quantity.String()).
		Str("proceeds", proceeds.String()).
		Str("realized_pnl", result.TotalRealizedPnL.String()).
		Int("lots_consumed", len(allocations)).
		Msg("lots disposed")

	return result, nil
}

// RestoreDisposal undoes one disposal: the lot's remaining quantity is
// credited back and the disposal row deleted, atomically. A second call for
// the same id finds no row and no-ops, so reorg retries never double-credit.
func (e *Engine) RestoreDisposal(ctx context.Context, disposalID uuid.UUID) error {
	disposal, err := e.store.RestoreDisposal(ctx, disposalID)
	if errors.Is(err, ErrDisposalNotFound) {
		e.log.Warn().
			Str("disposal_id", disposalID.String()).
			Msg("disposal already restored, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore disposal %s: %w", disposalID, err)
	}

	if e.metrics != nil {
		e.metrics.LotDisposalsRestored.Inc()
	}
	e.log.Info().
		Str("disposal_id", disposal.ID.String()).
		Str("lot_id", disposal.LotID.String()).
		Str("quantity", disposal.QuantityDisposed.String()).
		Msg("disposal restored")

	return nil
}

// LotsByReference returns the lots created by an external event. Ingestion
// uses it to detect an acquisition already applied by an earlier delivery.
func (e *Engine) LotsByReference(ctx context.Context, reference string) ([]Lot, error) {
	return e.store.LotsByReference(ctx, reference)
}

// DisposalsByReference returns the disposals created for an external event.
func (e *Engine) DisposalsByReference(ctx context.Context, reference string) ([]Disposal, error) {
	return e.store.DisposalsByReference(ctx, reference)
}

// RetractLots deletes lots created by a retracted event. Used only by reorg
// recovery; resync recreates them from the canonical chain.
func (e *Engine) RetractLots(ctx context.Context, reference string) (int64, error) {
	return e.store.DeleteLotsByReference(ctx, reference)
}

// Balance is the read-only position of one asset over its undisposed lots.
type Balance struct {
	Asset            string
	TotalQuantity    decimal.Decimal
	TotalCostBasis   decimal.Decimal
	AverageCostBasis decimal.Decimal
	Lots             []Lot
}

// GetBalance is a pure read over the asset's undisposed lots. Cost basis of
// partially consumed lots is prorated by remaining quantity.
func (e *Engine) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	snapshot, err := e.store.UndisposedLots(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("load lots for %s: %w", asset, err)
	}

	balance := &Balance{Asset: asset, Lots: snapshot}
	for _, lot := range snapshot {
		balance.TotalQuantity = balance.TotalQuantity.Add(lot.RemainingQty)
		balance.TotalCostBasis = balance.TotalCostBasis.Add(lot.RemainingQty.Mul(lot.CostPerUnit))
	}
	if balance.TotalQuantity.Sign() > 0 {
		balance.AverageCostBasis = balance.TotalCostBasis.Div(balance.TotalQuantity)
	}

	return balance, nil
}

func (e *Engine) countRejected(reason string) {
	if e.metrics != nil {
		e.metrics.LotDisposalsRejected.WithLabelValues(reason).Inc()
	}
}
