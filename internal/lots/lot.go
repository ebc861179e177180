package lots

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidQuantity means a requested quantity was zero or negative.
	ErrInvalidQuantity = errors.New("lots: quantity must be positive")

	// ErrInvalidCostBasis means a cost basis or proceeds amount was negative.
	ErrInvalidCostBasis = errors.New("lots: cost basis must not be negative")

	// ErrInsufficientLots means the undisposed lots of an asset cannot cover
	// a disposal request. Nothing is written.
	ErrInsufficientLots = errors.New("lots: insufficient remaining quantity")

	// ErrLotNotFound is returned by lookups for unknown lot ids.
	ErrLotNotFound = errors.New("lots: lot not found")

	// ErrDisposalNotFound is returned when a disposal id does not exist,
	// including when it was already restored and deleted.
	ErrDisposalNotFound = errors.New("lots: disposal not found")
)

// qtyEpsilon is the tolerance for remaining-to-zero comparisons. Quantities
// are decimals, but repeated partial disposals of float-sourced amounts can
// leave dust below any meaningful unit.
var qtyEpsilon = decimal.New(1, -8) // 1e-8

// Lot is a discrete acquisition of an asset at a fixed cost basis.
// RemainingQty only decreases through disposal and only increases through
// reorg restoration. Disposed tracks RemainingQty == 0 within qtyEpsilon.
type Lot struct {
	ID           uuid.UUID
	Asset        string
	Quantity     decimal.Decimal
	CostBasis    decimal.Decimal
	CostPerUnit  decimal.Decimal
	AcquiredAt   time.Time
	RemainingQty decimal.Decimal
	Disposed     bool
	Source       string
	Reference    string // tx hash of the originating event, empty if manual
	CreatedAt    time.Time
}

// Disposal is the immutable contribution of one lot to one disposal request.
type Disposal struct {
	ID               uuid.UUID
	LotID            uuid.UUID
	Reference        string // tx hash of the originating event, empty if manual
	QuantityDisposed decimal.Decimal
	ProceedsPerUnit  decimal.Decimal
	TotalProceeds    decimal.Decimal
	CostBasisPerUnit decimal.Decimal
	TotalCostBasis   decimal.Decimal
	RealizedPnL      decimal.Decimal
	DisposedAt       time.Time
	CreatedAt        time.Time
}

// LotUpdate is the remaining-quantity mutation a disposal applies to a lot.
type LotUpdate struct {
	LotID        uuid.UUID
	RemainingQty decimal.Decimal
	Disposed     bool
}

// Store is the transactional persistence boundary for lots.
// ApplyDisposals and RestoreDisposal must be atomic: disposal rows and lot
// updates land together or not at all.
type Store interface {
	InsertLot(ctx context.Context, l *Lot) error
	LotByID(ctx context.Context, id uuid.UUID) (*Lot, error)
	// UndisposedLots returns lots of the asset with disposed=false, ordered
	// by acquiredAt ascending with ties broken by lot id.
	UndisposedLots(ctx context.Context, asset string) ([]Lot, error)
	// LotsByReference returns the lots created by one external event.
	LotsByReference(ctx context.Context, reference string) ([]Lot, error)
	// ApplyDisposals inserts the disposal rows and applies the lot updates
	// in one transaction.
	ApplyDisposals(ctx context.Context, disposals []Disposal, updates []LotUpdate) error
	DisposalByID(ctx context.Context, id uuid.UUID) (*Disposal, error)
	DisposalsByReference(ctx context.Context, reference string) ([]Disposal, error)
	// RestoreDisposal deletes the disposal row and credits its quantity back
	// to the lot in one transaction, returning the deleted disposal. A
	// missing row returns ErrDisposalNotFound, which makes a repeated
	// restoration observable instead of double-crediting.
	RestoreDisposal(ctx context.Context, disposalID uuid.UUID) (*Disposal, error)
	// DeleteLotsByReference removes lots created by a retracted event.
	DeleteLotsByReference(ctx context.Context, reference string) (int64, error)
}
