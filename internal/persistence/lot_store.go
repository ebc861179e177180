package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chainledger/internal/lots"
)

// LotStore is the Postgres implementation of lots.Store.
type LotStore struct {
	db *sql.DB
}

func NewLotStore(db *sql.DB) *LotStore {
	return &LotStore{db: db}
}

const lotColumns = `id, asset, quantity, cost_basis, cost_per_unit, acquired_at,
	remaining_qty, disposed, source, reference, created_at`

func (s *LotStore) InsertLot(ctx context.Context, l *lots.Lot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (id, asset, quantity, cost_basis, cost_per_unit, acquired_at,
			remaining_qty, disposed, source, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.Asset, l.Quantity, l.CostBasis, l.CostPerUnit, l.AcquiredAt,
		l.RemainingQty, l.Disposed, l.Source, l.Reference, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (s *LotStore) LotByID(ctx context.Context, id uuid.UUID) (*lots.Lot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE id = $1`, id)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lots.ErrLotNotFound
	}
	return lot, err
}

func (s *LotStore) UndisposedLots(ctx context.Context, asset string) ([]lots.Lot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE asset = $1 AND disposed = FALSE
		 ORDER BY acquired_at, id`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []lots.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *lot)
	}
	return result, rows.Err()
}

func (s *LotStore) LotsByReference(ctx context.Context, reference string) ([]lots.Lot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE reference = $1 ORDER BY created_at, id`,
		reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []lots.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *lot)
	}
	return result, rows.Err()
}

func (s *LotStore) ApplyDisposals(ctx context.Context, disposals []lots.Disposal, updates []lots.LotUpdate) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := insertDisposals(ctx, tx, disposals); err != nil {
			return err
		}
		for _, u := range updates {
			res, err := tx.ExecContext(ctx, `
				UPDATE lots SET remaining_qty = $2, disposed = $3 WHERE id = $1`,
				u.LotID, u.RemainingQty, u.Disposed,
			)
			if err != nil {
				return fmt.Errorf("update lot %s: %w", u.LotID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("update lot %s: %w", u.LotID, lots.ErrLotNotFound)
			}
		}
		return nil
	})
}

// insertDisposals writes all disposal rows of one request with a multi-row
// INSERT.
func insertDisposals(ctx context.Context, tx *sql.Tx, disposals []lots.Disposal) error {
	if len(disposals) == 0 {
		return nil
	}

	query := `INSERT INTO lot_disposals (id, lot_id, reference, quantity_disposed,
		proceeds_per_unit, total_proceeds, cost_basis_per_unit, total_cost_basis,
		realized_pnl, disposed_at, created_at) VALUES `
	values := make([]string, 0, len(disposals))
	args := make([]interface{}, 0, len(disposals)*11)

	for i, d := range disposals {
		base := i * 11
		placeholders := make([]string, 11)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			d.ID, d.LotID, d.Reference, d.QuantityDisposed,
			d.ProceedsPerUnit, d.TotalProceeds, d.CostBasisPerUnit, d.TotalCostBasis,
			d.RealizedPnL, d.DisposedAt, d.CreatedAt,
		)
	}

	if _, err := tx.ExecContext(ctx, query+strings.Join(values, ", "), args...); err != nil {
		return fmt.Errorf("insert disposals: %w", err)
	}
	return nil
}

const disposalColumns = `id, lot_id, reference, quantity_disposed, proceeds_per_unit,
	total_proceeds, cost_basis_per_unit, total_cost_basis, realized_pnl, disposed_at, created_at`

func (s *LotStore) DisposalByID(ctx context.Context, id uuid.UUID) (*lots.Disposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disposalColumns+` FROM lot_disposals WHERE id = $1`, id)
	d, err := scanDisposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lots.ErrDisposalNotFound
	}
	return d, err
}

func (s *LotStore) DisposalsByReference(ctx context.Context, reference string) ([]lots.Disposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+disposalColumns+` FROM lot_disposals WHERE reference = $1 ORDER BY created_at, id`,
		reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []lots.Disposal
	for rows.Next() {
		d, err := scanDisposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// RestoreDisposal deletes the disposal row and credits the quantity back to
// its lot in one transaction. DELETE ... RETURNING makes the idempotence
// guard race-free: the second caller finds no row to delete.
func (s *LotStore) RestoreDisposal(ctx context.Context, disposalID uuid.UUID) (*lots.Disposal, error) {
	var restored *lots.Disposal
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			DELETE FROM lot_disposals WHERE id = $1
			RETURNING `+disposalColumns, disposalID)
		d, err := scanDisposal(row)
		if errors.Is(err, sql.ErrNoRows) {
			return lots.ErrDisposalNotFound
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE lots
			SET remaining_qty = remaining_qty + $2,
			    disposed = (remaining_qty + $2) < 1e-8
			WHERE id = $1`,
			d.LotID, d.QuantityDisposed,
		)
		if err != nil {
			return fmt.Errorf("credit lot %s: %w", d.LotID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("credit lot %s: %w", d.LotID, lots.ErrLotNotFound)
		}

		restored = d
		return nil
	})
	return restored, err
}

func (s *LotStore) DeleteLotsByReference(ctx context.Context, reference string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lots WHERE reference = $1`, reference)
	if err != nil {
		return 0, fmt.Errorf("delete lots for %s: %w", reference, err)
	}
	return res.RowsAffected()
}

func scanLot(row rowScanner) (*lots.Lot, error) {
	var l lots.Lot
	if err := row.Scan(&l.ID, &l.Asset, &l.Quantity, &l.CostBasis, &l.CostPerUnit,
		&l.AcquiredAt, &l.RemainingQty, &l.Disposed, &l.Source, &l.Reference, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanDisposal(row rowScanner) (*lots.Disposal, error) {
	var d lots.Disposal
	if err := row.Scan(&d.ID, &d.LotID, &d.Reference, &d.QuantityDisposed,
		&d.ProceedsPerUnit, &d.TotalProceeds, &d.CostBasisPerUnit, &d.TotalCostBasis,
		&d.RealizedPnL, &d.DisposedAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
