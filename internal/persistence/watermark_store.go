package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WatermarkStore persists one finalization watermark per chain. The
// watermark is a keyed singleton row, never in-process state: every reader
// and writer goes through this API so a restart resumes exactly where the
// last committed scan left off.
type WatermarkStore struct {
	db *sql.DB
}

func NewWatermarkStore(db *sql.DB) *WatermarkStore {
	return &WatermarkStore{db: db}
}

// Get returns the chain's watermark, or 0 when none was recorded yet.
func (s *WatermarkStore) Get(ctx context.Context, chainName string) (int64, error) {
	var height int64
	err := s.db.QueryRowContext(ctx,
		`SELECT block_number FROM finalization_watermarks WHERE chain = $1`,
		chainName,
	).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark for %s: %w", chainName, err)
	}
	return height, nil
}

func (s *WatermarkStore) Set(ctx context.Context, chainName string, height int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO finalization_watermarks (chain, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET block_number = $2, updated_at = NOW()`,
		chainName, height,
	)
	if err != nil {
		return fmt.Errorf("set watermark for %s: %w", chainName, err)
	}
	return nil
}
