package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chainledger/internal/chain"
)

// EventStore is the Postgres implementation of chain.EventStore.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) InsertEvent(ctx context.Context, e *chain.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blockchain_events (id, chain, network, tx_hash, block_number,
			block_hash, log_index, event_type, from_addr, to_addr, asset, quantity,
			fiat_value, ts, processed, classified_as, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.Chain, e.Network, e.TxHash, e.BlockNumber,
		e.BlockHash, e.LogIndex, string(e.EventType), e.From, e.To, e.Asset, e.Quantity,
		e.FiatValue, e.Timestamp, e.Processed, e.ClassifiedAs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s/%d: %w", e.TxHash, e.LogIndex, err)
	}
	return nil
}

func (s *EventStore) EventByKey(ctx context.Context, chainName, txHash string, logIndex int) (*chain.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM blockchain_events
		WHERE chain = $1 AND tx_hash = $2 AND log_index = $3`,
		chainName, txHash, logIndex,
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chain.ErrEventNotFound
	}
	return e, err
}

func (s *EventStore) MarkClassified(ctx context.Context, id uuid.UUID, classifiedAs string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blockchain_events SET classified_as = $2, processed = TRUE WHERE id = $1`,
		id, classifiedAs,
	)
	if err != nil {
		return fmt.Errorf("mark classified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chain.ErrEventNotFound
	}
	return nil
}

const eventColumns = `id, chain, network, tx_hash, block_number, block_hash, log_index,
	event_type, from_addr, to_addr, asset, quantity, fiat_value, ts, processed,
	classified_as, created_at`

func (s *EventStore) EventsInRange(ctx context.Context, chainName string, from, to int64) ([]chain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM blockchain_events
		WHERE chain = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number, log_index`,
		chainName, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []chain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*chain.Event, error) {
	var e chain.Event
	var eventType string
	if err := row.Scan(&e.ID, &e.Chain, &e.Network, &e.TxHash, &e.BlockNumber,
		&e.BlockHash, &e.LogIndex, &eventType, &e.From, &e.To, &e.Asset,
		&e.Quantity, &e.FiatValue, &e.Timestamp, &e.Processed,
		&e.ClassifiedAs, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EventType = chain.EventType(eventType)
	return &e, nil
}

func (s *EventStore) StoredBlocks(ctx context.Context, chainName string, from, to int64) ([]chain.StoredBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT block_number, block_hash FROM blockchain_events
		WHERE chain = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number`,
		chainName, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []chain.StoredBlock
	for rows.Next() {
		var b chain.StoredBlock
		if err := rows.Scan(&b.Number, &b.Hash); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *EventStore) DeleteEventsInRange(ctx context.Context, chainName string, from, to int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blockchain_events
		WHERE chain = $1 AND block_number BETWEEN $2 AND $3`,
		chainName, from, to)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}
