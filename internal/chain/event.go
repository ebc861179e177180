package chain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrEventNotFound is returned by lookups for unknown events.
var ErrEventNotFound = errors.New("chain: event not found")

// EventType is the normalized kind of an on-chain movement.
type EventType string

const (
	EventTransferIn  EventType = "transfer_in"
	EventTransferOut EventType = "transfer_out"
	EventSwap        EventType = "swap"
	EventFee         EventType = "fee"
)

// Event is one normalized on-chain asset movement, the raw input of
// classification and ingestion. Events are created by ingestion, updated by
// classification, and deleted only when a reorg retracts their block.
type Event struct {
	ID           uuid.UUID
	Chain        string
	Network      string
	TxHash       string
	BlockNumber  int64
	BlockHash    string
	LogIndex     int
	EventType    EventType
	From         string
	To           string
	Asset        string
	Quantity     decimal.Decimal
	FiatValue    decimal.Decimal // value in the reporting currency at event time
	Timestamp    time.Time
	Processed    bool
	ClassifiedAs string
	CreatedAt    time.Time
}

// StoredBlock is the (number, hash) pair recorded for one ingested block,
// compared against the adapter's current view during reorg scans.
type StoredBlock struct {
	Number int64
	Hash   string
}

// EventStore is the persistence boundary for raw events.
type EventStore interface {
	InsertEvent(ctx context.Context, e *Event) error
	// EventByKey returns the stored event with the given identity, or
	// ErrEventNotFound. Ingestion uses the Processed flag of the returned
	// row to distinguish true duplicates from partially applied deliveries.
	EventByKey(ctx context.Context, chainName, txHash string, logIndex int) (*Event, error)
	MarkClassified(ctx context.Context, id uuid.UUID, classifiedAs string) error
	// EventsInRange returns events of the chain with from <= blockNumber <= to,
	// ordered by block number then log index.
	EventsInRange(ctx context.Context, chainName string, from, to int64) ([]Event, error)
	// StoredBlocks returns the distinct (number, hash) pairs recorded for the
	// chain in [from, to], ascending by number.
	StoredBlocks(ctx context.Context, chainName string, from, to int64) ([]StoredBlock, error)
	DeleteEventsInRange(ctx context.Context, chainName string, from, to int64) (int64, error)
}
