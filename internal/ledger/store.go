package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store is the transactional persistence boundary for the ledger.
// Implementations must make InsertEntry atomic (entry plus postings, all or
// nothing) and must fail it with ErrChainConflict when the chain tail has
// moved past prevHash since it was read.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	AccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	AccountByCode(ctx context.Context, code string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// Tail returns the most recent entry, or nil when the ledger is empty.
	Tail(ctx context.Context) (*JournalEntry, error)
	InsertEntry(ctx context.Context, e *JournalEntry) error
	EntryByID(ctx context.Context, id uuid.UUID) (*JournalEntry, error)
	// EntryByReference returns the most recent entry carrying the reference
	// that has not itself been reversed, or ErrEntryNotFound. An entry counts
	// as reversed when a later entry names its id in reversal_of metadata.
	// Re-ingestion after a reorg can give one reference several entries over
	// time; only the one still in force may be returned.
	EntryByReference(ctx context.Context, reference string) (*JournalEntry, error)
	EntryByHash(ctx context.Context, hash string) (*JournalEntry, error)
	// EntryByPrevHash returns the successor of the entry with the given
	// hash, or nil when the entry is the tail.
	EntryByPrevHash(ctx context.Context, prevHash string) (*JournalEntry, error)
	// EntriesAsc returns entries with fromSeq <= Seq <= toSeq in ascending
	// Seq order, postings included. toSeq <= 0 means unbounded.
	EntriesAsc(ctx context.Context, fromSeq, toSeq int64) ([]JournalEntry, error)
}
