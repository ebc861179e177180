package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnbalancedEntry means Σdebit and Σcredit differ by more than the
	// balance epsilon. Rejected before any write.
	ErrUnbalancedEntry = errors.New("ledger: entry postings are not balanced")

	// ErrAccountNotFound means a posting references an account that does not
	// exist. Rejected before any write.
	ErrAccountNotFound = errors.New("ledger: posting account not found")

	// ErrChainConflict means a concurrent append won the chain tail. The
	// caller may retry; the losing append wrote nothing.
	ErrChainConflict = errors.New("ledger: chain tail moved during append")

	// ErrEntryNotFound is returned by lookups for unknown entry ids.
	ErrEntryNotFound = errors.New("ledger: entry not found")

	// ErrEmptyEntry means an append carried no postings.
	ErrEmptyEntry = errors.New("ledger: entry has no postings")
)

// balanceEpsilon is the tolerance for the debits==credits invariant.
// Posting amounts are decimals, but inputs may originate from float-valued
// upstream sources, so exact equality is not demanded.
var balanceEpsilon = decimal.New(1, -2) // 0.01

// JournalEntry is one immutable link of the hash chain. Entries are ordered
// by Seq, assigned at append time; PrevHash of entry N equals Hash of N-1,
// and is empty only for the genesis entry.
type JournalEntry struct {
	ID          uuid.UUID
	Seq         int64
	Date        time.Time
	Description string
	Reference   string // external correlation key (tx hash), empty if none
	Hash        string
	PrevHash    string
	Metadata    map[string]string
	CreatedAt   time.Time
	Postings    []Posting
}

// Posting is one leg of a journal entry. Exactly one of Debit/Credit is
// normally non-zero; both are always >= 0.
type Posting struct {
	ID          uuid.UUID
	EntryID     uuid.UUID
	AccountID   uuid.UUID
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// PostingInput is one requested leg of an append.
type PostingInput struct {
	AccountID   uuid.UUID
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// AppendInput is a requested journal entry.
type AppendInput struct {
	Date        time.Time
	Description string
	Reference   string
	Metadata    map[string]string
	Postings    []PostingInput
}

// Validate checks the pre-write invariants: at least one posting,
// non-negative legs, and Σdebit == Σcredit within balanceEpsilon.
// Account existence is checked separately against the store.
func (in *AppendInput) Validate() error {
	if len(in.Postings) == 0 {
		return ErrEmptyEntry
	}

	var sumDebit, sumCredit decimal.Decimal
	for i, p := range in.Postings {
		if p.Debit.IsNegative() || p.Credit.IsNegative() {
			return fmt.Errorf("posting %d has negative amount: %w", i, ErrUnbalancedEntry)
		}
		sumDebit = sumDebit.Add(p.Debit)
		sumCredit = sumCredit.Add(p.Credit)
	}

	if diff := sumDebit.Sub(sumCredit).Abs(); diff.Cmp(balanceEpsilon) >= 0 {
		return fmt.Errorf("debits %s != credits %s (diff %s): %w",
			sumDebit, sumCredit, diff, ErrUnbalancedEntry)
	}

	return nil
}
