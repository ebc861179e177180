package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chainledger/internal/ledger"
)

// LedgerStore is the Postgres implementation of ledger.Store.
//
// Append serialization: InsertEntry locks the chain tail row FOR UPDATE
// inside its transaction and compares the tail hash against the new entry's
// prevHash; a moved tail rolls back with ledger.ErrChainConflict. Unique
// indexes on seq, hash and prev_hash back the check against writers outside
// this process.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) CreateAccount(ctx context.Context, a *ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, code, name, type, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Code, a.Name, a.Type.String(), a.ParentID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.Code, err)
	}
	return nil
}

const accountColumns = `id, code, name, type, parent_id, created_at`

func (s *LedgerStore) AccountByID(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *LedgerStore) AccountByCode(ctx context.Context, code string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE code = $1`, code)
	return scanAccount(row)
}

func (s *LedgerStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

const entryColumns = `id, seq, date, description, reference, hash, prev_hash, metadata, created_at`

func (s *LedgerStore) Tail(ctx context.Context) (*ledger.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries ORDER BY seq DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, nil
	}
	return entry, err
}

func (s *LedgerStore) InsertEntry(ctx context.Context, e *ledger.JournalEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		var tailHash string
		err := tx.QueryRowContext(ctx,
			`SELECT hash FROM journal_entries ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		).Scan(&tailHash)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lock tail: %w", err)
		}
		if tailHash != e.PrevHash {
			return ledger.ErrChainConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO journal_entries (id, seq, date, description, reference, hash, prev_hash, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.Seq, e.Date, e.Description, e.Reference, e.Hash, e.PrevHash, metadata, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}

		return insertPostings(ctx, tx, e.Postings)
	})
	if isUniqueViolation(err) {
		// Another writer landed on the same tail between our read and
		// commit; the unique indexes on seq/prev_hash catch it.
		return ledger.ErrChainConflict
	}
	return err
}

// insertPostings writes all postings of one entry with a multi-row INSERT.
func insertPostings(ctx context.Context, tx *sql.Tx, postings []ledger.Posting) error {
	if len(postings) == 0 {
		return nil
	}

	query := `INSERT INTO postings (id, entry_id, account_id, debit, credit, description) VALUES `
	values := make([]string, 0, len(postings))
	args := make([]interface{}, 0, len(postings)*6)

	for i, p := range postings {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, p.ID, p.EntryID, p.AccountID, p.Debit, p.Credit, p.Description)
	}

	if _, err := tx.ExecContext(ctx, query+strings.Join(values, ", "), args...); err != nil {
		return fmt.Errorf("insert postings: %w", err)
	}
	return nil
}

func (s *LedgerStore) EntryByID(ctx context.Context, id uuid.UUID) (*ledger.JournalEntry, error) {
	return s.entryWhere(ctx, `id = $1`, id)
}

// EntryByReference skips entries already reversed, so after a reorg cycle
// re-ingests the same tx hash a later unwind resolves the re-ingested entry
// and never reverses the original twice.
func (s *LedgerStore) EntryByReference(ctx context.Context, reference string) (*ledger.JournalEntry, error) {
	return s.entryWhere(ctx, `reference = $1
		AND NOT EXISTS (
			SELECT 1 FROM journal_entries r
			WHERE r.metadata->>'`+ledger.MetadataReversalOf+`' = journal_entries.id::text
		)
		ORDER BY seq DESC LIMIT 1`, reference)
}

func (s *LedgerStore) EntryByHash(ctx context.Context, hash string) (*ledger.JournalEntry, error) {
	return s.entryWhere(ctx, `hash = $1`, hash)
}

func (s *LedgerStore) EntryByPrevHash(ctx context.Context, prevHash string) (*ledger.JournalEntry, error) {
	return s.entryWhere(ctx, `prev_hash = $1`, prevHash)
}

func (s *LedgerStore) entryWhere(ctx context.Context, where string, arg interface{}) (*ledger.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE `+where, arg)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachPostings(ctx, []*ledger.JournalEntry{entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *LedgerStore) EntriesAsc(ctx context.Context, fromSeq, toSeq int64) ([]ledger.JournalEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE seq >= $1`
	args := []interface{}{fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $2`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.JournalEntry
	var refs []*ledger.JournalEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		refs = append(refs, &entries[i])
	}
	if err := s.attachPostings(ctx, refs); err != nil {
		return nil, err
	}
	return entries, nil
}

// attachPostings loads postings for a set of entries in one query.
func (s *LedgerStore) attachPostings(ctx context.Context, entries []*ledger.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*ledger.JournalEntry, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		ids = append(ids, e.ID.String())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.entry_id, p.account_id, a.code, p.debit, p.credit, p.description
		FROM postings p
		JOIN accounts a ON a.id = p.account_id
		WHERE p.entry_id = ANY($1)
		ORDER BY p.entry_id, p.id`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("load postings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ledger.Posting
		if err := rows.Scan(&p.ID, &p.EntryID, &p.AccountID, &p.AccountCode, &p.Debit, &p.Credit, &p.Description); err != nil {
			return err
		}
		if e, ok := byID[p.EntryID]; ok {
			e.Postings = append(e.Postings, p)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row *sql.Row) (*ledger.Account, error) {
	a, err := scanAccountRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	return a, err
}

func scanAccountRows(row rowScanner) (*ledger.Account, error) {
	var a ledger.Account
	var typeName string
	if err := row.Scan(&a.ID, &a.Code, &a.Name, &typeName, &a.ParentID, &a.CreatedAt); err != nil {
		return nil, err
	}
	t, ok := ledger.ParseAccountType(typeName)
	if !ok {
		return nil, fmt.Errorf("account %s has unknown type %q", a.Code, typeName)
	}
	a.Type = t
	return &a, nil
}

func scanEntry(row *sql.Row) (*ledger.JournalEntry, error) {
	e, err := scanEntryRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	return e, err
}

func scanEntryRows(row rowScanner) (*ledger.JournalEntry, error) {
	var e ledger.JournalEntry
	var metadata []byte
	if err := row.Scan(&e.ID, &e.Seq, &e.Date, &e.Description, &e.Reference,
		&e.Hash, &e.PrevHash, &metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
