package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chainledger/internal/ledger"
	"chainledger/internal/observability"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

// ============================================================================
// In-memory store fake
// ============================================================================

type memStore struct {
	accounts map[uuid.UUID]ledger.Account
	byCode   map[string]ledger.Account
	entries  []ledger.JournalEntry

	failInsert error // returned once by the next InsertEntry
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[uuid.UUID]ledger.Account),
		byCode:   make(map[string]ledger.Account),
	}
}

func (m *memStore) CreateAccount(_ context.Context, a *ledger.Account) error {
	m.accounts[a.ID] = *a
	m.byCode[a.Code] = *a
	return nil
}

func (m *memStore) AccountByID(_ context.Context, id uuid.UUID) (*ledger.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *memStore) AccountByCode(_ context.Context, code string) (*ledger.Account, error) {
	a, ok := m.byCode[code]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *memStore) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) Tail(_ context.Context) (*ledger.JournalEntry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

func (m *memStore) InsertEntry(_ context.Context, e *ledger.JournalEntry) error {
	if m.failInsert != nil {
		err := m.failInsert
		m.failInsert = nil
		return err
	}
	var tailHash string
	if len(m.entries) > 0 {
		tailHash = m.entries[len(m.entries)-1].Hash
	}
	if e.PrevHash != tailHash {
		return ledger.ErrChainConflict
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memStore) EntryByID(_ context.Context, id uuid.UUID) (*ledger.JournalEntry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, ledger.ErrEntryNotFound
}

func (m *memStore) EntryByReference(_ context.Context, reference string) (*ledger.JournalEntry, error) {
	if reference == "" {
		return nil, ledger.ErrEntryNotFound
	}
	reversed := make(map[string]bool)
	for _, e := range m.entries {
		if id := e.Metadata[ledger.MetadataReversalOf]; id != "" {
			reversed[id] = true
		}
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Reference == reference && !reversed[e.ID.String()] {
			return &e, nil
		}
	}
	return nil, ledger.ErrEntryNotFound
}

func (m *memStore) EntryByHash(_ context.Context, hash string) (*ledger.JournalEntry, error) {
	for _, e := range m.entries {
		if e.Hash == hash {
			return &e, nil
		}
	}
	return nil, ledger.ErrEntryNotFound
}

func (m *memStore) EntryByPrevHash(_ context.Context, prevHash string) (*ledger.JournalEntry, error) {
	for _, e := range m.entries {
		if e.PrevHash == prevHash {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) EntriesAsc(_ context.Context, fromSeq, toSeq int64) ([]ledger.JournalEntry, error) {
	var out []ledger.JournalEntry
	for _, e := range m.entries {
		if e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ============================================================================
// Test setup
// ============================================================================

type testAccounts struct {
	assets uuid.UUID
	equity uuid.UUID
}

func newTestService(t *testing.T) (*ledger.Service, *memStore, testAccounts) {
	t.Helper()

	store := newMemStore()
	svc := ledger.NewService(store, observability.NewLogger("test"), nil)

	accs := testAccounts{assets: uuid.New(), equity: uuid.New()}
	ctx := context.Background()
	if err := svc.CreateAccount(ctx, &ledger.Account{ID: accs.assets, Code: "1500", Name: "Crypto Assets", Type: ledger.AccountTypeAsset}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := svc.CreateAccount(ctx, &ledger.Account{ID: accs.equity, Code: "3900", Name: "Acquisition Offset", Type: ledger.AccountTypeEquity}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return svc, store, accs
}

func balancedInput(accs testAccounts, amount decimal.Decimal, reference string) ledger.AppendInput {
	return ledger.AppendInput{
		Date:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Description: "test entry",
		Reference:   reference,
		Postings: []ledger.PostingInput{
			{AccountID: accs.assets, Debit: amount},
			{AccountID: accs.equity, Credit: amount},
		},
	}
}

// ============================================================================
// Test: AppendEntry
// ============================================================================

func TestAppendEntry_Genesis(t *testing.T) {
	svc, _, accs := newTestService(t)

	entry, err := svc.AppendEntry(context.Background(), balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.Seq != 1 {
		t.Errorf("seq = %d, want 1", entry.Seq)
	}
	if entry.PrevHash != "" {
		t.Errorf("genesis prevHash = %q, want empty", entry.PrevHash)
	}
	if got := ledger.RecomputeHash(entry); got != entry.Hash {
		t.Errorf("stored hash %s does not match canonical %s", entry.Hash, got)
	}
}

func TestAppendEntry_ChainsToPredecessor(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	first, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(50), "tx2"))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	if second.Seq != first.Seq+1 {
		t.Errorf("seq = %d, want %d", second.Seq, first.Seq+1)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("prevHash = %s, want %s", second.PrevHash, first.Hash)
	}
}

func TestAppendEntry_UnbalancedRejectedBeforeWrite(t *testing.T) {
	svc, store, accs := newTestService(t)

	in := ledger.AppendInput{
		Date:        time.Now().UTC(),
		Description: "unbalanced",
		Postings: []ledger.PostingInput{
			{AccountID: accs.assets, Debit: decimal.NewFromInt(100)},
			{AccountID: accs.equity, Credit: decimal.NewFromInt(90)},
		},
	}
	_, err := svc.AppendEntry(context.Background(), in)
	if !errors.Is(err, ledger.ErrUnbalancedEntry) {
		t.Fatalf("err = %v, want ErrUnbalancedEntry", err)
	}
	if len(store.entries) != 0 {
		t.Errorf("rejected append persisted %d entries, want 0", len(store.entries))
	}
}

func TestAppendEntry_BalanceTolerance(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	within := ledger.AppendInput{
		Date:        time.Now().UTC(),
		Description: "rounding drift",
		Postings: []ledger.PostingInput{
			{AccountID: accs.assets, Debit: decimal.RequireFromString("100.005")},
			{AccountID: accs.equity, Credit: decimal.NewFromInt(100)},
		},
	}
	if _, err := svc.AppendEntry(ctx, within); err != nil {
		t.Errorf("diff below tolerance rejected: %v", err)
	}

	at := ledger.AppendInput{
		Date:        time.Now().UTC(),
		Description: "at tolerance",
		Postings: []ledger.PostingInput{
			{AccountID: accs.assets, Debit: decimal.RequireFromString("100.01")},
			{AccountID: accs.equity, Credit: decimal.NewFromInt(100)},
		},
	}
	if _, err := svc.AppendEntry(ctx, at); !errors.Is(err, ledger.ErrUnbalancedEntry) {
		t.Errorf("diff at tolerance: err = %v, want ErrUnbalancedEntry", err)
	}
}

func TestAppendEntry_NegativeLegRejected(t *testing.T) {
	svc, _, accs := newTestService(t)

	in := ledger.AppendInput{
		Date:        time.Now().UTC(),
		Description: "negative leg",
		Postings: []ledger.PostingInput{
			{AccountID: accs.assets, Debit: decimal.NewFromInt(-100)},
			{AccountID: accs.equity, Credit: decimal.NewFromInt(-100)},
		},
	}
	if _, err := svc.AppendEntry(context.Background(), in); !errors.Is(err, ledger.ErrUnbalancedEntry) {
		t.Errorf("err = %v, want ErrUnbalancedEntry", err)
	}
}

func TestAppendEntry_EmptyRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AppendEntry(context.Background(), ledger.AppendInput{Date: time.Now().UTC()})
	if !errors.Is(err, ledger.ErrEmptyEntry) {
		t.Errorf("err = %v, want ErrEmptyEntry", err)
	}
}

func TestAppendEntry_UnknownAccountRejected(t *testing.T) {
	svc, store, accs := newTestService(t)

	in := ledger.AppendInput{
		Date:        time.Now().UTC(),
		Description: "unknown account",
		Postings: []ledger.PostingInput{
			{AccountID: uuid.New(), Debit: decimal.NewFromInt(100)},
			{AccountID: accs.equity, Credit: decimal.NewFromInt(100)},
		},
	}
	if _, err := svc.AppendEntry(context.Background(), in); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
	if len(store.entries) != 0 {
		t.Errorf("rejected append persisted %d entries, want 0", len(store.entries))
	}
}

func TestAppendEntry_ChainConflictSurfaced(t *testing.T) {
	svc, store, accs := newTestService(t)

	store.failInsert = ledger.ErrChainConflict
	_, err := svc.AppendEntry(context.Background(), balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if !errors.Is(err, ledger.ErrChainConflict) {
		t.Errorf("err = %v, want ErrChainConflict", err)
	}
}

func TestAppendEntry_HashStableAfterStorageRounding(t *testing.T) {
	svc, store, accs := newTestService(t)

	// Digits nine and ten are "49" with a following digit >= 5: storing the
	// raw value at ten places and re-rendering at eight would round up to
	// ...79 while the appended hash saw ...78.
	amount := decimal.RequireFromString("0.12345678495")
	entry, err := svc.AppendEntry(context.Background(), balancedInput(accs, amount, "tx1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	want := decimal.RequireFromString("0.12345678")
	if !entry.Postings[0].Debit.Equal(want) {
		t.Errorf("persisted debit = %s, want %s", entry.Postings[0].Debit, want)
	}

	// Simulate the round trip through a ten-place NUMERIC column.
	stored := store.entries[0]
	for i := range stored.Postings {
		stored.Postings[i].Debit = stored.Postings[i].Debit.Round(10)
		stored.Postings[i].Credit = stored.Postings[i].Credit.Round(10)
	}
	if got := ledger.RecomputeHash(&stored); got != entry.Hash {
		t.Errorf("hash after storage round trip = %s, want %s", got, entry.Hash)
	}

	result, err := svc.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("chain invalid after storage rounding: %+v", result)
	}
}

func TestAppendEntry_RejectionReasonsLabelled(t *testing.T) {
	metrics := &observability.Metrics{
		LedgerEntriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_ledger_entries_rejected_total",
		}, []string{"reason"}),
	}
	store := newMemStore()
	svc := ledger.NewService(store, observability.NewLogger("test"), metrics)
	ctx := context.Background()

	accs := testAccounts{assets: uuid.New(), equity: uuid.New()}
	if err := svc.CreateAccount(ctx, &ledger.Account{ID: accs.assets, Code: "1500", Type: ledger.AccountTypeAsset}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := svc.CreateAccount(ctx, &ledger.Account{ID: accs.equity, Code: "3900", Type: ledger.AccountTypeEquity}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	if _, err := svc.AppendEntry(ctx, ledger.AppendInput{Date: time.Now().UTC()}); !errors.Is(err, ledger.ErrEmptyEntry) {
		t.Fatalf("err = %v, want ErrEmptyEntry", err)
	}
	unbalanced := ledger.AppendInput{
		Date: time.Now().UTC(),
		Postings: []ledger.PostingInput{
			{AccountID: accs.assets, Debit: decimal.NewFromInt(100)},
			{AccountID: accs.equity, Credit: decimal.NewFromInt(90)},
		},
	}
	if _, err := svc.AppendEntry(ctx, unbalanced); !errors.Is(err, ledger.ErrUnbalancedEntry) {
		t.Fatalf("err = %v, want ErrUnbalancedEntry", err)
	}

	if got := promtest.ToFloat64(metrics.LedgerEntriesRejected.WithLabelValues("empty")); got != 1 {
		t.Errorf("empty rejections = %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.LedgerEntriesRejected.WithLabelValues("unbalanced")); got != 1 {
		t.Errorf("unbalanced rejections = %v, want 1", got)
	}
}

// ============================================================================
// Test: ReverseEntry
// ============================================================================

func TestReverseEntry_SwapsLegs(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	original, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	reversal, err := svc.ReverseEntry(ctx, original.ID, "reorg unwind")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}

	if len(reversal.Postings) != len(original.Postings) {
		t.Fatalf("reversal has %d postings, want %d", len(reversal.Postings), len(original.Postings))
	}
	for i, p := range reversal.Postings {
		if !p.Debit.Equal(original.Postings[i].Credit) || !p.Credit.Equal(original.Postings[i].Debit) {
			t.Errorf("posting %d not swapped: debit=%s credit=%s", i, p.Debit, p.Credit)
		}
	}
	if reversal.Metadata[ledger.MetadataReversalOf] != original.ID.String() {
		t.Errorf("metadata %s = %q, want original id", ledger.MetadataReversalOf, reversal.Metadata[ledger.MetadataReversalOf])
	}
	if reversal.Metadata[ledger.MetadataReversalReason] != "reorg unwind" {
		t.Errorf("metadata reason = %q", reversal.Metadata[ledger.MetadataReversalReason])
	}
}

func TestReverseEntry_OriginalKeepsReference(t *testing.T) {
	svc, store, accs := newTestService(t)
	ctx := context.Background()

	original, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	reversal, err := svc.ReverseEntry(ctx, original.ID, "reorg unwind")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.Reference != "" {
		t.Errorf("reversal carries reference %q, want empty", reversal.Reference)
	}
	if store.entries[0].Reference != "tx1" {
		t.Errorf("original reference mutated to %q", store.entries[0].Reference)
	}
}

func TestEntryByReference_SkipsReversedEntries(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	first, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.ReverseEntry(ctx, first.ID, "chain rewrite"); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	// A reversed entry is no longer in force for its reference.
	if _, err := svc.EntryByReference(ctx, "tx1"); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("reversed entry still resolves: err = %v", err)
	}

	// After re-ingestion the same reference points at the replacement entry,
	// so a later unwind reverses it and not the original a second time.
	second, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(120), "tx1"))
	if err != nil {
		t.Fatalf("append replacement: %v", err)
	}
	found, err := svc.EntryByReference(ctx, "tx1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != second.ID {
		t.Errorf("reference resolved to %s, want replacement %s", found.ID, second.ID)
	}
}

func TestReverseEntry_UnknownID(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ReverseEntry(context.Background(), uuid.New(), "nope")
	if !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

// ============================================================================
// Test: GetProof
// ============================================================================

func TestGetProof_ValidChain(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	var entries []*ledger.JournalEntry
	for i := 0; i < 3; i++ {
		e, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(int64(10+i)), ""))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		entries = append(entries, e)
	}

	for i, e := range entries {
		proof, err := svc.GetProof(ctx, e.ID)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		if !proof.Valid() {
			t.Errorf("entry %d proof invalid: %+v", i, proof)
		}
	}

	genesis, _ := svc.GetProof(ctx, entries[0].ID)
	if !genesis.IsGenesis {
		t.Error("first entry not reported as genesis")
	}
	tail, _ := svc.GetProof(ctx, entries[2].ID)
	if !tail.IsTail {
		t.Error("last entry not reported as tail")
	}
}

func TestGetProof_DetectsTampering(t *testing.T) {
	svc, store, accs := newTestService(t)
	ctx := context.Background()

	e, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(100), "tx1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Mutate the stored amount behind the service's back.
	store.entries[0].Postings[0].Debit = decimal.NewFromInt(999)

	proof, err := svc.GetProof(ctx, e.ID)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if proof.HashValid {
		t.Error("tampered entry still reports a valid hash")
	}
	if proof.Valid() {
		t.Error("tampered entry proof reports valid")
	}
}

// ============================================================================
// Test: VerifyChain
// ============================================================================

func TestVerifyChain_EmptyLedgerValid(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Error("empty ledger reported invalid")
	}
	if result.TotalEntries != 0 {
		t.Errorf("TotalEntries = %d, want 0", result.TotalEntries)
	}
}

func TestVerifyChain_WholeChainValid(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(int64(i+1)), "")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	result, err := svc.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("chain reported invalid: %+v", result)
	}
	if result.TotalEntries != 5 {
		t.Errorf("TotalEntries = %d, want 5", result.TotalEntries)
	}
}

func TestVerifyChain_DetectsMutatedEntry(t *testing.T) {
	svc, store, accs := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(int64(i+1)), "")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	store.entries[1].Description = "rewritten history"

	result, err := svc.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("mutated chain reported valid")
	}
	if result.BrokenSeq != 2 {
		t.Errorf("BrokenSeq = %d, want 2", result.BrokenSeq)
	}
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	svc, store, accs := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(int64(i+1)), "")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Relink in the store and recompute the stored hash so the per-entry
	// hash check passes but the predecessor link is broken.
	e := &store.entries[2]
	e.PrevHash = "0000"
	e.Hash = ledger.RecomputeHash(e)

	result, err := svc.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("broken link reported valid")
	}
	if result.BrokenSeq != 3 {
		t.Errorf("BrokenSeq = %d, want 3", result.BrokenSeq)
	}
}

func TestVerifyChain_SubrangeSkipsGenesisCheck(t *testing.T) {
	svc, _, accs := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := svc.AppendEntry(ctx, balancedInput(accs, decimal.NewFromInt(int64(i+1)), "")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	result, err := svc.VerifyChain(ctx, 2, 3)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("subrange reported invalid: %+v", result)
	}
	if result.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2", result.TotalEntries)
	}
}
