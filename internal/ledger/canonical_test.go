package ledger_test

import (
	"strings"
	"testing"
	"time"

	"chainledger/internal/ledger"

	"github.com/shopspring/decimal"
)

func testPostings() []ledger.Posting {
	return []ledger.Posting{
		{AccountCode: "1500", Debit: decimal.NewFromInt(100), Credit: decimal.Zero, Description: "acquire"},
		{AccountCode: "3900", Debit: decimal.Zero, Credit: decimal.NewFromInt(100), Description: "offset"},
	}
}

func TestCanonicalEncoding_Layout(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	enc := ledger.CanonicalEncoding(date, "buy 1 ETH", "0xabc", "prevhash", testPostings())

	lines := strings.Split(strings.TrimRight(enc, "\n"), "\n")
	want := []string{
		ledger.EncodingVersion,
		"date=2026-03-01T12:30:00Z",
		"description=buy 1 ETH",
		"reference=0xabc",
		"prev=prevhash",
		"posting=1500|100.00000000|0.00000000|acquire",
		"posting=3900|0.00000000|100.00000000|offset",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), enc)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestCanonicalEncoding_NormalizesTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	utc := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := utc.In(loc)

	a := ledger.EntryHash(utc, "d", "r", "", testPostings())
	b := ledger.EntryHash(local, "d", "r", "", testPostings())
	if a != b {
		t.Errorf("hash differs across timezones: %s vs %s", a, b)
	}
}

func TestEntryHash_Deterministic(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := ledger.EntryHash(date, "d", "r", "prev", testPostings())
	b := ledger.EntryHash(date, "d", "r", "prev", testPostings())
	if a != b {
		t.Errorf("same input produced different hashes: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestEntryHash_SensitiveToEveryField(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := ledger.EntryHash(date, "d", "r", "prev", testPostings())

	cases := map[string]string{
		"date":        ledger.EntryHash(date.Add(time.Second), "d", "r", "prev", testPostings()),
		"description": ledger.EntryHash(date, "d2", "r", "prev", testPostings()),
		"reference":   ledger.EntryHash(date, "d", "r2", "prev", testPostings()),
		"prevHash":    ledger.EntryHash(date, "d", "r", "prev2", testPostings()),
	}

	amended := testPostings()
	amended[0].Debit = decimal.NewFromInt(101)
	cases["posting amount"] = ledger.EntryHash(date, "d", "r", "prev", amended)

	for field, h := range cases {
		if h == base {
			t.Errorf("changing %s did not change the hash", field)
		}
	}
}

func TestRecomputeHash_MatchesEntryHash(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &ledger.JournalEntry{
		Date:        date,
		Description: "d",
		Reference:   "r",
		PrevHash:    "prev",
		Postings:    testPostings(),
	}
	e.Hash = ledger.EntryHash(e.Date, e.Description, e.Reference, e.PrevHash, e.Postings)

	if got := ledger.RecomputeHash(e); got != e.Hash {
		t.Errorf("RecomputeHash = %s, want %s", got, e.Hash)
	}
}
