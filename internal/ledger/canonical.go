package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EncodingVersion identifies the canonical entry encoding. The encoding is
// part of the persisted contract: every stored hash was computed over it, so
// any change requires a new version tag and must never rewrite v1 hashes.
const EncodingVersion = "chainledger:entry:v1"

// amountPlaces is the fixed decimal formatting of canonical amounts.
const amountPlaces = 8

// CanonicalEncoding renders the hashed fields of an entry in the v1 layout:
// one field per line, fixed order, dates in RFC3339 UTC, amounts with exactly
// eight decimal places, postings in entry order keyed by account code.
func CanonicalEncoding(date time.Time, description, reference, prevHash string, postings []Posting) string {
	var b strings.Builder
	b.WriteString(EncodingVersion)
	b.WriteByte('\n')
	b.WriteString("date=")
	b.WriteString(date.UTC().Format(time.RFC3339))
	b.WriteByte('\n')
	b.WriteString("description=")
	b.WriteString(description)
	b.WriteByte('\n')
	b.WriteString("reference=")
	b.WriteString(reference)
	b.WriteByte('\n')
	b.WriteString("prev=")
	b.WriteString(prevHash)
	b.WriteByte('\n')

	for _, p := range postings {
		b.WriteString("posting=")
		b.WriteString(p.AccountCode)
		b.WriteByte('|')
		b.WriteString(p.Debit.StringFixed(amountPlaces))
		b.WriteByte('|')
		b.WriteString(p.Credit.StringFixed(amountPlaces))
		b.WriteByte('|')
		b.WriteString(p.Description)
		b.WriteByte('\n')
	}

	return b.String()
}

// EntryHash computes the SHA-256 of the canonical encoding, hex encoded.
func EntryHash(date time.Time, description, reference, prevHash string, postings []Posting) string {
	sum := sha256.Sum256([]byte(CanonicalEncoding(date, description, reference, prevHash, postings)))
	return hex.EncodeToString(sum[:])
}

// RecomputeHash re-derives an existing entry's hash from its stored fields.
// Used by chain verification to detect tampered entries.
func RecomputeHash(e *JournalEntry) string {
	return EntryHash(e.Date, e.Description, e.Reference, e.PrevHash, e.Postings)
}
