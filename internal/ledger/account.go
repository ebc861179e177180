package ledger

import (
	"time"

	"github.com/google/uuid"
)

// AccountType classifies an account in the chart of accounts.
type AccountType uint8

const (
	AccountTypeAsset AccountType = iota
	AccountTypeLiability
	AccountTypeEquity
	AccountTypeIncome
	AccountTypeExpense
)

func (t AccountType) String() string {
	switch t {
	case AccountTypeAsset:
		return "asset"
	case AccountTypeLiability:
		return "liability"
	case AccountTypeEquity:
		return "equity"
	case AccountTypeIncome:
		return "income"
	case AccountTypeExpense:
		return "expense"
	default:
		return "unknown"
	}
}

// ParseAccountType maps the stored string form back to an AccountType.
func ParseAccountType(s string) (AccountType, bool) {
	switch s {
	case "asset":
		return AccountTypeAsset, true
	case "liability":
		return AccountTypeLiability, true
	case "equity":
		return AccountTypeEquity, true
	case "income":
		return AccountTypeIncome, true
	case "expense":
		return AccountTypeExpense, true
	}
	return 0, false
}

// Account is a posting target, a leaf of the account hierarchy.
// Code is unique across the chart.
type Account struct {
	ID        uuid.UUID
	Code      string
	Name      string
	Type      AccountType
	ParentID  *uuid.UUID
	CreatedAt time.Time
}
