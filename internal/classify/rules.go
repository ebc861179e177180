// Package classify decides which ledger and lot operations a normalized
// blockchain event implies. Rules are data: a tagged-variant condition tree
// evaluated by a pure matcher, kept outside the ledger core so rule changes
// never touch posting or lot logic.
package classify

import (
	"strings"

	"github.com/shopspring/decimal"

	"chainledger/internal/chain"
)

// Class is the resolved treatment of an event.
type Class string

const (
	// ClassAcquisition creates a lot and posts an asset acquisition entry.
	ClassAcquisition Class = "acquisition"
	// ClassDisposal consumes lots FIFO and posts proceeds and realized P&L.
	ClassDisposal Class = "disposal"
	// ClassTransfer is a movement between tracked wallets: an entry with no
	// lot consequence.
	ClassTransfer Class = "transfer"
	// ClassIgnore drops the event (dust, spam tokens, self-approvals).
	ClassIgnore Class = "ignore"
)

// Direction of an event relative to the tracked wallet set.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ConditionKind tags the condition variant.
type ConditionKind string

const (
	CondDirection    ConditionKind = "direction"
	CondCounterparty ConditionKind = "counterparty"
	CondAsset        ConditionKind = "asset"
	CondAmountRange  ConditionKind = "amount_range"
)

// Condition is one tagged-variant predicate over an event. Only the fields
// of the tagged variant are read.
type Condition struct {
	Kind ConditionKind

	// CondDirection
	Direction Direction

	// CondCounterparty, matched case-insensitively against the event's
	// counterparty address (From for inbound, To for outbound).
	Counterparty string

	// CondAsset
	Asset string

	// CondAmountRange: inclusive bounds on quantity; a nil bound is open.
	Min *decimal.Decimal
	Max *decimal.Decimal
}

// Matches evaluates the condition against an event. Unknown kinds never
// match, so a rule with a malformed condition is inert rather than greedy.
func (c Condition) Matches(e *chain.Event) bool {
	switch c.Kind {
	case CondDirection:
		return eventDirection(e) == c.Direction

	case CondCounterparty:
		counterparty := e.From
		if eventDirection(e) == DirectionOut {
			counterparty = e.To
		}
		return strings.EqualFold(counterparty, c.Counterparty)

	case CondAsset:
		return strings.EqualFold(e.Asset, c.Asset)

	case CondAmountRange:
		if c.Min != nil && e.Quantity.Cmp(*c.Min) < 0 {
			return false
		}
		if c.Max != nil && e.Quantity.Cmp(*c.Max) > 0 {
			return false
		}
		return true
	}
	return false
}

func eventDirection(e *chain.Event) Direction {
	switch e.EventType {
	case chain.EventTransferIn:
		return DirectionIn
	case chain.EventTransferOut, chain.EventFee:
		return DirectionOut
	}
	// Swaps are outbound from the wallet's perspective: the disposed leg
	// drives classification, the acquired leg arrives as its own event.
	return DirectionOut
}

// Rule maps events matching all of its conditions to a class.
type Rule struct {
	Name       string
	Conditions []Condition
	Class      Class
}

// Matches reports whether every condition holds (AND semantics). A rule
// with no conditions matches everything.
func (r Rule) Matches(e *chain.Event) bool {
	for _, c := range r.Conditions {
		if !c.Matches(e) {
			return false
		}
	}
	return true
}

// Classifier evaluates an ordered rule table, first match wins.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify resolves an event's class. Events no rule claims fall back on
// direction: inbound is an acquisition, outbound a disposal.
func (c *Classifier) Classify(e *chain.Event) Class {
	for _, r := range c.rules {
		if r.Matches(e) {
			return r.Class
		}
	}
	if eventDirection(e) == DirectionIn {
		return ClassAcquisition
	}
	return ClassDisposal
}

// DefaultRules is the baseline table: fees are disposals (the asset leaves
// the wallet with zero proceeds handled at ingestion), dust below 1e-8 is
// ignored.
func DefaultRules() []Rule {
	dust := decimal.New(1, -8)
	return []Rule{
		{
			Name: "ignore-dust",
			Conditions: []Condition{
				{Kind: CondAmountRange, Max: &dust},
			},
			Class: ClassIgnore,
		},
		{
			Name: "inbound-acquisition",
			Conditions: []Condition{
				{Kind: CondDirection, Direction: DirectionIn},
			},
			Class: ClassAcquisition,
		},
		{
			Name: "outbound-disposal",
			Conditions: []Condition{
				{Kind: CondDirection, Direction: DirectionOut},
			},
			Class: ClassDisposal,
		},
	}
}
