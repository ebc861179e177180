package classify_test

import (
	"testing"

	"chainledger/internal/chain"
	"chainledger/internal/classify"

	"github.com/shopspring/decimal"
)

func event(eventType chain.EventType, asset, quantity string) *chain.Event {
	return &chain.Event{
		EventType: eventType,
		From:      "0xfrom",
		To:        "0xto",
		Asset:     asset,
		Quantity:  decimal.RequireFromString(quantity),
	}
}

func TestDefaultRules_Directional(t *testing.T) {
	c := classify.NewClassifier(classify.DefaultRules())

	cases := []struct {
		eventType chain.EventType
		want      classify.Class
	}{
		{chain.EventTransferIn, classify.ClassAcquisition},
		{chain.EventTransferOut, classify.ClassDisposal},
		{chain.EventSwap, classify.ClassDisposal},
		{chain.EventFee, classify.ClassDisposal},
	}
	for _, tc := range cases {
		if got := c.Classify(event(tc.eventType, "ETH", "1.5")); got != tc.want {
			t.Errorf("Classify(%s) = %s, want %s", tc.eventType, got, tc.want)
		}
	}
}

func TestDefaultRules_DustIgnored(t *testing.T) {
	c := classify.NewClassifier(classify.DefaultRules())

	if got := c.Classify(event(chain.EventTransferIn, "ETH", "0.000000001")); got != classify.ClassIgnore {
		t.Errorf("dust inbound = %s, want ignore", got)
	}
	if got := c.Classify(event(chain.EventTransferOut, "ETH", "0.000000005")); got != classify.ClassIgnore {
		t.Errorf("dust outbound = %s, want ignore", got)
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	rules := []classify.Rule{
		{
			Name:       "pin-usdc-transfers",
			Conditions: []classify.Condition{{Kind: classify.CondAsset, Asset: "USDC"}},
			Class:      classify.ClassTransfer,
		},
		{
			Name:       "everything-in",
			Conditions: []classify.Condition{{Kind: classify.CondDirection, Direction: classify.DirectionIn}},
			Class:      classify.ClassAcquisition,
		},
	}
	c := classify.NewClassifier(rules)

	if got := c.Classify(event(chain.EventTransferIn, "USDC", "100")); got != classify.ClassTransfer {
		t.Errorf("got %s, want the earlier rule's transfer", got)
	}
	if got := c.Classify(event(chain.EventTransferIn, "ETH", "100")); got != classify.ClassAcquisition {
		t.Errorf("got %s, want acquisition", got)
	}
}

func TestClassify_NoRulesFallsBackOnDirection(t *testing.T) {
	c := classify.NewClassifier(nil)

	if got := c.Classify(event(chain.EventTransferIn, "ETH", "1")); got != classify.ClassAcquisition {
		t.Errorf("inbound fallback = %s, want acquisition", got)
	}
	if got := c.Classify(event(chain.EventTransferOut, "ETH", "1")); got != classify.ClassDisposal {
		t.Errorf("outbound fallback = %s, want disposal", got)
	}
}

func TestCondition_Counterparty(t *testing.T) {
	cond := classify.Condition{Kind: classify.CondCounterparty, Counterparty: "0xFROM"}

	in := event(chain.EventTransferIn, "ETH", "1")
	if !cond.Matches(in) {
		t.Error("inbound counterparty (From) did not match case-insensitively")
	}

	out := event(chain.EventTransferOut, "ETH", "1")
	if cond.Matches(out) {
		t.Error("outbound event matched against From instead of To")
	}
}

func TestCondition_AmountRange(t *testing.T) {
	min := decimal.RequireFromString("1")
	max := decimal.RequireFromString("10")
	cond := classify.Condition{Kind: classify.CondAmountRange, Min: &min, Max: &max}

	if !cond.Matches(event(chain.EventTransferIn, "ETH", "1")) {
		t.Error("lower bound should be inclusive")
	}
	if !cond.Matches(event(chain.EventTransferIn, "ETH", "10")) {
		t.Error("upper bound should be inclusive")
	}
	if cond.Matches(event(chain.EventTransferIn, "ETH", "10.5")) {
		t.Error("value above range matched")
	}
	if cond.Matches(event(chain.EventTransferIn, "ETH", "0.5")) {
		t.Error("value below range matched")
	}
}

func TestCondition_UnknownKindNeverMatches(t *testing.T) {
	cond := classify.Condition{Kind: "typo"}
	if cond.Matches(event(chain.EventTransferIn, "ETH", "1")) {
		t.Error("malformed condition matched")
	}
}

func TestRule_EmptyConditionsMatchEverything(t *testing.T) {
	r := classify.Rule{Name: "catch-all", Class: classify.ClassIgnore}
	if !r.Matches(event(chain.EventTransferIn, "ETH", "1")) {
		t.Error("rule with no conditions should match")
	}
}
