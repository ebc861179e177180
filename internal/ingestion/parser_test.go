package ingestion_test

import (
	"strings"
	"testing"
	"time"

	"chainledger/internal/chain"
	"chainledger/internal/ingestion"

	"github.com/shopspring/decimal"
)

func decimalMust(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rawEvent(data string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:  "chain.events.ethereum.transfers",
		Data:     []byte(data),
		Received: time.Now().UTC(),
	}
}

const validPayload = `{
	"chain": "ethereum",
	"network": "mainnet",
	"tx_hash": "0xabc",
	"block_number": 1234,
	"block_hash": "0xblock",
	"log_index": 2,
	"event_type": "transfer_in",
	"from": "0xsender",
	"to": "0xwallet",
	"asset": "ETH",
	"quantity": "1.5",
	"fiat_value": "3750.25",
	"timestamp_us": 1767225600000000
}`

func TestParseRawEvent_Valid(t *testing.T) {
	e, err := ingestion.ParseRawEvent(rawEvent(validPayload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if e.Chain != "ethereum" || e.TxHash != "0xabc" || e.BlockNumber != 1234 {
		t.Errorf("event fields: %+v", e)
	}
	if e.EventType != chain.EventTransferIn {
		t.Errorf("event type = %s", e.EventType)
	}
	if !e.Quantity.Equal(decimalMust("1.5")) {
		t.Errorf("quantity = %s, want 1.5", e.Quantity)
	}
	if !e.FiatValue.Equal(decimalMust("3750.25")) {
		t.Errorf("fiat value = %s, want 3750.25", e.FiatValue)
	}
	if got := e.Timestamp; got != time.UnixMicro(1767225600000000).UTC() {
		t.Errorf("timestamp = %s", got)
	}
}

func TestParseRawEvent_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"garbage", func(string) string { return "{not json" }, "decode"},
		{"missing chain", dropField("chain"), "missing chain"},
		{"missing tx hash", dropField("tx_hash"), "missing chain, tx_hash"},
		{"missing block hash", dropField("block_hash"), "missing chain"},
		{"missing asset", dropField("asset"), "missing asset"},
		{"unknown event type", replace(`"transfer_in"`, `"airdrop"`), "unknown event type"},
		{"bad quantity", replace(`"1.5"`, `"lots"`), "parse quantity"},
		{"negative quantity", replace(`"1.5"`, `"-1.5"`), "negative quantity"},
		{"negative fiat", replace(`"3750.25"`, `"-1"`), "negative fiat_value"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawEvent(tc.mutate(validPayload)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseRawEvent_EmptyFiatValueDefaultsZero(t *testing.T) {
	payload := strings.Replace(validPayload, `"3750.25"`, `""`, 1)
	e, err := ingestion.ParseRawEvent(rawEvent(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.FiatValue.IsZero() {
		t.Errorf("fiat value = %s, want 0", e.FiatValue)
	}
}

func dropField(field string) func(string) string {
	return func(payload string) string {
		return strings.Replace(payload, `"`+field+`"`, `"`+field+`_renamed"`, 1)
	}
}

func replace(old, new string) func(string) string {
	return func(payload string) string {
		return strings.Replace(payload, old, new, 1)
	}
}
