package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainledger/internal/chain"
)

// eventJSON is the wire format adapters publish to chain.events.<chain>.>.
// Field names use snake_case to match upstream producers; numeric amounts
// travel as strings so precision survives JSON.
type eventJSON struct {
	Chain       string `json:"chain"`
	Network     string `json:"network"`
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	LogIndex    int    `json:"log_index"`
	EventType   string `json:"event_type"`
	From        string `json:"from"`
	To          string `json:"to"`
	Asset       string `json:"asset"`
	Quantity    string `json:"quantity"`
	FiatValue   string `json:"fiat_value"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseRawEvent decodes and validates one NATS payload into a chain.Event.
func ParseRawEvent(raw RawEvent) (*chain.Event, error) {
	var j eventJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if j.Chain == "" || j.TxHash == "" || j.BlockHash == "" {
		return nil, fmt.Errorf("event missing chain, tx_hash or block_hash")
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("event %s missing asset", j.TxHash)
	}

	eventType := chain.EventType(j.EventType)
	switch eventType {
	case chain.EventTransferIn, chain.EventTransferOut, chain.EventSwap, chain.EventFee:
	default:
		return nil, fmt.Errorf("unknown event type %q", j.EventType)
	}

	quantity, err := decimal.NewFromString(j.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", j.Quantity, err)
	}
	if quantity.IsNegative() {
		return nil, fmt.Errorf("negative quantity %s", quantity)
	}

	fiatValue := decimal.Zero
	if j.FiatValue != "" {
		fiatValue, err = decimal.NewFromString(j.FiatValue)
		if err != nil {
			return nil, fmt.Errorf("parse fiat_value %q: %w", j.FiatValue, err)
		}
		if fiatValue.IsNegative() {
			return nil, fmt.Errorf("negative fiat_value %s", fiatValue)
		}
	}

	return &chain.Event{
		ID:          uuid.New(),
		Chain:       j.Chain,
		Network:     j.Network,
		TxHash:      j.TxHash,
		BlockNumber: j.BlockNumber,
		BlockHash:   j.BlockHash,
		LogIndex:    j.LogIndex,
		EventType:   eventType,
		From:        j.From,
		To:          j.To,
		Asset:       j.Asset,
		Quantity:    quantity,
		FiatValue:   fiatValue,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}
