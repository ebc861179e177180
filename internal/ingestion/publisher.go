package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"chainledger/internal/observability"
	"chainledger/internal/reorg"
)

// Publisher emits control messages: wallet resync requests after a reorg
// unwind, and operator alerts for deep reorgs. Both land on the
// CHAIN_CONTROL stream for downstream consumers (the adapter fleet and the
// notification service).
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, log: log, metrics: metrics}
}

// resyncRequest is the wire format on chain.resync.<chain>.
type resyncRequest struct {
	Chain       string    `json:"chain"`
	FromBlock   int64     `json:"from_block"`
	RequestedAt time.Time `json:"requested_at"`
}

// RequestResync asks the adapter fleet to re-ingest every wallet on the
// chain starting at fromBlock.
func (p *Publisher) RequestResync(ctx context.Context, chainName string, fromBlock int64) error {
	payload, err := json.Marshal(resyncRequest{
		Chain:       chainName,
		FromBlock:   fromBlock,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode resync request: %w", err)
	}

	subject := "chain.resync." + chainName
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	if p.metrics != nil {
		p.metrics.ResyncRequests.WithLabelValues(chainName).Inc()
	}
	p.log.Info().
		Str("chain", chainName).
		Int64("from_block", fromBlock).
		Msg("resync requested")

	return nil
}

// PublishReorgAlert notifies operators of a deep reorg.
func (p *Publisher) PublishReorgAlert(ctx context.Context, alert reorg.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	if _, err := p.js.Publish(ctx, "chain.reorg.alerts", payload); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	if p.metrics != nil {
		p.metrics.AlertsPublished.WithLabelValues(alert.Chain).Inc()
	}
	p.log.Warn().
		Str("chain", alert.Chain).
		Int64("from_block", alert.FromBlock).
		Int64("to_block", alert.ToBlock).
		Int64("depth", alert.Depth).
		Msg("deep reorg alert published")

	return nil
}
