package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainledger/internal/chain"
	"chainledger/internal/classify"
	"chainledger/internal/ledger"
	"chainledger/internal/lots"
	"chainledger/internal/observability"
	"chainledger/internal/reorg"
)

// AccountCodes names the chart-of-accounts slots ingestion posts to.
type AccountCodes struct {
	CryptoAssets      string // asset holdings at cost
	AcquisitionOffset string // equity offset for inbound acquisitions
	DisposalProceeds  string // cash/receivable side of disposals
	RealizedGains     string // income
	RealizedLosses    string // expense
}

// DefaultAccountCodes returns the standard chart slots.
func DefaultAccountCodes() AccountCodes {
	return AccountCodes{
		CryptoAssets:      "1500",
		AcquisitionOffset: "3900",
		DisposalProceeds:  "1100",
		RealizedGains:     "4200",
		RealizedLosses:    "5100",
	}
}

// Ingester turns normalized chain events into ledger entries and lot
// operations. It holds the chain's processing lock while applying an event,
// the same lock reorg recovery holds for a whole unwind, so an event never
// lands inside a range being rewritten.
type Ingester struct {
	events     chain.EventStore
	ledger     *ledger.Service
	lots       *lots.Engine
	classifier *classify.Classifier
	locks      *reorg.ChainLocks
	codes      AccountCodes
	log        zerolog.Logger
	metrics    *observability.Metrics

	// resolved at startup from the chart of accounts
	cryptoAssets      uuid.UUID
	acquisitionOffset uuid.UUID
	disposalProceeds  uuid.UUID
	realizedGains     uuid.UUID
	realizedLosses    uuid.UUID
}

func NewIngester(
	events chain.EventStore,
	ledgerSvc *ledger.Service,
	lotEngine *lots.Engine,
	classifier *classify.Classifier,
	locks *reorg.ChainLocks,
	codes AccountCodes,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Ingester {
	return &Ingester{
		events:     events,
		ledger:     ledgerSvc,
		lots:       lotEngine,
		classifier: classifier,
		locks:      locks,
		codes:      codes,
		log:        log,
		metrics:    metrics,
	}
}

// ResolveAccounts looks up the configured account codes. Must be called once
// before Ingest; a missing account is a deployment error, not a per-event one.
func (ig *Ingester) ResolveAccounts(ctx context.Context) error {
	resolve := func(code string, dst *uuid.UUID) error {
		account, err := ig.ledger.AccountByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("account code %q: %w", code, err)
		}
		*dst = account.ID
		return nil
	}

	if err := resolve(ig.codes.CryptoAssets, &ig.cryptoAssets); err != nil {
		return err
	}
	if err := resolve(ig.codes.AcquisitionOffset, &ig.acquisitionOffset); err != nil {
		return err
	}
	if err := resolve(ig.codes.DisposalProceeds, &ig.disposalProceeds); err != nil {
		return err
	}
	if err := resolve(ig.codes.RealizedGains, &ig.realizedGains); err != nil {
		return err
	}
	return resolve(ig.codes.RealizedLosses, &ig.realizedLosses)
}

// Ingest stores, classifies and applies one event. A redelivery of a fully
// processed event (same chain, txHash, logIndex) is skipped; a redelivery of
// an event stored by an earlier delivery that failed mid-apply resumes from
// the stored row, with each effect checking what already landed, so
// at-least-once delivery converges instead of stranding partial state.
// ErrInsufficientLots is a terminal business failure: the event stays stored
// and unprocessed for manual review, and the message must not be redelivered.
func (ig *Ingester) Ingest(ctx context.Context, ev *chain.Event) error {
	lock := ig.locks.Lock(ev.Chain)
	lock.Lock()
	defer lock.Unlock()

	existing, err := ig.events.EventByKey(ctx, ev.Chain, ev.TxHash, ev.LogIndex)
	if err != nil && !errors.Is(err, chain.ErrEventNotFound) {
		return fmt.Errorf("dedup check: %w", err)
	}

	resume := false
	switch {
	case existing != nil && existing.Processed:
		ig.countRejected(ev.Chain, "duplicate")
		return nil
	case existing != nil:
		ev = existing
		resume = true
		ig.log.Warn().
			Str("chain", ev.Chain).
			Str("tx_hash", ev.TxHash).
			Int("log_index", ev.LogIndex).
			Msg("resuming partially applied event")
	default:
		if err := ig.events.InsertEvent(ctx, ev); err != nil {
			return fmt.Errorf("store event: %w", err)
		}
	}

	class := ig.classifier.Classify(ev)
	if err := ig.applyClass(ctx, ev, class, resume); err != nil {
		return err
	}

	if err := ig.events.MarkClassified(ctx, ev.ID, string(class)); err != nil {
		return fmt.Errorf("mark classified: %w", err)
	}

	if ig.metrics != nil {
		ig.metrics.EventsIngested.WithLabelValues(ev.Chain, string(ev.EventType)).Inc()
	}
	ig.log.Debug().
		Str("chain", ev.Chain).
		Str("tx_hash", ev.TxHash).
		Int("log_index", ev.LogIndex).
		Str("class", string(class)).
		Msg("event ingested")

	return nil
}

func (ig *Ingester) applyClass(ctx context.Context, ev *chain.Event, class classify.Class, resume bool) error {
	switch class {
	case classify.ClassIgnore:
		ig.countRejected(ev.Chain, "ignored")
		return nil

	case classify.ClassAcquisition:
		return ig.applyAcquisition(ctx, ev, resume)

	case classify.ClassDisposal:
		return ig.applyDisposal(ctx, ev, resume)

	case classify.ClassTransfer:
		return ig.applyTransfer(ctx, ev, resume)
	}
	return fmt.Errorf("unhandled class %q", class)
}

// applyAcquisition creates a lot at the event's fiat value and posts
// crypto-assets against the acquisition offset.
func (ig *Ingester) applyAcquisition(ctx context.Context, ev *chain.Event, resume bool) error {
	createLot := true
	if resume {
		prior, err := ig.lots.LotsByReference(ctx, ev.TxHash)
		if err != nil {
			return fmt.Errorf("lot lookup: %w", err)
		}
		createLot = len(prior) == 0
	}
	if createLot {
		if _, err := ig.lots.CreateLot(ctx, ev.Asset, ev.Quantity, ev.FiatValue, ev.Timestamp, ev.Chain, ev.TxHash); err != nil {
			return fmt.Errorf("create lot: %w", err)
		}
	}

	if resume {
		done, err := ig.entryExists(ctx, ev.TxHash)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	_, err := ig.ledger.AppendEntry(ctx, ledger.AppendInput{
		Date:        ev.Timestamp,
		Description: fmt.Sprintf("acquire %s %s on %s", ev.Quantity, ev.Asset, ev.Chain),
		Reference:   ev.TxHash,
		Metadata:    eventMetadata(ev),
		Postings: []ledger.PostingInput{
			{AccountID: ig.cryptoAssets, Debit: ev.FiatValue},
			{AccountID: ig.acquisitionOffset, Credit: ev.FiatValue},
		},
	})
	if err != nil {
		return fmt.Errorf("append acquisition entry: %w", err)
	}
	return nil
}

// applyDisposal consumes lots FIFO and posts proceeds, cost-basis relief and
// realized P&L. proceeds = cost basis + pnl keeps the entry balanced without
// plugging. On resume, disposals already written by an earlier delivery are
// summed instead of allocated again.
func (ig *Ingester) applyDisposal(ctx context.Context, ev *chain.Event, resume bool) error {
	var proceeds, costBasis, pnl decimal.Decimal
	allocated := false
	if resume {
		prior, err := ig.lots.DisposalsByReference(ctx, ev.TxHash)
		if err != nil {
			return fmt.Errorf("disposal lookup: %w", err)
		}
		for _, d := range prior {
			proceeds = proceeds.Add(d.TotalProceeds)
			costBasis = costBasis.Add(d.TotalCostBasis)
			pnl = pnl.Add(d.RealizedPnL)
		}
		allocated = len(prior) > 0
	}

	if !allocated {
		result, err := ig.lots.DisposeLots(ctx, ev.Asset, ev.Quantity, ev.FiatValue, ev.Timestamp, ev.TxHash)
		if err != nil {
			if errors.Is(err, lots.ErrInsufficientLots) {
				ig.countRejected(ev.Chain, "insufficient_lots")
				ig.log.Error().
					Str("chain", ev.Chain).
					Str("tx_hash", ev.TxHash).
					Str("asset", ev.Asset).
					Str("quantity", ev.Quantity.String()).
					Msg("disposal exceeds tracked lots, event held for review")
			}
			return fmt.Errorf("dispose lots: %w", err)
		}
		proceeds = result.TotalProceeds
		costBasis = result.TotalCostBasis
		pnl = result.TotalRealizedPnL
	}

	if resume {
		done, err := ig.entryExists(ctx, ev.TxHash)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	postings := []ledger.PostingInput{
		{AccountID: ig.disposalProceeds, Debit: proceeds},
		{AccountID: ig.cryptoAssets, Credit: costBasis},
	}
	switch {
	case pnl.Sign() > 0:
		postings = append(postings, ledger.PostingInput{AccountID: ig.realizedGains, Credit: pnl})
	case pnl.Sign() < 0:
		postings = append(postings, ledger.PostingInput{AccountID: ig.realizedLosses, Debit: pnl.Neg()})
	}

	_, err := ig.ledger.AppendEntry(ctx, ledger.AppendInput{
		Date:        ev.Timestamp,
		Description: fmt.Sprintf("dispose %s %s on %s", ev.Quantity, ev.Asset, ev.Chain),
		Reference:   ev.TxHash,
		Metadata:    eventMetadata(ev),
		Postings:    postings,
	})
	if err != nil {
		return fmt.Errorf("append disposal entry: %w", err)
	}
	return nil
}

// applyTransfer records a movement between tracked wallets: a net-zero entry
// on the crypto-assets account keeps an auditable, reversible trace without
// touching lots or P&L.
func (ig *Ingester) applyTransfer(ctx context.Context, ev *chain.Event, resume bool) error {
	if resume {
		done, err := ig.entryExists(ctx, ev.TxHash)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	_, err := ig.ledger.AppendEntry(ctx, ledger.AppendInput{
		Date:        ev.Timestamp,
		Description: fmt.Sprintf("internal transfer %s %s on %s", ev.Quantity, ev.Asset, ev.Chain),
		Reference:   ev.TxHash,
		Metadata:    eventMetadata(ev),
		Postings: []ledger.PostingInput{
			{AccountID: ig.cryptoAssets, Debit: ev.FiatValue, Description: "to " + ev.To},
			{AccountID: ig.cryptoAssets, Credit: ev.FiatValue, Description: "from " + ev.From},
		},
	})
	if err != nil {
		return fmt.Errorf("append transfer entry: %w", err)
	}
	return nil
}

// Run drains the raw event channel until ctx is cancelled. Transient
// failures NAK for redelivery; decode failures and terminal business
// failures ACK so the message is not retried.
func (ig *Ingester) Run(ctx context.Context, rawChan <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			ig.handleRaw(ctx, raw)
		}
	}
}

func (ig *Ingester) handleRaw(ctx context.Context, raw RawEvent) {
	ev, err := ParseRawEvent(raw)
	if err != nil {
		ig.log.Error().Err(err).Str("subject", raw.Subject).Msg("undecodable event dropped")
		ig.countRejected("unknown", "decode_error")
		raw.AckFunc()
		return
	}

	if err := ig.Ingest(ctx, ev); err != nil {
		if errors.Is(err, lots.ErrInsufficientLots) {
			raw.AckFunc()
			return
		}
		ig.log.Warn().Err(err).Str("tx_hash", ev.TxHash).Msg("ingest failed, will redeliver")
		raw.NakFunc()
		return
	}

	raw.AckFunc()
}

// entryExists reports whether an in-force entry already carries the
// reference, so a resumed apply never appends the same entry twice.
func (ig *Ingester) entryExists(ctx context.Context, reference string) (bool, error) {
	_, err := ig.ledger.EntryByReference(ctx, reference)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("entry lookup: %w", err)
	}
	return true, nil
}

func (ig *Ingester) countRejected(chainName, reason string) {
	if ig.metrics != nil {
		ig.metrics.EventsRejected.WithLabelValues(chainName, reason).Inc()
	}
}

func eventMetadata(ev *chain.Event) map[string]string {
	return map[string]string{
		"chain":        ev.Chain,
		"network":      ev.Network,
		"block_number": fmt.Sprintf("%d", ev.BlockNumber),
		"block_hash":   ev.BlockHash,
		"log_index":    fmt.Sprintf("%d", ev.LogIndex),
	}
}
