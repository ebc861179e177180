// Package reorg detects blockchain rewrites and drives recovery: reversing
// affected journal entries, restoring consumed lots, retracting events, and
// rolling the finalization watermark back so resync can rebuild from the
// canonical chain.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chainledger/internal/chain"
	"chainledger/internal/ledger"
	"chainledger/internal/lots"
	"chainledger/internal/observability"
)

// State of one chain's recovery machine.
type State string

const (
	StateSynced        State = "SYNCED"
	StateReorgDetected State = "REORG_DETECTED"
	StateReplaying     State = "REPLAYING"
)

// Severity of a reorg by depth. Deep reorgs are handled identically but
// additionally raise an operator alert.
type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityDeep  Severity = "deep"
)

// deepThreshold is the depth above which a reorg is classified deep.
const deepThreshold = 10

// Classify returns the severity of a reorg spanning [from, to].
func Classify(from, to int64) Severity {
	if to-from+1 > deepThreshold {
		return SeverityDeep
	}
	return SeverityMinor
}

// ChainConfig is the per-chain scan configuration.
type ChainConfig struct {
	Name              string
	Network           string
	FinalizationDepth int64
	ScanInterval      time.Duration
}

// WatermarkStore persists the finalization watermark, one value per chain,
// accessed only through this transactional API. Monotonic except on explicit
// reorg rollback.
type WatermarkStore interface {
	// Get returns the watermark, or 0 when the chain has none yet.
	Get(ctx context.Context, chainName string) (int64, error)
	Set(ctx context.Context, chainName string, height int64) error
}

// Ledger is the slice of the ledger the guard needs.
type Ledger interface {
	EntryByReference(ctx context.Context, reference string) (*ledger.JournalEntry, error)
	ReverseEntry(ctx context.Context, originalID uuid.UUID, reason string) (*ledger.JournalEntry, error)
}

// LotEngine is the slice of the lot engine the guard needs.
type LotEngine interface {
	DisposalsByReference(ctx context.Context, reference string) ([]lots.Disposal, error)
	RestoreDisposal(ctx context.Context, disposalID uuid.UUID) error
	RetractLots(ctx context.Context, reference string) (int64, error)
}

// Resyncer requests re-ingestion of a chain's wallets from a block onward.
type Resyncer interface {
	RequestResync(ctx context.Context, chainName string, fromBlock int64) error
}

// Alert is the operator notification for a deep reorg.
type Alert struct {
	Chain      string    `json:"chain"`
	Network    string    `json:"network"`
	FromBlock  int64     `json:"from_block"`
	ToBlock    int64     `json:"to_block"`
	Depth      int64     `json:"depth"`
	DetectedAt time.Time `json:"detected_at"`
}

// Alerter publishes deep reorg alerts to the operator channel.
type Alerter interface {
	PublishReorgAlert(ctx context.Context, alert Alert) error
}

// Guard tracks per-chain finalization watermarks, detects chain rewrites by
// comparing stored block hashes against the adapter, and runs recovery.
// Chains scan independently; HandleReorg holds the chain's processing lock
// so ingestion for that chain is suspended until the unwind completes.
type Guard struct {
	configs    map[string]ChainConfig
	adapters   map[string]chain.Adapter
	events     chain.EventStore
	watermarks WatermarkStore
	ledger     Ledger
	lots       LotEngine
	resync     Resyncer
	alerter    Alerter
	locks      *ChainLocks
	log        zerolog.Logger
	metrics    *observability.Metrics

	mu     sync.RWMutex
	states map[string]State
}

func NewGuard(
	configs []ChainConfig,
	adapters map[string]chain.Adapter,
	events chain.EventStore,
	watermarks WatermarkStore,
	ledgerSvc Ledger,
	lotEngine LotEngine,
	resync Resyncer,
	alerter Alerter,
	locks *ChainLocks,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Guard {
	cfgMap := make(map[string]ChainConfig, len(configs))
	states := make(map[string]State, len(configs))
	for _, cfg := range configs {
		cfgMap[cfg.Name] = cfg
		states[cfg.Name] = StateSynced
	}
	return &Guard{
		configs:    cfgMap,
		adapters:   adapters,
		events:     events,
		watermarks: watermarks,
		ledger:     ledgerSvc,
		lots:       lotEngine,
		resync:     resync,
		alerter:    alerter,
		locks:      locks,
		log:        log,
		metrics:    metrics,
		states:     states,
	}
}

// Status returns the chain's current recovery state.
func (g *Guard) Status(chainName string) State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.states[chainName]; ok {
		return s
	}
	return StateSynced
}

func (g *Guard) setState(chainName string, s State) {
	g.mu.Lock()
	g.states[chainName] = s
	g.mu.Unlock()
}

// Run starts one scan loop per configured chain and blocks until ctx is
// cancelled. Adapter failures skip the cycle; the next tick retries.
func (g *Guard) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, cfg := range g.configs {
		wg.Add(1)
		go func(name string, cfg ChainConfig) {
			defer wg.Done()
			ticker := time.NewTicker(cfg.ScanInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := g.Scan(ctx, name); err != nil {
						g.log.Warn().
							Str("chain", name).
							Err(err).
							Msg("scan cycle skipped")
					}
				}
			}
		}(name, cfg)
	}
	wg.Wait()
}

// Scan validates the chain's ingested-but-unfinalized range
// [watermark+1, head-finalizationDepth] against the adapter's current
// hashes. On the first mismatch it recovers that range; at most one reorg is
// handled per cycle to bound the blast radius, the next cycle picks up any
// remainder. A clean scan advances the watermark to the range's upper bound.
func (g *Guard) Scan(ctx context.Context, chainName string) error {
	cfg, ok := g.configs[chainName]
	if !ok {
		return fmt.Errorf("unknown chain %q", chainName)
	}
	adapter, ok := g.adapters[chainName]
	if !ok {
		return fmt.Errorf("no adapter for chain %q", chainName)
	}

	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.ReorgScanDuration.WithLabelValues(chainName).Observe(time.Since(start).Seconds())
		}
	}()

	head, err := adapter.LatestBlock(ctx)
	if err != nil {
		g.countScan(chainName, "adapter_error")
		return fmt.Errorf("latest block: %w", err)
	}

	upper := head - cfg.FinalizationDepth
	watermark, err := g.watermarks.Get(ctx, chainName)
	if err != nil {
		g.countScan(chainName, "store_error")
		return fmt.Errorf("read watermark: %w", err)
	}
	if upper <= watermark {
		g.countScan(chainName, "noop")
		return nil
	}

	stored, err := g.events.StoredBlocks(ctx, chainName, watermark+1, upper)
	if err != nil {
		g.countScan(chainName, "store_error")
		return fmt.Errorf("stored blocks: %w", err)
	}

	for _, block := range stored {
		current, err := adapter.Block(ctx, block.Number)
		if err != nil {
			g.countScan(chainName, "adapter_error")
			return fmt.Errorf("block %d: %w", block.Number, err)
		}
		if current.Hash != block.Hash {
			g.log.Warn().
				Str("chain", chainName).
				Int64("block", block.Number).
				Str("stored_hash", block.Hash).
				Str("current_hash", current.Hash).
				Msg("chain rewrite detected")
			g.countScan(chainName, "reorg")
			return g.HandleReorg(ctx, chainName, block.Number, upper)
		}
	}

	if err := g.watermarks.Set(ctx, chainName, upper); err != nil {
		g.countScan(chainName, "store_error")
		return fmt.Errorf("advance watermark: %w", err)
	}
	g.gaugeWatermark(chainName, upper)
	g.countScan(chainName, "clean")

	return nil
}

// HandleReorg unwinds [from, to] for the chain: each affected event's linked
// entry is reversed, its lot disposals restored and created lots retracted,
// a wallet resync requested from `from`, the event rows deleted, and the
// watermark rolled back to from-1.
//
// The resync request goes out before the event rows are deleted: the rows
// are the only evidence of the mismatch, so a crash after deletion would
// otherwise let the next scan read the range as clean without any resync
// ever being requested. A crash before deletion leaves the stale rows in
// place and the next scan re-detects and retries; every unwind step
// tolerates the repeat. The watermark moves only after the full affected
// set is unwound.
func (g *Guard) HandleReorg(ctx context.Context, chainName string, from, to int64) error {
	cfg := g.configs[chainName]

	// Ingestion for this chain shares the lock and stays suspended for the
	// whole unwind, so no new appends land in the range being rewritten.
	lock := g.locks.Lock(chainName)
	lock.Lock()
	defer lock.Unlock()

	g.setState(chainName, StateReorgDetected)
	severity := Classify(from, to)
	if g.metrics != nil {
		g.metrics.ReorgsDetected.WithLabelValues(chainName, string(severity)).Inc()
	}
	g.log.Warn().
		Str("chain", chainName).
		Int64("from", from).
		Int64("to", to).
		Str("severity", string(severity)).
		Msg("handling reorg")

	if severity == SeverityDeep && g.alerter != nil {
		alert := Alert{
			Chain:      chainName,
			Network:    cfg.Network,
			FromBlock:  from,
			ToBlock:    to,
			Depth:      to - from + 1,
			DetectedAt: time.Now().UTC(),
		}
		if err := g.alerter.PublishReorgAlert(ctx, alert); err != nil {
			// The unwind must proceed even when the alert channel is down.
			g.log.Error().Err(err).Str("chain", chainName).Msg("deep reorg alert failed")
		}
	}

	g.setState(chainName, StateReplaying)

	affected, err := g.events.EventsInRange(ctx, chainName, from, to)
	if err != nil {
		return fmt.Errorf("load affected events: %w", err)
	}

	reason := fmt.Sprintf("reorg on %s blocks %d-%d", chainName, from, to)
	seen := make(map[string]bool, len(affected))
	for _, ev := range affected {
		if seen[ev.TxHash] {
			continue
		}
		seen[ev.TxHash] = true

		if err := g.unwindTx(ctx, ev.TxHash, reason); err != nil {
			return fmt.Errorf("unwind tx %s: %w", ev.TxHash, err)
		}
	}

	if err := g.resync.RequestResync(ctx, chainName, from); err != nil {
		return fmt.Errorf("request resync: %w", err)
	}

	deleted, err := g.events.DeleteEventsInRange(ctx, chainName, from, to)
	if err != nil {
		return fmt.Errorf("delete retracted events: %w", err)
	}
	if g.metrics != nil {
		g.metrics.ReorgEventsRetracted.WithLabelValues(chainName).Add(float64(deleted))
	}

	if err := g.watermarks.Set(ctx, chainName, from-1); err != nil {
		return fmt.Errorf("roll back watermark: %w", err)
	}
	g.gaugeWatermark(chainName, from-1)

	g.setState(chainName, StateSynced)
	if g.metrics != nil {
		g.metrics.ReorgsHandled.WithLabelValues(chainName, string(severity)).Inc()
	}
	g.log.Info().
		Str("chain", chainName).
		Int64("from", from).
		Int64("to", to).
		Int64("events_retracted", deleted).
		Msg("reorg handled")

	return nil
}

// unwindTx reverses the ledger entry, restores the disposals, and retracts
// the lots linked to one transaction hash.
func (g *Guard) unwindTx(ctx context.Context, txHash, reason string) error {
	entry, err := g.ledger.EntryByReference(ctx, txHash)
	switch {
	case errors.Is(err, ledger.ErrEntryNotFound):
		// Event was ingested but never produced an entry (e.g. ignored by
		// classification after storage).
	case err != nil:
		return fmt.Errorf("entry lookup: %w", err)
	default:
		if _, err := g.ledger.ReverseEntry(ctx, entry.ID, reason); err != nil {
			return fmt.Errorf("reverse entry %s: %w", entry.ID, err)
		}
	}

	disposals, err := g.lots.DisposalsByReference(ctx, txHash)
	if err != nil {
		return fmt.Errorf("disposal lookup: %w", err)
	}
	for _, d := range disposals {
		if err := g.lots.RestoreDisposal(ctx, d.ID); err != nil {
			return err
		}
	}

	if _, err := g.lots.RetractLots(ctx, txHash); err != nil {
		return fmt.Errorf("retract lots: %w", err)
	}

	return nil
}

func (g *Guard) countScan(chainName, outcome string) {
	if g.metrics != nil {
		g.metrics.ReorgScans.WithLabelValues(chainName, outcome).Inc()
	}
}

func (g *Guard) gaugeWatermark(chainName string, height int64) {
	if g.metrics != nil {
		g.metrics.ReorgWatermark.WithLabelValues(chainName).Set(float64(height))
	}
}
