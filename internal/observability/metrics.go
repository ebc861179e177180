package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chainledger.
type Metrics struct {
	// --- Ledger ---
	LedgerEntriesAppended     prometheus.Counter
	LedgerEntriesRejected     *prometheus.CounterVec
	LedgerEntriesReversed     prometheus.Counter
	LedgerAppendDuration      prometheus.Histogram
	LedgerChainConflicts      prometheus.Counter
	LedgerIntegrityViolations prometheus.Counter

	// --- Lots ---
	LotsCreated          prometheus.Counter
	LotDisposals         prometheus.Counter
	LotDisposalsRejected *prometheus.CounterVec
	LotDisposalsRestored prometheus.Counter
	LotDisposalDuration  prometheus.Histogram

	// --- Reorg ---
	ReorgScans           *prometheus.CounterVec
	ReorgScanDuration    *prometheus.HistogramVec
	ReorgsDetected       *prometheus.CounterVec
	ReorgsHandled        *prometheus.CounterVec
	ReorgEventsRetracted *prometheus.CounterVec
	ReorgWatermark       *prometheus.GaugeVec

	// --- Ingestion ---
	EventsIngested  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	ResyncRequests  *prometheus.CounterVec
	AlertsPublished *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	durationBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	scanBuckets := []float64{
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	}

	return &Metrics{
		LedgerEntriesAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_entries_appended_total",
			Help: "Journal entries appended to the hash chain",
		}),
		LedgerEntriesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_entries_rejected_total",
			Help: "Journal entry appends rejected before any write",
		}, []string{"reason"}),
		LedgerEntriesReversed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_entries_reversed_total",
			Help: "Reversal entries appended",
		}),
		LedgerAppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_append_duration_seconds",
			Help:    "AppendEntry latency including the store write",
			Buckets: durationBuckets,
		}),
		LedgerChainConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_chain_conflicts_total",
			Help: "Appends that lost the chain tail race and were retried or failed",
		}),
		LedgerIntegrityViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_integrity_violations_total",
			Help: "Broken links found by chain verification",
		}),

		LotsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lots_created_total",
			Help: "Acquisition lots created",
		}),
		LotDisposals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lot_disposals_total",
			Help: "Disposal requests successfully allocated",
		}),
		LotDisposalsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_disposals_rejected_total",
			Help: "Disposal requests rejected before any write",
		}, []string{"reason"}),
		LotDisposalsRestored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lot_disposals_restored_total",
			Help: "Disposals undone by reorg recovery",
		}),
		LotDisposalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lot_disposal_duration_seconds",
			Help:    "DisposeLots latency including the store write",
			Buckets: durationBuckets,
		}),

		ReorgScans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reorg_scans_total",
			Help: "Completed reorg scan cycles",
		}, []string{"chain", "outcome"}),
		ReorgScanDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reorg_scan_duration_seconds",
			Help:    "Scan cycle latency including adapter calls",
			Buckets: scanBuckets,
		}, []string{"chain"}),
		ReorgsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reorgs_detected_total",
			Help: "Chain rewrites detected by hash comparison",
		}, []string{"chain", "severity"}),
		ReorgsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reorgs_handled_total",
			Help: "Reorg recoveries completed end to end",
		}, []string{"chain", "severity"}),
		ReorgEventsRetracted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reorg_events_retracted_total",
			Help: "Blockchain events deleted during reorg recovery",
		}, []string{"chain"}),
		ReorgWatermark: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reorg_finalization_watermark",
			Help: "Last finalized block height per chain",
		}, []string{"chain"}),

		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Blockchain events ingested and applied",
		}, []string{"chain", "event_type"}),
		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_rejected_total",
			Help: "Blockchain events rejected or skipped",
		}, []string{"chain", "reason"}),
		ResyncRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "resync_requests_total",
			Help: "Wallet resync requests published after reorg recovery",
		}, []string{"chain"}),
		AlertsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reorg_alerts_published_total",
			Help: "Deep reorg operator alerts published",
		}, []string{"chain"}),
	}
}
