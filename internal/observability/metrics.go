package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for FundLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreEventsEmitted    *prometheus.CounterVec
	CoreJournals         *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	ClockRegressions      *prometheus.CounterVec

	// --- Fund ---
	FundTotalAssets   prometheus.Gauge
	FundTotalSupply   prometheus.Gauge
	FundSharePrice    prometheus.Gauge
	FundHighWaterMark prometheus.Gauge
	FundPaused        prometheus.Gauge
	FundFeeShares     *prometheus.CounterVec

	// --- Escrow ---
	EscrowsByStatus  *prometheus.GaugeVec
	EscrowReleases   prometheus.Counter
	EscrowClawbacks  *prometheus.CounterVec
	EscrowUnreleased prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Messaging ---
	NATSMessagesReceived *prometheus.CounterVec
	NATSParseErrors      *prometheus.CounterVec
	NATSPublished        *prometheus.CounterVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
	APIErrors   *prometheus.CounterVec

	// --- Lease ---
	LeaseHeld prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, authorization, state)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fund_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_core_events_emitted_total",
			Help: "Audit events emitted by applied commands",
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_core_journals_generated_total",
			Help: "Asset movements recorded",
		}, []string{"asset", "journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fund_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_core_sequence",
			Help: "Current global sequence number",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fund_channel_size",
			Help: "Items queued in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fund_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fund_channel_utilization",
			Help: "Channel fill ratio",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_persist_backpressure_total",
			Help: "Times core blocked on a full persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_dedup_tier2_errors_total",
			Help: "Database dedup lookups that failed",
		}),

		ClockRegressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_clock_regressions_total",
			Help: "Commands rejected for a timestamp before the last accepted one",
		}, []string{"command_type"}),

		// Fund
		FundTotalAssets: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_total_assets",
			Help: "Base asset held by the fund (raw units, lossy above 2^53)",
		}),

		FundTotalSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_total_supply",
			Help: "Shares outstanding (raw units, lossy above 2^53)",
		}),

		FundSharePrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_share_price",
			Help: "Assets per share",
		}),

		FundHighWaterMark: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_high_water_mark",
			Help: "Highest share price at which performance fees were assessed",
		}),

		FundPaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_paused",
			Help: "1 while the fund is paused",
		}),

		FundFeeShares: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_fee_shares_minted_total",
			Help: "Fee shares minted to the manager",
		}, []string{"kind"}),

		// Escrow
		EscrowsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fund_escrows",
			Help: "Escrows by status",
		}, []string{"status"}),

		EscrowReleases: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_escrow_milestones_released_total",
			Help: "Milestones released",
		}),

		EscrowClawbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_escrow_clawbacks_total",
			Help: "Escrow clawbacks",
		}, []string{"kind"}),

		EscrowUnreleased: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_escrow_unreleased",
			Help: "Base asset still held by escrows",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_persist_journals_written_total",
			Help: "Asset movements written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fund_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fund_persist_batch_duration_seconds",
			Help:    "Time to flush a persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fund_snapshot_duration_seconds",
			Help:    "Time to save a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fund_replay_commands_total",
			Help: "Commands replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		// Messaging
		NATSMessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_nats_messages_received_total",
			Help: "Command messages received",
		}, []string{"subject"}),

		NATSParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_nats_parse_errors_total",
			Help: "Command messages that failed to parse",
		}, []string{"subject"}),

		NATSPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_nats_events_published_total",
			Help: "Events published",
		}, []string{"event_type"}),

		// API
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fund_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		APIErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_api_errors_total",
			Help: "API errors",
		}, []string{"endpoint", "code"}),

		// Lease
		LeaseHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "fund_writer_lease_held",
			Help: "1 while this instance holds the writer lease",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
