package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarketLedger.
type Metrics struct {
	// --- Core ---
	BlocksProcessed *prometheus.CounterVec
	BlockDuration   prometheus.Histogram
	BlockHeight     prometheus.Gauge
	TxApplied       *prometheus.CounterVec
	PairsExecuted   *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	MatchErrors     *prometheus.CounterVec
	YieldPaid       *prometheus.CounterVec
	StateHashDur    prometheus.Histogram
	StoreFlushDur   prometheus.Histogram

	// --- Latency ---
	IngestToApply  prometheus.Histogram
	ApplyToPersist prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	HeightGaps            prometheus.Counter
	IngestRejected        *prometheus.CounterVec

	// --- Persistence ---
	PersistBlocksWritten prometheus.Counter
	PersistTradesWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastHeight    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionHeight    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	blockBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		BlocksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_core_blocks_total",
			Help: "Blocks handled by the core, by result (applied, duplicate, rejected)",
		}, []string{"result"}),

		BlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_core_block_duration_seconds",
			Help:    "Time to apply one block",
			Buckets: blockBuckets,
		}),

		BlockHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_core_block_height",
			Help: "Height of the last applied block",
		}),

		TxApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_core_transactions_total",
			Help: "Block transactions by type and result",
		}, []string{"tx_type", "result"}),

		PairsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_market_pairs_executed_total",
			Help: "Pair executions by result (traded, idle, failed)",
		}, []string{"result"}),

		Trades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_market_trades_total",
			Help: "Market transactions by bid and ask kind",
		}, []string{"bid_type", "ask_type"}),

		MatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_market_errors_total",
			Help: "Pair executions discarded, by error class",
		}, []string{"class"}),

		YieldPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_withdraw_yield_paid_total",
			Help: "Fee pool yield paid on withdrawals, in asset base units",
		}, []string{"asset"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_core_state_hash_duration_seconds",
			Help:    "Time to digest a block and extend the hash chain",
			Buckets: latencyBuckets,
		}),

		StoreFlushDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_store_flush_duration_seconds",
			Help:    "Synced pebble batch commit duration",
			Buckets: blockBuckets,
		}),

		IngestToApply: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_ingest_to_apply_seconds",
			Help:    "Block receipt to core apply complete",
			Buckets: blockBuckets,
		}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: blockBuckets,
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mledger_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mledger_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mledger_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_projection_drops_total",
			Help: "Block outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_publish_drops_total",
			Help: "Trades dropped due to a full publish channel",
		}, []string{"sink"}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_backpressure_total",
			Help: "Times core blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_idempotency_duplicates_total",
			Help: "Duplicate transactions caught (lru/postgres)",
		}, []string{"tx_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_dedup_lru_size",
			Help: "Current entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_dedup_tier2_errors_total",
			Help: "Failed Postgres idempotency lookups",
		}),

		HeightGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_block_height_gap_total",
			Help: "Blocks rejected because a height was skipped",
		}),

		IngestRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_ingest_rejected_total",
			Help: "Inbound blocks that failed to parse",
		}, []string{"source"}),

		PersistBlocksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_blocks_written_total",
			Help: "Blocks written to Postgres",
		}),

		PersistTradesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_trades_written_total",
			Help: "Market transactions written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_persist_batch_size",
			Help:    "Blocks per persistence batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_persist_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_persist_last_height",
			Help: "Height of the last block committed to Postgres",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mledger_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_projection_height",
			Help: "Height of the last block applied to the projections",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mledger_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint"}),
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
