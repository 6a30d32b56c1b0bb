package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TroveWatch.
type Metrics struct {
	// --- Store refresh ---
	RefreshStarted   *prometheus.CounterVec
	RefreshApplied   *prometheus.CounterVec
	RefreshStale     *prometheus.CounterVec
	RefreshNoop      *prometheus.CounterVec
	RefreshFailed    *prometheus.CounterVec
	RefreshDuration  *prometheus.HistogramVec
	StoreBlockNumber *prometheus.GaugeVec
	StorePrice       *prometheus.GaugeVec

	// --- Subscriptions ---
	Listeners            *prometheus.GaugeVec
	NotificationsSent    *prometheus.CounterVec
	HeadsReceived        *prometheus.CounterVec
	HeadsDeduplicated    prometheus.Counter
	ProviderReconfigured prometheus.Counter

	// --- Transactions ---
	TxSubmitted       *prometheus.CounterVec
	TxSubmitFailed    *prometheus.CounterVec
	TxValidationFails *prometheus.CounterVec
	TxOutcomes        *prometheus.CounterVec
	TxDecodeErrors    *prometheus.CounterVec
	TxReceiptWait     *prometheus.HistogramVec

	// --- Outbound / persistence ---
	PublishDrops     prometheus.Counter
	ProjectionDrops  *prometheus.CounterVec
	JournalWritten   prometheus.Counter
	JournalErrors    *prometheus.CounterVec
	JournalRetry     prometheus.Counter
	SnapshotSaved    *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	rpcBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	receiptBuckets := []float64{1, 2, 5, 10, 15, 30, 60, 120, 300, 600}

	return &Metrics{
		RefreshStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_store_refresh_started_total",
			Help: "Store refreshes started",
		}, []string{"store"}),

		RefreshApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_store_refresh_applied_total",
			Help: "Refreshes that published a new snapshot",
		}, []string{"store"}),

		RefreshStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_store_refresh_stale_total",
			Help: "Refreshes discarded because a newer one was already applied",
		}, []string{"store"}),

		RefreshNoop: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_store_refresh_noop_total",
			Help: "Refreshes that produced an identical snapshot",
		}, []string{"store"}),

		RefreshFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_store_refresh_failed_total",
			Help: "Refreshes that failed to read chain state",
		}, []string{"store"}),

		RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_store_refresh_duration_seconds",
			Help:    "Time to read a full snapshot from chain",
			Buckets: rpcBuckets,
		}, []string{"store"}),

		StoreBlockNumber: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_store_block_number",
			Help: "Block number of the current snapshot",
		}, []string{"store"}),

		StorePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_store_price",
			Help: "Collateral price of the current snapshot",
		}, []string{"store"}),

		Listeners: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_store_listeners",
			Help: "Active listeners per store",
		}, []string{"store"}),

		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_store_notifications_total",
			Help: "Listener invocations",
		}, []string{"store"}),

		HeadsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_heads_received_total",
			Help: "New block heads received",
		}, []string{"source"}),

		HeadsDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_heads_deduplicated_total",
			Help: "Redelivered block notifications dropped",
		}),

		ProviderReconfigured: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_provider_reconfigured_total",
			Help: "Times the store set was replaced",
		}),

		TxSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_tx_submitted_total",
			Help: "Transactions accepted by the node",
		}, []string{"operation"}),

		TxSubmitFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_tx_submit_failed_total",
			Help: "Transactions that never entered the chain",
		}, []string{"operation"}),

		TxValidationFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_tx_validation_failed_total",
			Help: "Operations rejected before submission",
		}, []string{"operation", "field"}),

		TxOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_tx_outcomes_total",
			Help: "Terminal receipt outcomes",
		}, []string{"status"}),

		TxDecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_tx_decode_errors_total",
			Help: "Succeeded receipts whose details could not be decoded",
		}, []string{"operation"}),

		TxReceiptWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_tx_receipt_wait_seconds",
			Help:    "Submission to terminal receipt",
			Buckets: receiptBuckets,
		}, []string{"status"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_publish_drops_total",
			Help: "Store updates not published to NATS",
		}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_projection_drops_total",
			Help: "Updates dropped by the projection worker",
		}, []string{"projection"}),

		JournalWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_journal_rows_written_total",
			Help: "Transaction journal rows committed",
		}),

		JournalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_journal_errors_total",
			Help: "Transaction journal write errors",
		}, []string{"error_type"}),

		JournalRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_journal_retry_total",
			Help: "Transaction journal flush retries",
		}),

		SnapshotSaved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_snapshot_saved_total",
			Help: "Store snapshots written",
		}, []string{"store"}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_snapshot_duration_seconds",
			Help:    "Time to write a store snapshot",
			Buckets: rpcBuckets,
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "code"}),
	}
}
