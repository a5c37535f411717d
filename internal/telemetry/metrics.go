package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every prometheus collector the pipeline exports.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	BatchFlushes     *prometheus.CounterVec
	BatchRowsFlushed *prometheus.CounterVec
	BatchQuarantined *prometheus.CounterVec
	BufferDepth      *prometheus.GaugeVec

	Reconnects   *prometheus.CounterVec
	DepthResyncs *prometheus.CounterVec
	ShardState   *prometheus.GaugeVec
	Degraded     prometheus.Gauge

	FlushDuration *prometheus.HistogramVec
	GridRefreshes prometheus.Counter
	RetentionRuns *prometheus.CounterVec
}

// NewMetrics builds the collector metric set on a private registry so
// tests can instantiate it repeatedly.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_events_ingested_total",
			Help: "Normalized events accepted, by channel",
		}, []string{"channel"}),

		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_events_rejected_total",
			Help: "Events dropped at normalization, by channel and reason",
		}, []string{"channel", "reason"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_frames_received_total",
			Help: "Raw websocket frames received, by shard",
		}, []string{"shard"}),

		BatchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_batch_flushes_total",
			Help: "Batch flushes, by table and result",
		}, []string{"table", "result"}),

		BatchRowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_batch_rows_flushed_total",
			Help: "Rows committed to raw tables, by table",
		}, []string{"table"}),

		BatchQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_batch_rows_quarantined_total",
			Help: "Poison rows isolated by bisection, by table",
		}, []string{"table"}),

		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collector_buffer_depth",
			Help: "Current batch buffer depth, by table",
		}, []string{"table"}),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_ws_reconnects_total",
			Help: "Stream client reconnect attempts, by shard",
		}, []string{"shard"}),

		DepthResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_depth_resyncs_total",
			Help: "Depth snapshot resyncs, by symbol",
		}, []string{"symbol"}),

		ShardState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collector_shard_state",
			Help: "Shard connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 draining, 5 failed)",
		}, []string{"shard"}),

		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_degraded",
			Help: "1 when backpressure or store outage has degraded ingestion",
		}),

		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_flush_duration_seconds",
			Help:    "Batch flush latency, by table",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"table"}),

		GridRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_grid_refreshes_total",
			Help: "24h flat-grid refresh runs",
		}),

		RetentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_retention_runs_total",
			Help: "Retention policy executions, by table, policy and result",
		}, []string{"table", "policy", "result"}),
	}

	m.registry.MustRegister(
		m.EventsIngested, m.EventsRejected, m.FramesReceived,
		m.BatchFlushes, m.BatchRowsFlushed, m.BatchQuarantined, m.BufferDepth,
		m.Reconnects, m.DepthResyncs, m.ShardState, m.Degraded,
		m.FlushDuration, m.GridRefreshes, m.RetentionRuns,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics endpoint
// and for rate snapshots.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
