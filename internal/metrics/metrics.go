// Package metrics provides Prometheus metrics for the allocator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "allocator"

var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Allocation cycles by outcome",
		},
		[]string{"outcome"}, // completed, aborted, halted
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one allocation cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	PipelineHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_halted",
			Help:      "1 when the pipeline refuses to trade until manual intervention",
		},
	)

	// Reconciliation metrics
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by mode and result",
		},
		[]string{"mode", "result"},
	)

	ReconcileEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_entries",
			Help:      "Entries of the latest reconciliation by discrepancy class",
		},
		[]string{"class"},
	)

	// Action metrics
	ActionsProposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_proposed_total",
			Help:      "Actions proposed by engines",
		},
		[]string{"engine", "kind"},
	)

	ActionsApproved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_approved_total",
			Help:      "Actions approved by the risk governor",
		},
		[]string{"engine", "modified"}, // modified: none, downsized, converted
	)

	ActionsVetoed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_vetoed_total",
			Help:      "Actions vetoed by the risk governor",
		},
		[]string{"engine", "rule"},
	)

	// Order metrics
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders by engine, side and final status",
		},
		[]string{"engine", "side", "status"},
	)

	OrderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_latency_seconds",
			Help:      "Time from submission to a known order outcome",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	HedgeUnwinds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hedge_unwinds_total",
			Help:      "Hedge unwinds by result",
		},
		[]string{"result"}, // ok, failed
	)

	// Equity metrics
	EquityCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity_current",
			Help:      "Reconciled portfolio equity in quote currency",
		},
	)

	EquityHighWaterMark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity_high_water_mark",
			Help:      "Portfolio equity high water mark",
		},
	)

	DrawdownCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_current",
			Help:      "Portfolio drawdown from the high water mark (0-1)",
		},
	)

	SubAccountEquity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subaccount_equity",
			Help:      "Reconciled equity per sub-account",
		},
		[]string{"subaccount"},
	)

	EngineCapital = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_allocated_capital",
			Help:      "Capital currently deployed per engine",
		},
		[]string{"engine"},
	)

	BreakerTripped = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_tripped",
			Help:      "1 when the drawdown breaker for scope is latched",
		},
		[]string{"scope"},
	)

	ReserveTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_transfers_total",
			Help:      "Quote transfers to and from the reserve sub-account",
		},
		[]string{"kind", "result"}, // kind: top_up, draw_down
	)

	// Market data metrics
	MarketFeedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_feed_connected",
			Help:      "1 when the market data stream is connected",
		},
	)

	// System metrics
	HeartbeatTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_timestamp",
			Help:      "Unix time of the last completed cycle",
		},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by type",
		},
		[]string{"type"},
	)

	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)
)

// SetBuildInfo publishes the running version.
func SetBuildInfo(version, commit, buildDate string) {
	BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
