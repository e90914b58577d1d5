package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordCycle records one allocation cycle.
func (r *Recorder) RecordCycle(outcome string, duration time.Duration) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	CycleDuration.Observe(duration.Seconds())
}

// RecordHalted records whether the pipeline is halted.
func (r *Recorder) RecordHalted(halted bool) {
	PipelineHalted.Set(boolGauge(halted))
}

// RecordReconcile records a reconciliation run and its class counts.
func (r *Recorder) RecordReconcile(mode, result string, counts map[string]int) {
	ReconcileRuns.WithLabelValues(mode, result).Inc()
	if counts == nil {
		return
	}
	ReconcileEntries.Reset()
	for class, n := range counts {
		ReconcileEntries.WithLabelValues(class).Set(float64(n))
	}
}

// RecordProposed records an engine proposal.
func (r *Recorder) RecordProposed(engine, kind string) {
	ActionsProposed.WithLabelValues(engine, kind).Inc()
}

// RecordApproved records an approved action.
func (r *Recorder) RecordApproved(engine string, downsized, converted bool) {
	modified := "none"
	switch {
	case converted:
		modified = "converted"
	case downsized:
		modified = "downsized"
	}
	ActionsApproved.WithLabelValues(engine, modified).Inc()
}

// RecordVetoed records a vetoed action.
func (r *Recorder) RecordVetoed(engine, rule string) {
	ActionsVetoed.WithLabelValues(engine, rule).Inc()
}

// RecordOrder records an order outcome.
func (r *Recorder) RecordOrder(engine, side, status string) {
	OrdersTotal.WithLabelValues(engine, side, status).Inc()
}

// RecordOrderLatency records order execution latency.
func (r *Recorder) RecordOrderLatency(duration time.Duration) {
	OrderLatency.Observe(duration.Seconds())
}

// RecordUnwind records a hedge unwind.
func (r *Recorder) RecordUnwind(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	HedgeUnwinds.WithLabelValues(result).Inc()
}

// RecordEquity records equity metrics.
func (r *Recorder) RecordEquity(current, highWaterMark, drawdown decimal.Decimal) {
	EquityCurrent.Set(current.InexactFloat64())
	EquityHighWaterMark.Set(highWaterMark.InexactFloat64())
	DrawdownCurrent.Set(drawdown.InexactFloat64())
}

// RecordSubAccountEquity records equity of one sub-account.
func (r *Recorder) RecordSubAccountEquity(sub string, equity decimal.Decimal) {
	SubAccountEquity.WithLabelValues(sub).Set(equity.InexactFloat64())
}

// RecordEngineCapital records an engine's deployed capital.
func (r *Recorder) RecordEngineCapital(engine string, capital decimal.Decimal) {
	EngineCapital.WithLabelValues(engine).Set(capital.InexactFloat64())
}

// RecordBreaker records a breaker latch.
func (r *Recorder) RecordBreaker(scope string, tripped bool) {
	BreakerTripped.WithLabelValues(scope).Set(boolGauge(tripped))
}

// RecordReserveTransfer records a reserve transfer attempt.
func (r *Recorder) RecordReserveTransfer(kind string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	ReserveTransfers.WithLabelValues(kind, result).Inc()
}

// RecordMarketFeedStatus records market data connection status.
func (r *Recorder) RecordMarketFeedStatus(connected bool) {
	MarketFeedConnected.Set(boolGauge(connected))
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveOrder observes the elapsed time as order latency.
func (t *Timer) ObserveOrder() {
	OrderLatency.Observe(t.Elapsed().Seconds())
}
