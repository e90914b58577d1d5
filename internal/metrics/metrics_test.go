package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestRecorder_RecordCycle(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("aborted"))
	r.RecordCycle("aborted", 120*time.Millisecond)
	r.RecordCycle("completed", 80*time.Millisecond)

	if got := testutil.ToFloat64(CyclesTotal.WithLabelValues("aborted")) - before; got != 1 {
		t.Errorf("aborted cycles delta = %v, want 1", got)
	}
}

func TestRecorder_RecordHalted(t *testing.T) {
	r := NewRecorder()

	r.RecordHalted(true)
	if got := testutil.ToFloat64(PipelineHalted); got != 1 {
		t.Errorf("PipelineHalted = %v, want 1", got)
	}
	r.RecordHalted(false)
	if got := testutil.ToFloat64(PipelineHalted); got != 0 {
		t.Errorf("PipelineHalted = %v, want 0", got)
	}
}

func TestRecorder_RecordReconcile(t *testing.T) {
	r := NewRecorder()

	r.RecordReconcile("startup", "ok", map[string]int{"match": 3, "fresh_start": 2})
	if got := testutil.ToFloat64(ReconcileEntries.WithLabelValues("fresh_start")); got != 2 {
		t.Errorf("fresh_start entries = %v, want 2", got)
	}

	// A later run replaces the class counts.
	r.RecordReconcile("periodic", "ok", map[string]int{"match": 5})
	if got := testutil.ToFloat64(ReconcileEntries.WithLabelValues("fresh_start")); got != 0 {
		t.Errorf("stale fresh_start entries = %v, want 0", got)
	}

	r.RecordReconcile("periodic", "aborted", nil)
}

func TestRecorder_RecordActions(t *testing.T) {
	r := NewRecorder()

	r.RecordProposed("core_hodl", "BUY")

	before := testutil.ToFloat64(ActionsApproved.WithLabelValues("trend", "downsized"))
	r.RecordApproved("trend", true, false)
	if got := testutil.ToFloat64(ActionsApproved.WithLabelValues("trend", "downsized")) - before; got != 1 {
		t.Errorf("downsized approvals delta = %v, want 1", got)
	}

	r.RecordApproved("core_hodl", true, true)
	r.RecordVetoed("trend", "breaker")
}

func TestRecorder_RecordOrder(t *testing.T) {
	r := NewRecorder()

	r.RecordOrder("core_hodl", "BUY", "FILLED")
	r.RecordOrder("funding_arb", "SELL", "REJECTED")
	r.RecordOrderLatency(100 * time.Millisecond)
	r.RecordUnwind(true)
	r.RecordUnwind(false)
}

func TestRecorder_RecordEquity(t *testing.T) {
	r := NewRecorder()

	r.RecordEquity(decimal.NewFromInt(10500), decimal.NewFromInt(11000), decimal.RequireFromString("0.045"))
	if got := testutil.ToFloat64(DrawdownCurrent); got != 0.045 {
		t.Errorf("DrawdownCurrent = %v, want 0.045", got)
	}

	r.RecordSubAccountEquity("hodl", decimal.NewFromInt(5000))
	r.RecordEngineCapital("trend", decimal.NewFromInt(1200))
}

func TestRecorder_RecordBreaker(t *testing.T) {
	r := NewRecorder()

	r.RecordBreaker("portfolio", true)
	if got := testutil.ToFloat64(BreakerTripped.WithLabelValues("portfolio")); got != 1 {
		t.Errorf("BreakerTripped = %v, want 1", got)
	}
	r.RecordBreaker("portfolio", false)
	if got := testutil.ToFloat64(BreakerTripped.WithLabelValues("portfolio")); got != 0 {
		t.Errorf("BreakerTripped = %v, want 0", got)
	}
}

func TestRecorder_RecordReserveTransfer(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(ReserveTransfers.WithLabelValues("top_up", "ok"))
	r.RecordReserveTransfer("top_up", true)
	r.RecordReserveTransfer("draw_down", false)
	if got := testutil.ToFloat64(ReserveTransfers.WithLabelValues("top_up", "ok")); got != before+1 {
		t.Errorf("ReserveTransfers = %v, want %v", got, before+1)
	}
}

func TestRecorder_RecordStatus(t *testing.T) {
	r := NewRecorder()

	r.RecordHeartbeat()
	r.RecordMarketFeedStatus(true)
	r.RecordMarketFeedStatus(false)
	r.RecordError("gateway")
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	if elapsed < 10*time.Millisecond {
		t.Errorf("elapsed = %v, expected >= 10ms", elapsed)
	}
	timer.ObserveOrder()
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "abc123", "2026-01-31")
}

func TestMetricsRegistered(t *testing.T) {
	// Registration is implicit through promauto; verify nothing is nil.
	metrics := []prometheus.Collector{
		CyclesTotal,
		CycleDuration,
		PipelineHalted,
		ReconcileRuns,
		ReconcileEntries,
		ActionsProposed,
		ActionsApproved,
		ActionsVetoed,
		OrdersTotal,
		OrderLatency,
		HedgeUnwinds,
		EquityCurrent,
		EquityHighWaterMark,
		DrawdownCurrent,
		SubAccountEquity,
		EngineCapital,
		BreakerTripped,
		ReserveTransfers,
		MarketFeedConnected,
		HeartbeatTimestamp,
		ErrorsTotal,
		BuildInfo,
	}

	for _, m := range metrics {
		if m == nil {
			t.Error("metric is nil")
		}
	}
}
