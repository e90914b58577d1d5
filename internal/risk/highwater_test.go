package risk

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHighWaterMarkTracker_Path(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		equity   []string
		wantPeak string
		wantDD   string
		wantLast string
	}{
		{"fresh tracker", "50000", nil, "50000", "0", "50000"},
		{"rally sets peak", "50000", []string{"55000"}, "55000", "0", "55000"},
		{"sell-off from peak", "50000", []string{"55000", "49500"}, "55000", "0.1", "49500"},
		{"partial recovery", "50000", []string{"55000", "49500", "52250"}, "55000", "0.05", "52250"},
		{"new high clears drawdown", "50000", []string{"55000", "49500", "60000"}, "60000", "0", "60000"},
		{"breaker depth", "50000", []string{"40000"}, "50000", "0.2", "40000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHighWaterMarkTracker(dec(tt.start))
			for _, e := range tt.equity {
				h.Update(dec(e))
			}
			current, peak, dd := h.Snapshot()
			if !current.Equal(dec(tt.wantLast)) {
				t.Errorf("current = %s, want %s", current, tt.wantLast)
			}
			if !peak.Equal(dec(tt.wantPeak)) {
				t.Errorf("peak = %s, want %s", peak, tt.wantPeak)
			}
			if !dd.Equal(dec(tt.wantDD)) {
				t.Errorf("drawdown = %s, want %s", dd, tt.wantDD)
			}
			if !h.Drawdown().Equal(dd) || !h.Peak().Equal(peak) || !h.Current().Equal(current) {
				t.Error("accessors disagree with Snapshot")
			}
		})
	}
}

func TestHighWaterMarkTracker_UpdateReportsNewPeak(t *testing.T) {
	h := NewHighWaterMarkTracker(dec("20000"))

	steps := []struct {
		equity string
		want   bool
	}{
		{"21000", true},
		{"20500", false},
		{"21000", false}, // touching the peak is not a new one
		{"24000", true},
	}
	for _, s := range steps {
		if got := h.Update(dec(s.equity)); got != s.want {
			t.Errorf("Update(%s) = %v, want %v", s.equity, got, s.want)
		}
	}
}

func TestHighWaterMarkTracker_Rebase(t *testing.T) {
	h := NewHighWaterMarkTracker(dec("10000"))
	h.Update(dec("15000"))
	h.Update(dec("12000"))

	h.Rebase()

	if !h.Peak().Equal(dec("12000")) {
		t.Errorf("peak after Rebase = %s, want 12000", h.Peak())
	}
	if !h.Drawdown().IsZero() {
		t.Errorf("drawdown after Rebase = %s, want 0", h.Drawdown())
	}

	h.Update(dec("10800"))
	if !h.Drawdown().Equal(dec("0.1")) {
		t.Errorf("drawdown from rebased peak = %s, want 0.1", h.Drawdown())
	}
}

func TestHighWaterMarkTracker_Restore(t *testing.T) {
	h := NewHighWaterMarkTracker(decimal.Zero)

	h.Restore(dec("2000"))
	h.Update(dec("1500"))

	if !h.Peak().Equal(dec("2000")) {
		t.Errorf("peak = %s, want restored 2000", h.Peak())
	}
	if !h.Drawdown().Equal(dec("0.25")) {
		t.Errorf("drawdown = %s, want 0.25", h.Drawdown())
	}

	// A lower persisted peak never lowers an observed one.
	h.Restore(dec("100"))
	if !h.Peak().Equal(dec("2000")) {
		t.Errorf("peak = %s after lower restore, want 2000", h.Peak())
	}
}

func TestHighWaterMarkTracker_ZeroStart(t *testing.T) {
	h := NewHighWaterMarkTracker(decimal.Zero)
	if !h.Drawdown().IsZero() {
		t.Errorf("drawdown with zero peak = %s, want 0", h.Drawdown())
	}

	if !h.Update(dec("5000")) {
		t.Error("first positive equity should set the peak")
	}
	if !h.Drawdown().IsZero() {
		t.Errorf("drawdown = %s, want 0", h.Drawdown())
	}
}

func TestHighWaterMarkTracker_Concurrent(t *testing.T) {
	h := NewHighWaterMarkTracker(dec("1000"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Update(decimal.NewFromInt(int64(1000 + id*j%300)))
				h.Snapshot()
				h.Drawdown()
			}
		}(i)
	}
	wg.Wait()

	current, peak, _ := h.Snapshot()
	if current.GreaterThan(peak) {
		t.Errorf("current %s above peak %s", current, peak)
	}
}

func TestHighWaterMarkTracker_Shift(t *testing.T) {
	tests := []struct {
		name     string
		path     []string
		delta    string
		wantPeak string
		wantLast string
		wantDD   string
	}{
		{"transfer out keeps drawdown", []string{"10000", "8000"}, "-4000", "5000", "4000", "0.2"},
		{"transfer in keeps drawdown", []string{"10000", "8000"}, "8000", "20000", "16000", "0.2"},
		{"transfer at peak", []string{"10000"}, "-2500", "7500", "7500", "0"},
		{"floors at zero", []string{"1000"}, "-5000", "0", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHighWaterMarkTracker(decimal.Zero)
			for _, e := range tt.path {
				h.Update(dec(e))
			}
			h.Shift(dec(tt.delta))

			current, peak, dd := h.Snapshot()
			if !peak.Equal(dec(tt.wantPeak)) {
				t.Errorf("peak = %s, want %s", peak, tt.wantPeak)
			}
			if !current.Equal(dec(tt.wantLast)) {
				t.Errorf("current = %s, want %s", current, tt.wantLast)
			}
			if !dd.Equal(dec(tt.wantDD)) {
				t.Errorf("drawdown = %s, want %s", dd, tt.wantDD)
			}
		})
	}
}
