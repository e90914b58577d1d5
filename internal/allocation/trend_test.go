package allocation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/market"
	"github.com/tathienbao/allocator/internal/types"
)

// Closes with mean 100 and standard deviation 10.
var trendCloses = []string{"90", "110", "90", "110"}

func trendSnapshot(price string, closes ...string) market.Snapshot {
	snap := testSnapshot(map[string]string{"BTC": price})
	series := make([]decimal.Decimal, len(closes))
	for i, c := range closes {
		series[i] = d(c)
	}
	snap.Closes["BTC"] = series
	return snap
}

func testTrend() *Trend {
	cfg := DefaultTrendConfig()
	cfg.Symbols = []string{"btc"}
	cfg.Lookback = 4
	return NewTrend(cfg)
}

func TestTrend_Strength(t *testing.T) {
	engine := testTrend()
	in := testInput(testView("trend", types.EngineTrend, "0"), trendSnapshot("125", trendCloses...), types.NewEngineState(types.EngineTrend), "trend")

	z, ok := engine.Strength(in, "BTC")
	if !ok {
		t.Fatal("Strength() not available")
	}
	if !z.Equal(d("2.5")) {
		t.Errorf("Strength() = %s, want 2.5", z)
	}

	in.Market = trendSnapshot("125", "90", "110", "90")
	if _, ok := engine.Strength(in, "BTC"); ok {
		t.Error("Strength() with short history should be unavailable")
	}
}

func TestTrend_Evaluate(t *testing.T) {
	tests := []struct {
		name        string
		price       string
		closes      []string
		held        *holding
		lastAction  time.Duration // ago; zero means never
		wantSide    types.OrderSide
		wantQty     string
		wantPurpose string
	}{
		{
			name:        "strong trend opens long",
			price:       "125",
			closes:      trendCloses,
			wantSide:    types.OrderSideBuy,
			wantQty:     "16",
			wantPurpose: PurposeEntry,
		},
		{
			name:       "weak trend stays flat",
			price:      "105",
			closes:     trendCloses,
			wantQty:    "",
			lastAction: 0,
		},
		{
			name:       "cooldown blocks re-entry",
			price:      "125",
			closes:     trendCloses,
			lastAction: time.Hour,
		},
		{
			name:   "short history stays flat",
			price:  "125",
			closes: []string{"90", "110", "90"},
		},
		{
			name:        "signal decay exits",
			price:       "100",
			closes:      trendCloses,
			held:        &holding{symbol: "BTC", qty: "3", entry: "98"},
			lastAction:  time.Hour,
			wantSide:    types.OrderSideSell,
			wantQty:     "3",
			wantPurpose: PurposeExit,
		},
		{
			name:   "trend intact holds",
			price:  "105",
			closes: trendCloses,
			held:   &holding{symbol: "BTC", qty: "3", entry: "100"},
		},
		{
			name:        "stop loss beats strong signal",
			price:       "125",
			closes:      trendCloses,
			held:        &holding{symbol: "BTC", qty: "3", entry: "150"},
			wantSide:    types.OrderSideSell,
			wantQty:     "3",
			wantPurpose: PurposeStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := testTrend()
			var holdings []holding
			if tt.held != nil {
				holdings = append(holdings, *tt.held)
			}
			state := types.NewEngineState(types.EngineTrend)
			if tt.lastAction > 0 {
				state.LastAction["BTC"] = testNow.Add(-tt.lastAction)
			}
			in := testInput(testView("trend", types.EngineTrend, "5000", holdings...), trendSnapshot(tt.price, tt.closes...), state, "trend")
			in.MaxOrderNotional = d("2000")

			dec := engine.Evaluate(in)

			if tt.wantQty == "" {
				if len(dec.Actions) != 0 {
					t.Fatalf("got %d actions, want none", len(dec.Actions))
				}
				return
			}
			if len(dec.Actions) != 1 {
				t.Fatalf("got %d actions, want 1", len(dec.Actions))
			}
			a := dec.Actions[0]
			if a.Side != tt.wantSide || !a.Quantity.Equal(d(tt.wantQty)) || a.Purpose != tt.wantPurpose {
				t.Errorf("action = %s %s purpose=%s, want %s %s purpose=%s", a.Side, a.Quantity, a.Purpose, tt.wantSide, tt.wantQty, tt.wantPurpose)
			}
			if a.Side == types.OrderSideSell && !a.FullClose {
				t.Error("exit should close the whole position")
			}
		})
	}
}

func TestTrend_EntryLimitedByCash(t *testing.T) {
	engine := testTrend()
	in := testInput(testView("trend", types.EngineTrend, "500"), trendSnapshot("125", trendCloses...), types.NewEngineState(types.EngineTrend), "trend")

	dec := engine.Evaluate(in)

	if len(dec.Actions) != 1 || !dec.Actions[0].Quantity.Equal(d("4")) {
		t.Fatalf("actions = %+v, want one buy of 4", dec.Actions)
	}
}
