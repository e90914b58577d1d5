package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/exchange/paper"
	"github.com/tathienbao/allocator/internal/ledger"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/types"
)

var hodlPrices = map[string]string{"BTC": "50000", "ETH": "2500", "SOL": "100", "LINK": "10"}

func accumulating(lastAction time.Time, lastRebalance time.Time) types.EngineState {
	s := types.NewEngineState(types.EngineCoreHodl)
	s.Phase = PhaseAccumulate
	s.LastRebalance = lastRebalance
	for _, sym := range []string{"BTC", "ETH", "SOL", "LINK"} {
		s.LastAction[sym] = lastAction
	}
	return s
}

func TestCoreHodl_DeployTranches(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	in := testInput(testView("hodl", types.EngineCoreHodl, "10000"), testSnapshot(hodlPrices),
		types.NewEngineState(types.EngineCoreHodl), "hodl")
	in.MaxOrderNotional = d("1000")

	dec := engine.Evaluate(in)

	if dec.State.Phase != PhaseDeploy {
		t.Errorf("Phase = %q, want deploy", dec.State.Phase)
	}
	want := map[string]string{"BTC": "0.02", "ETH": "0.4", "SOL": "5", "LINK": "50"}
	if len(dec.Actions) != len(want) {
		t.Fatalf("got %d actions (%v), want %d", len(dec.Actions), symbolsOf(dec.Actions), len(want))
	}
	for _, a := range dec.Actions {
		if a.Kind != types.ActionBuy || a.Purpose != PurposeDeploy {
			t.Errorf("%s: kind=%s purpose=%s", a.Symbol, a.Kind, a.Purpose)
		}
		if !a.Quantity.Equal(d(want[a.Symbol])) {
			t.Errorf("%s quantity = %s, want %s", a.Symbol, a.Quantity, want[a.Symbol])
		}
	}
}

func TestCoreHodl_DeployRespectsTrancheSpacing(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	state := types.NewEngineState(types.EngineCoreHodl)
	state.Phase = PhaseDeploy
	state.LastAction["BTC"] = testNow.Add(-time.Hour)

	in := testInput(testView("hodl", types.EngineCoreHodl, "10000"), testSnapshot(hodlPrices), state, "hodl")
	dec := engine.Evaluate(in)

	for _, a := range dec.Actions {
		if a.Symbol == "BTC" {
			t.Error("BTC tranche proposed inside the deploy interval")
		}
	}
	if len(dec.Actions) != 3 {
		t.Errorf("got %v, want ETH, SOL and LINK", symbolsOf(dec.Actions))
	}
}

func TestCoreHodl_DeployCompleteMovesToAccumulate(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	view := testView("hodl", types.EngineCoreHodl, "5000",
		holding{symbol: "BTC", qty: "0.05"},
		holding{symbol: "ETH", qty: "0.6"},
		holding{symbol: "SOL", qty: "5"},
		holding{symbol: "LINK", qty: "50"},
	)
	state := types.NewEngineState(types.EngineCoreHodl)
	state.Phase = PhaseDeploy

	dec := engine.Evaluate(testInput(view, testSnapshot(hodlPrices), state, "hodl"))

	if len(dec.Actions) != 0 {
		t.Fatalf("got actions %v, want none", symbolsOf(dec.Actions))
	}
	if dec.State.Phase != PhaseAccumulate {
		t.Errorf("Phase = %q, want accumulate", dec.State.Phase)
	}
	if !dec.State.LastRebalance.Equal(testNow) {
		t.Errorf("LastRebalance = %v, want %v", dec.State.LastRebalance, testNow)
	}
	if state.Phase != PhaseDeploy {
		t.Error("Evaluate mutated its input state")
	}
}

func TestCoreHodl_DCA(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())

	tests := []struct {
		name       string
		lastAction time.Time
		want       map[string]string
	}{
		{
			name:       "cooldown running",
			lastAction: testNow.Add(-24 * time.Hour),
			want:       map[string]string{},
		},
		{
			name:       "cooldown elapsed",
			lastAction: testNow.Add(-169 * time.Hour),
			want:       map[string]string{"BTC": "0.001", "ETH": "0.012", "SOL": "0.1", "LINK": "1"},
		},
		{
			name:       "exactly one week",
			lastAction: testNow.Add(-168 * time.Hour),
			want:       map[string]string{"BTC": "0.001", "ETH": "0.012", "SOL": "0.1", "LINK": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := accumulating(tt.lastAction, testNow.Add(-24*time.Hour))
			dec := engine.Evaluate(testInput(testView("hodl", types.EngineCoreHodl, "1000"), testSnapshot(hodlPrices), state, "hodl"))

			if len(dec.Actions) != len(tt.want) {
				t.Fatalf("got %v, want %d actions", symbolsOf(dec.Actions), len(tt.want))
			}
			for _, a := range dec.Actions {
				if a.Purpose != PurposeDCA {
					t.Errorf("%s purpose = %s, want dca", a.Symbol, a.Purpose)
				}
				if !a.Quantity.Equal(d(tt.want[a.Symbol])) {
					t.Errorf("%s quantity = %s, want %s", a.Symbol, a.Quantity, tt.want[a.Symbol])
				}
			}
		})
	}
}

func TestCoreHodl_DCASkipsBelowDust(t *testing.T) {
	cfg := DefaultCoreHodlConfig()
	cfg.DCAAmount = d("5") // SOL and LINK get $0.50 each
	engine := NewCoreHodl(cfg)

	state := accumulating(testNow.Add(-200*time.Hour), testNow)
	dec := engine.Evaluate(testInput(testView("hodl", types.EngineCoreHodl, "1000"), testSnapshot(hodlPrices), state, "hodl"))

	got := symbolsOf(dec.Actions)
	if len(got) != 2 || got[0] != "BTC" || got[1] != "ETH" {
		t.Errorf("symbols = %v, want [BTC ETH]", got)
	}
}

func TestCoreHodl_QuarterlyRebalance(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	view := testView("hodl", types.EngineCoreHodl, "0",
		holding{symbol: "BTC", qty: "0.1"},  // 5000, on target
		holding{symbol: "ETH", qty: "0.4"},  // 1000, under
		holding{symbol: "SOL", qty: "10"},   // 1000, on target
		holding{symbol: "LINK", qty: "300"}, // 3000, over
	)
	state := accumulating(testNow.Add(-time.Hour), testNow.Add(-91*24*time.Hour))

	dec := engine.Evaluate(testInput(view, testSnapshot(hodlPrices), state, "hodl"))

	if len(dec.Actions) != 2 {
		t.Fatalf("got %v, want LINK sell then ETH buy", symbolsOf(dec.Actions))
	}
	sell, buy := dec.Actions[0], dec.Actions[1]
	if sell.Symbol != "LINK" || sell.Side != types.OrderSideSell || !sell.Quantity.Equal(d("200")) || !sell.Liquidating {
		t.Errorf("first action = %s %s %s liquidating=%v, want LINK SELL 200", sell.Symbol, sell.Side, sell.Quantity, sell.Liquidating)
	}
	if buy.Symbol != "ETH" || buy.Side != types.OrderSideBuy || !buy.Quantity.Equal(d("0.8")) {
		t.Errorf("second action = %s %s %s, want ETH BUY 0.8", buy.Symbol, buy.Side, buy.Quantity)
	}
	if !dec.State.LastRebalance.Equal(state.LastRebalance) {
		t.Errorf("LastRebalance = %v, want unchanged until a rebalance fills", dec.State.LastRebalance)
	}
}

func TestCoreHodl_RebalanceInBandRestartsInterval(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	view := testView("hodl", types.EngineCoreHodl, "0",
		holding{symbol: "BTC", qty: "0.1"},
		holding{symbol: "ETH", qty: "1.2"},
		holding{symbol: "SOL", qty: "10"},
		holding{symbol: "LINK", qty: "100"},
	)
	state := accumulating(testNow.Add(-time.Hour), testNow.Add(-91*24*time.Hour))

	dec := engine.Evaluate(testInput(view, testSnapshot(hodlPrices), state, "hodl"))
	if len(dec.Actions) != 0 {
		t.Fatalf("got %v, want nothing for a balanced basket", symbolsOf(dec.Actions))
	}
	if !dec.State.LastRebalance.Equal(testNow) {
		t.Errorf("LastRebalance = %v, want now", dec.State.LastRebalance)
	}
}

func TestCoreHodl_RebalanceIntervalAdvancesOnlyOnFill(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	last := testNow.Add(-91 * 24 * time.Hour)
	state := accumulating(testNow.Add(-time.Hour), last)

	fill := func(purpose string, qty string) types.Execution {
		action := NewActionBuilder(types.EngineCoreHodl, "hodl", testNow).
			Buy("ETH", d("0.8"), d("2500")).
			WithPurpose(purpose).
			Build()
		return types.Execution{
			Action: types.ApprovedAction{ProposedAction: action},
			Orders: []types.Order{{Symbol: "ETH", Side: types.OrderSideBuy, FilledQty: d(qty), AvgFillPrice: d("2500")}},
		}
	}

	tests := []struct {
		name       string
		executions []types.Execution
		want       time.Time
	}{
		{"rebalance vetoed", nil, last},
		{"rebalance order unfilled", []types.Execution{fill(PurposeRebalance, "0")}, last},
		{"dca filled", []types.Execution{fill(PurposeDCA, "0.8")}, last},
		{"rebalance filled", []types.Execution{fill(PurposeRebalance, "0.8")}, testNow},
		{"rebalance partly filled", []types.Execution{fill(PurposeRebalance, "0.3")}, testNow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := engine.Apply(state, tt.executions, testNow)
			if !next.LastRebalance.Equal(tt.want) {
				t.Errorf("LastRebalance = %v, want %v", next.LastRebalance, tt.want)
			}
		})
	}
}

func TestCoreHodl_RebalanceNotDue(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	view := testView("hodl", types.EngineCoreHodl, "0",
		holding{symbol: "BTC", qty: "0.1"},
		holding{symbol: "LINK", qty: "300"},
	)
	state := accumulating(testNow.Add(-time.Hour), testNow.Add(-30*24*time.Hour))

	dec := engine.Evaluate(testInput(view, testSnapshot(hodlPrices), state, "hodl"))
	if len(dec.Actions) != 0 {
		t.Errorf("got %v, want no actions before the rebalance interval", symbolsOf(dec.Actions))
	}
}

// reconciledHodl runs a startup reconciliation of one CORE-HODL sub-account
// against a paper exchange and returns the view and persisted state.
func reconciledHodl(t *testing.T, basket []string, prices map[string]string, seed func(*paper.Exchange, *ledger.MemoryLedger)) (*reconcile.PortfolioView, types.EngineState) {
	t.Helper()
	ctx := context.Background()

	ex := paper.New(paper.DefaultConfig(), nil)
	ex.SetClock(func() time.Time { return testNow })
	for asset, p := range prices {
		ex.SetPrice(asset, d(p))
	}
	l := ledger.NewMemoryLedger()
	seed(ex, l)

	cfg := reconcile.DefaultConfig()
	cfg.SubAccounts = []reconcile.SubAccount{{Name: "hodl", Engine: types.EngineCoreHodl, Basket: basket}}
	rec := reconcile.New(cfg, l, ex, nil)
	rec.SetClock(func() time.Time { return testNow })

	view, err := rec.Reconcile(ctx, reconcile.ModeStartup, testSnapshot(prices))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	state, err := l.GetEngineState(ctx, types.EngineCoreHodl)
	if err != nil {
		t.Fatalf("GetEngineState() error = %v", err)
	}
	return view, state
}

func TestCoreHodl_DustPositionNeitherBlocksNorTriggers(t *testing.T) {
	prices := map[string]string{"BTC": "3000"}
	view, reconciled := reconciledHodl(t, []string{"BTC"}, prices, func(ex *paper.Exchange, l *ledger.MemoryLedger) {
		ex.Deposit("hodl", "BTC", d("0.0003"))
		ex.Deposit("hodl", "USDT", d("1000"))
		_, err := l.UpsertPosition(context.Background(), types.Position{
			ID: "dust-btc", SubAccount: "hodl", Symbol: "BTC", Side: types.PositionSideSpot,
			Quantity: d("0.0003"), AvgEntryPrice: d("3000"), Engine: types.EngineCoreHodl,
			OpenedAt: testNow.Add(-90 * 24 * time.Hour), Open: true,
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	if e, _ := view.Entry("hodl", "BTC"); e.Class != reconcile.ClassDust {
		t.Fatalf("BTC class = %s, want dust", e.Class)
	}
	if _, ok := reconciled.LastAction["BTC"]; ok {
		t.Fatal("dust reconciliation touched LastAction")
	}

	cfg := DefaultCoreHodlConfig()
	cfg.Basket = []string{"BTC"}
	cfg.Weights = map[string]decimal.Decimal{"BTC": d("1")}
	engine := NewCoreHodl(cfg)

	tests := []struct {
		name       string
		lastAction time.Time
		wantQty    string
	}{
		{"dust does not trigger a purchase", testNow.Add(-48 * time.Hour), ""},
		{"dust does not block a due purchase", testNow.Add(-200 * time.Hour), "0.03333333"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := reconciled.Clone()
			state.Phase = PhaseAccumulate
			state.LastRebalance = testNow
			state.LastAction["BTC"] = tt.lastAction

			dec := engine.Evaluate(testInput(view, testSnapshot(prices), state, "hodl"))

			if tt.wantQty == "" {
				if len(dec.Actions) != 0 {
					t.Errorf("got %v, want no purchase", symbolsOf(dec.Actions))
				}
				return
			}
			if len(dec.Actions) != 1 {
				t.Fatalf("got %v, want one BTC purchase", symbolsOf(dec.Actions))
			}
			// The full DCA amount is spent: dust is not counted as a holding.
			if !dec.Actions[0].Quantity.Equal(d(tt.wantQty)) {
				t.Errorf("quantity = %s, want %s", dec.Actions[0].Quantity, tt.wantQty)
			}
		})
	}
}

func TestCoreHodl_RestartWithHoldingsIsSilent(t *testing.T) {
	prices := map[string]string{"BTC": "3000", "ETH": "2000", "SOL": "100"}
	view, state := reconciledHodl(t, []string{"BTC", "ETH", "SOL"}, prices, func(ex *paper.Exchange, _ *ledger.MemoryLedger) {
		ex.Deposit("hodl", "BTC", d("0.1"))
		ex.Deposit("hodl", "ETH", d("1"))
		ex.Deposit("hodl", "SOL", d("10"))
		ex.Deposit("hodl", "USDT", d("5000"))
	})

	for _, sym := range []string{"BTC", "ETH", "SOL"} {
		if e, _ := view.Entry("hodl", sym); e.Class != reconcile.ClassExchangeOnly {
			t.Errorf("%s class = %s, want exchange_only", sym, e.Class)
		}
		if !state.LastAction[sym].Equal(testNow) {
			t.Errorf("LastAction[%s] = %v, want reconciliation time", sym, state.LastAction[sym])
		}
	}

	cfg := DefaultCoreHodlConfig()
	cfg.Basket = []string{"BTC", "ETH", "SOL"}
	engine := NewCoreHodl(cfg)

	for _, phase := range []string{"", PhaseAccumulate} {
		s := state.Clone()
		s.Phase = phase
		s.LastRebalance = testNow
		dec := engine.Evaluate(testInput(view, testSnapshot(prices), s, "hodl"))
		if len(dec.Actions) != 0 {
			t.Errorf("phase %q: got %v, want no trades right after restart", phase, symbolsOf(dec.Actions))
		}
	}
}

func TestCoreHodl_ApplyTracksCapital(t *testing.T) {
	engine := NewCoreHodl(DefaultCoreHodlConfig())
	action := NewActionBuilder(types.EngineCoreHodl, "hodl", testNow).Buy("ETH", d("0.5"), d("2000")).Build()
	exec := types.Execution{
		Action: types.ApprovedAction{ProposedAction: action},
		Orders: []types.Order{{Symbol: "ETH", Side: types.OrderSideBuy, FilledQty: d("0.5"), AvgFillPrice: d("2010"), Status: types.OrderStatusFilled}},
		Filled: true,
	}

	next := engine.Apply(types.NewEngineState(types.EngineCoreHodl), []types.Execution{exec}, testNow)

	if !next.AllocatedCapital.Equal(d("1005")) {
		t.Errorf("AllocatedCapital = %s, want 1005", next.AllocatedCapital)
	}
	if !next.LastAction["ETH"].Equal(testNow) {
		t.Error("LastAction[ETH] not recorded")
	}
}
