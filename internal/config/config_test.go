package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

const validYAML = `
account:
  name: main
  quote_asset: usdt
  cash_assets: [USDC]

engines:
  core_hodl:
    enabled: true
    subaccount: hodl
    allocation_pct: 0.5
    basket: [BTC, ETH, SOL]
    weights:
      BTC: 0.5
      ETH: 0.3
    dca_amount: 250
    cadence: 30m
  trend:
    enabled: true
    subaccount: trend
    allocation_pct: 0.2
    symbols: [BTC]
  funding_arb:
    enabled: true
    subaccount: arb
    allocation_pct: 0.2
    symbols: [BTC, ETH]
    open_apy: 0.12
    close_apy: 0.04
  tactical_cash:
    enabled: true
    subaccount: reserve
    allocation_pct: 0.1

risk:
  position_cap_pct: 0.05
  drawdown_breaker_pct: 0.2
  max_order_notional: 1000

market:
  feed: static
  prices:
    BTC: 50000
    ETH: 2000
    SOL: 100
  funding:
    BTC-PERP: 0.0001

persistence:
  type: sqlite
  path: /tmp/allocator.db
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Account.QuoteAsset != "USDT" {
		t.Errorf("QuoteAsset = %s, want USDT", cfg.Account.QuoteAsset)
	}
	if !cfg.Engines.CoreHodl.AllocationPct.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("core_hodl allocation = %s", cfg.Engines.CoreHodl.AllocationPct)
	}
	if !cfg.Engines.CoreHodl.DCAAmount.Equal(decimal.NewFromInt(250)) {
		t.Errorf("DCAAmount = %s, want 250", cfg.Engines.CoreHodl.DCAAmount)
	}
	if cfg.Engines.CoreHodl.Cadence != 30*time.Minute {
		t.Errorf("Cadence = %v, want 30m", cfg.Engines.CoreHodl.Cadence)
	}
	if cfg.Engines.FundingArb.MinPeriods != 3 {
		t.Errorf("MinPeriods default = %d, want 3", cfg.Engines.FundingArb.MinPeriods)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"dust threshold", cfg.Reconcile.DustThreshold, "1"},
		{"initial deploy", cfg.Engines.CoreHodl.InitialDeployPct, "0.5"},
		{"trend breaker", cfg.Engines.Trend.BreakerPct, "0.35"},
		{"paper fee", cfg.Paper.FeeRate, "0.001"},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
	if cfg.Engines.CoreHodl.DCACooldown != 168*time.Hour {
		t.Errorf("DCACooldown = %v, want 168h", cfg.Engines.CoreHodl.DCACooldown)
	}
	if cfg.Reconcile.DefaultEngine != "core_hodl" {
		t.Errorf("DefaultEngine = %q", cfg.Reconcile.DefaultEngine)
	}
	if len(cfg.Risk.ExemptEngines) != 1 || cfg.Risk.ExemptEngines[0] != "tactical_cash" {
		t.Errorf("ExemptEngines = %v", cfg.Risk.ExemptEngines)
	}
	if cfg.Logging.Format != "json" || cfg.Shutdown.Timeout != 30*time.Second {
		t.Errorf("logging/shutdown defaults not applied: %+v %+v", cfg.Logging, cfg.Shutdown)
	}
}

func TestLoadFromBytes_DecimalsAreExact(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(strings.Replace(validYAML, "max_order_notional: 1000", "max_order_notional: 0.1", 1)))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.MaxOrderNotional.String() != "0.1" {
		t.Errorf("MaxOrderNotional = %s, want exactly 0.1", cfg.Risk.MaxOrderNotional)
	}
}

func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		wantErr string
	}{
		{
			name:    "allocations above one",
			old:     "allocation_pct: 0.1",
			new:     "allocation_pct: 0.3",
			wantErr: "allocations sum to 1.2",
		},
		{
			name:    "weights above one",
			old:     "ETH: 0.3\n",
			new:     "ETH: 0.6\n",
			wantErr: "core_hodl.weights must not sum above 1",
		},
		{
			name:    "duplicate subaccount",
			old:     "subaccount: trend",
			new:     "subaccount: hodl",
			wantErr: `subaccount "hodl" is already used by core_hodl`,
		},
		{
			name:    "missing subaccount",
			old:     "subaccount: arb",
			new:     "subaccount: \"\"",
			wantErr: "engines.funding_arb.subaccount is required",
		},
		{
			name:    "missing symbols",
			old:     "symbols: [BTC]\n",
			new:     "symbols: []\n",
			wantErr: "engines.trend has no symbols",
		},
		{
			name:    "close above open",
			old:     "close_apy: 0.04",
			new:     "close_apy: 0.2",
			wantErr: "close_apy must be below open_apy",
		},
		{
			name:    "cap out of range",
			old:     "position_cap_pct: 0.05",
			new:     "position_cap_pct: 1.5",
			wantErr: "risk.position_cap_pct must be between 0 and 1",
		},
		{
			name:    "unknown reserve engine",
			old:     "max_order_notional: 1000",
			new:     "max_order_notional: 1000\n  reserve_engine: savings",
			wantErr: `risk.reserve_engine has unknown engine "savings"`,
		},
		{
			name:    "reserve sweep above one",
			old:     "max_order_notional: 1000",
			new:     "max_order_notional: 1000\n  reserve_sweep_pct: 2",
			wantErr: "risk.reserve_sweep_pct must be between 0 and 1",
		},
		{
			name:    "missing static price",
			old:     "    SOL: 100\n",
			new:     "",
			wantErr: "market.prices.SOL is required",
		},
		{
			name:    "invalid persistence type",
			old:     "type: sqlite",
			new:     "type: mysql",
			wantErr: "persistence.type must be 'memory', 'sqlite' or 'postgres'",
		},
		{
			name:    "sqlite without path",
			old:     "path: /tmp/allocator.db",
			new:     "path: \"\"",
			wantErr: "persistence.path is required for sqlite",
		},
		{
			name:    "weight outside basket",
			old:     "basket: [BTC, ETH, SOL]",
			new:     "basket: [BTC, SOL]",
			wantErr: "weights has ETH outside the basket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(validYAML, tt.old) {
				t.Fatalf("fixture does not contain %q", tt.old)
			}
			_, err := LoadFromBytes([]byte(strings.Replace(validYAML, tt.old, tt.new, 1)))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromBytes_CollectsEveryProblem(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
engines:
  core_hodl:
    enabled: true
persistence:
  type: nope
`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"subaccount is required", "allocation_pct", "persistence.type", "market.prices.BTC"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestLoadFromBytes_NoEngines(t *testing.T) {
	_, err := LoadFromBytes([]byte("account:\n  name: x\n"))
	if err == nil || !strings.Contains(err.Error(), "at least one engine") {
		t.Errorf("error = %v", err)
	}
}

func TestConfig_ToReconcileConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	rc := cfg.ToReconcileConfig()
	if rc.QuoteAsset != "USDT" || len(rc.CashAssets) != 1 || rc.CashAssets[0] != "USDC" {
		t.Errorf("assets = %s %v", rc.QuoteAsset, rc.CashAssets)
	}
	if len(rc.SubAccounts) != 4 {
		t.Fatalf("subaccounts = %d, want 4", len(rc.SubAccounts))
	}

	arb := rc.SubAccounts[2]
	if arb.Name != "arb" || arb.Engine != types.EngineFundingArb {
		t.Fatalf("third subaccount = %+v, want funding arb", arb)
	}
	want := []string{"BTC", "BTC-PERP", "ETH", "ETH-PERP"}
	if strings.Join(arb.Basket, ",") != strings.Join(want, ",") {
		t.Errorf("arb basket = %v, want %v", arb.Basket, want)
	}

	reserve := rc.SubAccounts[3]
	if strings.Join(reserve.Basket, ",") != "BTC,ETH" {
		t.Errorf("tactical basket = %v", reserve.Basket)
	}
}

func TestConfig_ToRiskConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	riskCfg := cfg.ToRiskConfig()

	if !riskCfg.PositionCapPct.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("PositionCapPct = %s, want 0.05", riskCfg.PositionCapPct)
	}
	if !riskCfg.Allocations[types.EngineFundingArb].Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("Allocations = %v", riskCfg.Allocations)
	}
	if !riskCfg.EngineBreakers[types.EngineTrend].Equal(decimal.RequireFromString("0.35")) {
		t.Errorf("EngineBreakers = %v", riskCfg.EngineBreakers)
	}
	if len(riskCfg.ExemptEngines) != 1 || riskCfg.ExemptEngines[0] != types.EngineTacticalCash {
		t.Errorf("ExemptEngines = %v", riskCfg.ExemptEngines)
	}
	if riskCfg.Reserve.Engine != types.EngineTacticalCash ||
		!riskCfg.Reserve.SweepPct.Equal(decimal.NewFromInt(1)) ||
		!riskCfg.Reserve.ReturnBandPct.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("Reserve = %+v, want tactical_cash defaults", riskCfg.Reserve)
	}
}

func TestConfig_ReserveSettings(t *testing.T) {
	yaml := strings.Replace(validYAML, "  max_order_notional: 1000\n",
		"  max_order_notional: 1000\n  reserve_engine: none\n", 1)
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.ToRiskConfig().Reserve; got.Engine != "" {
		t.Errorf("Reserve = %+v, want disabled", got)
	}

	yaml = strings.Replace(validYAML, "  max_order_notional: 1000\n",
		"  max_order_notional: 1000\n  reserve_sweep_pct: 0.5\n  reserve_return_band_pct: 0.25\n", 1)
	cfg, err = LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	got := cfg.ToRiskConfig().Reserve
	if !got.SweepPct.Equal(decimal.RequireFromString("0.5")) || !got.ReturnBandPct.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("Reserve = %+v, want sweep 0.5 band 0.25", got)
	}
}

func TestConfig_PipelineAndScheduler(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	pc := cfg.ToPipelineConfig()
	if pc.Account != "main" || pc.SubAccounts[types.EngineTacticalCash] != "reserve" {
		t.Errorf("pipeline config = %+v", pc)
	}

	sc := cfg.ToSchedulerConfig()
	if sc.Cadences[types.EngineCoreHodl] != 30*time.Minute {
		t.Errorf("core_hodl cadence = %v", sc.Cadences[types.EngineCoreHodl])
	}
	if sc.Cadences[types.EngineTrend] != 24*time.Hour {
		t.Errorf("trend cadence = %v, want daily default", sc.Cadences[types.EngineTrend])
	}

	engines := cfg.BuildEngines()
	if len(engines) != 4 {
		t.Fatalf("engines = %d, want 4", len(engines))
	}
	for i, name := range types.AllEngines() {
		if engines[i].Name() != name {
			t.Errorf("engine %d = %s, want %s", i, engines[i].Name(), name)
		}
	}

	if got := strings.Join(cfg.Assets(), ","); got != "BTC,ETH,SOL" {
		t.Errorf("Assets() = %s", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validYAML), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Account.Name != "main" {
		t.Errorf("Account.Name = %s, want main", cfg.Account.Name)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "my-secret-token")

	yaml := validYAML + `
alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: "${TEST_BOT_TOKEN}"
      chat_id: "12345"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Alerting.Channels) == 0 {
		t.Fatal("Expected alerting channels")
	}

	if cfg.Alerting.Channels[0].BotToken != "my-secret-token" {
		t.Errorf("BotToken = %s, want my-secret-token", cfg.Alerting.Channels[0].BotToken)
	}
}

func TestConfig_IsAlertEventEnabled(t *testing.T) {
	cfg := &Config{Alerting: AlertingConfig{Enabled: true, Events: []string{"breaker_tripped"}}}
	if !cfg.IsAlertEventEnabled("breaker_tripped") {
		t.Error("listed event should be enabled")
	}
	if cfg.IsAlertEventEnabled("order_filled") {
		t.Error("unlisted event should be disabled")
	}
	cfg.Alerting.Enabled = false
	if cfg.IsAlertEventEnabled("breaker_tripped") {
		t.Error("disabled alerting should disable every event")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if got := len(cfg.EnabledEngines()); got != 4 {
		t.Errorf("enabled engines = %d, want 4", got)
	}
	if cfg.Market.Feed != "binance" {
		t.Errorf("feed = %q, want binance", cfg.Market.Feed)
	}
}
