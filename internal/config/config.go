// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/allocation"
	"github.com/tathienbao/allocator/internal/exchange"
	"github.com/tathienbao/allocator/internal/exchange/paper"
	"github.com/tathienbao/allocator/internal/execution"
	"github.com/tathienbao/allocator/internal/market"
	"github.com/tathienbao/allocator/internal/metrics"
	"github.com/tathienbao/allocator/internal/pipeline"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/risk"
	"github.com/tathienbao/allocator/internal/scheduler"
	"github.com/tathienbao/allocator/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Account     AccountConfig     `yaml:"account"`
	Engines     EnginesConfig     `yaml:"engines"`
	Risk        RiskConfig        `yaml:"risk"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Market      MarketConfig      `yaml:"market"`
	Paper       PaperConfig       `yaml:"paper"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AccountConfig identifies the exchange account.
type AccountConfig struct {
	Name       string   `yaml:"name"`
	QuoteAsset string   `yaml:"quote_asset"`
	CashAssets []string `yaml:"cash_assets"`
}

// EnginesConfig holds per-engine settings.
type EnginesConfig struct {
	CoreHodl     CoreHodlConfig     `yaml:"core_hodl"`
	Trend        TrendConfig        `yaml:"trend"`
	FundingArb   FundingArbConfig   `yaml:"funding_arb"`
	TacticalCash TacticalCashConfig `yaml:"tactical_cash"`
}

// EngineCommon is shared by every engine section.
type EngineCommon struct {
	Enabled       bool            `yaml:"enabled"`
	SubAccount    string          `yaml:"subaccount"`
	AllocationPct decimal.Decimal `yaml:"allocation_pct"`
	Cadence       time.Duration   `yaml:"cadence"`
}

// CoreHodlConfig holds CORE-HODL settings.
type CoreHodlConfig struct {
	EngineCommon      `yaml:",inline"`
	Basket            []string                   `yaml:"basket"`
	Weights           map[string]decimal.Decimal `yaml:"weights"`
	InitialDeployPct  decimal.Decimal            `yaml:"initial_deploy_pct"`
	DeployInterval    time.Duration              `yaml:"deploy_interval"`
	DCAAmount         decimal.Decimal            `yaml:"dca_amount"`
	DCACooldown       time.Duration              `yaml:"dca_cooldown"`
	RebalanceInterval time.Duration              `yaml:"rebalance_interval"`
	RebalanceBandPct  decimal.Decimal            `yaml:"rebalance_band_pct"`
}

// TrendConfig holds TREND settings.
type TrendConfig struct {
	EngineCommon `yaml:",inline"`
	Symbols      []string        `yaml:"symbols"`
	Lookback     int             `yaml:"lookback"`
	EntryZ       decimal.Decimal `yaml:"entry_z"`
	ExitZ        decimal.Decimal `yaml:"exit_z"`
	StopLossPct  decimal.Decimal `yaml:"stop_loss_pct"`
	Cooldown     time.Duration   `yaml:"cooldown"`
	BreakerPct   decimal.Decimal `yaml:"breaker_pct"`
}

// FundingArbConfig holds FUNDING-ARB settings.
type FundingArbConfig struct {
	EngineCommon   `yaml:",inline"`
	Symbols        []string        `yaml:"symbols"`
	OpenAPY        decimal.Decimal `yaml:"open_apy"`
	CloseAPY       decimal.Decimal `yaml:"close_apy"`
	MinPeriods     int             `yaml:"min_periods"`
	MarginFraction decimal.Decimal `yaml:"margin_fraction"`
	Cooldown       time.Duration   `yaml:"cooldown"`
}

// TacticalCashConfig holds TACTICAL-CASH settings.
type TacticalCashConfig struct {
	EngineCommon      `yaml:",inline"`
	Targets           map[string]decimal.Decimal `yaml:"targets"`
	DeployDrawdownPct decimal.Decimal            `yaml:"deploy_drawdown_pct"`
	RearmDrawdownPct  decimal.Decimal            `yaml:"rearm_drawdown_pct"`
	DeployFraction    decimal.Decimal            `yaml:"deploy_fraction"`
}

// RiskConfig holds governor settings.
type RiskConfig struct {
	PositionCapPct     decimal.Decimal `yaml:"position_cap_pct"`
	DrawdownBreakerPct decimal.Decimal `yaml:"drawdown_breaker_pct"`
	BreakerCooldown    time.Duration   `yaml:"breaker_cooldown"` // zero means manual clear only
	MaxOrderNotional   decimal.Decimal `yaml:"max_order_notional"`
	ExemptEngines      []string        `yaml:"exempt_engines"`

	// The reserve engine's sub-account absorbs idle cash of blocked engines
	// while the portfolio breaker is tripped and returns its surplus after.
	ReserveEngine        string          `yaml:"reserve_engine"` // "none" disables transfers
	ReserveSweepPct      decimal.Decimal `yaml:"reserve_sweep_pct"`
	ReserveReturnBandPct decimal.Decimal `yaml:"reserve_return_band_pct"`
}

// ReconcileConfig holds reconciliation settings.
type ReconcileConfig struct {
	DustThreshold   decimal.Decimal `yaml:"dust_threshold"`
	QuantityEpsilon decimal.Decimal `yaml:"quantity_epsilon"`
	DefaultEngine   string          `yaml:"default_engine"`
	OrphanAfter     time.Duration   `yaml:"orphan_after"`
}

// SchedulerConfig holds scheduler timing.
type SchedulerConfig struct {
	Tick              time.Duration `yaml:"tick"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	SummaryInterval   time.Duration `yaml:"summary_interval"`
}

// ExecutionConfig holds order execution and gateway settings.
type ExecutionConfig struct {
	OrderTimeout      time.Duration `yaml:"order_timeout"`
	LegWindow         time.Duration `yaml:"leg_window"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

// MarketConfig holds market data settings.
type MarketConfig struct {
	Feed        string                     `yaml:"feed"` // binance | static
	URL         string                     `yaml:"url"`
	HistoryFile string                     `yaml:"history_file"`
	MaxAge      time.Duration              `yaml:"max_age"`
	Prices      map[string]decimal.Decimal `yaml:"prices"`  // static marks
	Funding     map[string]decimal.Decimal `yaml:"funding"` // static funding rates per perp
}

// PaperConfig holds the simulated exchange settings.
type PaperConfig struct {
	FeeRate   decimal.Decimal                       `yaml:"fee_rate"`
	Balances  map[string]map[string]decimal.Decimal `yaml:"balances"`   // subaccount -> asset -> amount
	StateFile string                                `yaml:"state_file"` // paper account persisted across restarts
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Type string `yaml:"type"` // memory | sqlite | postgres
	Path string `yaml:"path"` // for sqlite
	DSN  string `yaml:"dsn"`  // for postgres
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type       string `yaml:"type"` // console | telegram | discord
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	WebhookURL string `yaml:"webhook_url"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. ${VAR} references are
// expanded from the environment before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", types.ErrInvalidConfig, err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDecimal(d *decimal.Decimal, def decimal.Decimal) {
	if d.IsZero() {
		*d = def
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(i *int, def int) {
	if *i == 0 {
		*i = def
	}
}

// setDefaults fills unset fields from each package's defaults.
func (c *Config) setDefaults() {
	if c.Account.Name == "" {
		c.Account.Name = "main"
	}
	if c.Account.QuoteAsset == "" {
		c.Account.QuoteAsset = "USDT"
	}
	c.Account.QuoteAsset = types.NormalizeSymbol(c.Account.QuoteAsset)

	sched := scheduler.DefaultConfig()

	hodl := allocation.DefaultCoreHodlConfig()
	h := &c.Engines.CoreHodl
	if h.Basket == nil {
		h.Basket = hodl.Basket
	}
	if h.Weights == nil {
		h.Weights = hodl.Weights
	}
	setDecimal(&h.InitialDeployPct, hodl.InitialDeployPct)
	setDuration(&h.DeployInterval, hodl.DeployInterval)
	setDecimal(&h.DCAAmount, hodl.DCAAmount)
	setDuration(&h.DCACooldown, hodl.DCACooldown)
	setDuration(&h.RebalanceInterval, hodl.RebalanceInterval)
	setDecimal(&h.RebalanceBandPct, hodl.RebalanceBandPct)
	setDuration(&h.Cadence, sched.Cadences[types.EngineCoreHodl])

	trend := allocation.DefaultTrendConfig()
	t := &c.Engines.Trend
	if t.Symbols == nil {
		t.Symbols = trend.Symbols
	}
	setInt(&t.Lookback, trend.Lookback)
	setDecimal(&t.EntryZ, trend.EntryZ)
	setDecimal(&t.StopLossPct, trend.StopLossPct)
	setDuration(&t.Cooldown, trend.Cooldown)
	setDuration(&t.Cadence, sched.Cadences[types.EngineTrend])

	arb := allocation.DefaultFundingArbConfig()
	a := &c.Engines.FundingArb
	if a.Symbols == nil {
		a.Symbols = arb.Symbols
	}
	setDecimal(&a.OpenAPY, arb.OpenAPY)
	setDecimal(&a.CloseAPY, arb.CloseAPY)
	setInt(&a.MinPeriods, arb.MinPeriods)
	setDecimal(&a.MarginFraction, arb.MarginFraction)
	setDuration(&a.Cooldown, arb.Cooldown)
	setDuration(&a.Cadence, sched.Cadences[types.EngineFundingArb])

	tactical := allocation.DefaultTacticalCashConfig()
	tc := &c.Engines.TacticalCash
	if tc.Targets == nil {
		tc.Targets = tactical.Targets
	}
	setDecimal(&tc.DeployDrawdownPct, tactical.DeployDrawdownPct)
	setDecimal(&tc.RearmDrawdownPct, tactical.RearmDrawdownPct)
	setDecimal(&tc.DeployFraction, tactical.DeployFraction)
	setDuration(&tc.Cadence, sched.Cadences[types.EngineTacticalCash])

	rd := risk.DefaultConfig()
	setDecimal(&c.Risk.PositionCapPct, rd.PositionCapPct)
	setDecimal(&c.Risk.DrawdownBreakerPct, rd.DrawdownBreakerPct)
	setDecimal(&t.BreakerPct, rd.EngineBreakers[types.EngineTrend])
	if c.Risk.ExemptEngines == nil {
		for _, e := range rd.ExemptEngines {
			c.Risk.ExemptEngines = append(c.Risk.ExemptEngines, string(e))
		}
	}
	if c.Risk.ReserveEngine == "" {
		c.Risk.ReserveEngine = string(rd.Reserve.Engine)
	}
	setDecimal(&c.Risk.ReserveSweepPct, rd.Reserve.SweepPct)
	setDecimal(&c.Risk.ReserveReturnBandPct, rd.Reserve.ReturnBandPct)

	rc := reconcile.DefaultConfig()
	setDecimal(&c.Reconcile.DustThreshold, rc.DustThreshold)
	setDecimal(&c.Reconcile.QuantityEpsilon, rc.QuantityEpsilon)
	if c.Reconcile.DefaultEngine == "" {
		c.Reconcile.DefaultEngine = string(rc.DefaultEngine)
	}
	setDuration(&c.Reconcile.OrphanAfter, rc.OrphanAfter)

	setDuration(&c.Scheduler.Tick, sched.Tick)
	setDuration(&c.Scheduler.ReconcileInterval, sched.ReconcileInterval)

	ed := execution.DefaultConfig()
	setDuration(&c.Execution.OrderTimeout, ed.OrderTimeout)
	setDuration(&c.Execution.LegWindow, ed.LegWindow)
	setDuration(&c.Execution.PollInterval, ed.PollInterval)
	gd := exchange.DefaultResilientConfig()
	setInt(&c.Execution.RequestsPerSecond, gd.RequestsPerSecond)
	setDuration(&c.Execution.CallTimeout, gd.CallTimeout)
	setDuration(&c.Execution.RetryDelay, gd.RetryDelay)

	if c.Market.Feed == "" {
		c.Market.Feed = "static"
	}
	if c.Market.URL == "" {
		c.Market.URL = market.DefaultBinanceFeedConfig().URL
	}
	setDuration(&c.Market.MaxAge, market.DefaultCacheConfig().MaxAge)

	setDecimal(&c.Paper.FeeRate, paper.DefaultConfig().FeeRate)

	if c.Persistence.Type == "" {
		c.Persistence.Type = "memory"
	}

	md := metrics.DefaultServerConfig()
	setInt(&c.Metrics.Port, md.Port)
	if c.Metrics.Path == "" {
		c.Metrics.Path = md.MetricsPath
	}

	setDuration(&c.Shutdown.Timeout, 30*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// reserveDisabled as risk.reserve_engine turns reserve transfers off.
const reserveDisabled = "none"

func inUnit(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThanOrEqual(decimal.NewFromInt(1))
}

// Validate validates the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	enabled := c.EnabledEngines()
	if len(enabled) == 0 {
		errs = append(errs, "at least one engine must be enabled")
	}

	total := decimal.Zero
	owners := make(map[string]types.EngineName)
	for _, name := range enabled {
		common := c.common(name)
		prefix := "engines." + string(name)
		if common.SubAccount == "" {
			errs = append(errs, prefix+".subaccount is required")
		} else if other, dup := owners[common.SubAccount]; dup {
			errs = append(errs, fmt.Sprintf("%s.subaccount %q is already used by %s", prefix, common.SubAccount, other))
		} else {
			owners[common.SubAccount] = name
		}
		if !inUnit(common.AllocationPct) {
			errs = append(errs, prefix+".allocation_pct must be between 0 and 1")
		}
		if common.Cadence < 0 {
			errs = append(errs, prefix+".cadence must not be negative")
		}
		if len(c.symbols(name)) == 0 {
			errs = append(errs, prefix+" has no symbols")
		}
		total = total.Add(common.AllocationPct)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("engine allocations sum to %s, must not exceed 1", total))
	}

	if c.Engines.CoreHodl.Enabled {
		h := c.Engines.CoreHodl
		if sumWeights(h.Weights).GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, "engines.core_hodl.weights must not sum above 1")
		}
		for sym := range h.Weights {
			if !hasSymbol(h.Basket, sym) {
				errs = append(errs, fmt.Sprintf("engines.core_hodl.weights has %s outside the basket", sym))
			}
		}
		if !inUnit(h.InitialDeployPct) {
			errs = append(errs, "engines.core_hodl.initial_deploy_pct must be between 0 and 1")
		}
		if h.DCAAmount.IsNegative() {
			errs = append(errs, "engines.core_hodl.dca_amount must not be negative")
		}
		if !inUnit(h.RebalanceBandPct) {
			errs = append(errs, "engines.core_hodl.rebalance_band_pct must be between 0 and 1")
		}
	}

	if c.Engines.Trend.Enabled {
		t := c.Engines.Trend
		if t.Lookback < 2 {
			errs = append(errs, "engines.trend.lookback must be at least 2")
		}
		if t.ExitZ.GreaterThanOrEqual(t.EntryZ) {
			errs = append(errs, "engines.trend.exit_z must be below entry_z")
		}
		if !inUnit(t.StopLossPct) {
			errs = append(errs, "engines.trend.stop_loss_pct must be between 0 and 1")
		}
		if !inUnit(t.BreakerPct) {
			errs = append(errs, "engines.trend.breaker_pct must be between 0 and 1")
		}
	}

	if c.Engines.FundingArb.Enabled {
		a := c.Engines.FundingArb
		if a.CloseAPY.GreaterThanOrEqual(a.OpenAPY) {
			errs = append(errs, "engines.funding_arb.close_apy must be below open_apy")
		}
		if a.MinPeriods < 1 {
			errs = append(errs, "engines.funding_arb.min_periods must be at least 1")
		}
		if !inUnit(a.MarginFraction) {
			errs = append(errs, "engines.funding_arb.margin_fraction must be between 0 and 1")
		}
	}

	if c.Engines.TacticalCash.Enabled {
		tc := c.Engines.TacticalCash
		if sumWeights(tc.Targets).GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, "engines.tactical_cash.targets must not sum above 1")
		}
		if !inUnit(tc.DeployDrawdownPct) {
			errs = append(errs, "engines.tactical_cash.deploy_drawdown_pct must be between 0 and 1")
		}
		if tc.RearmDrawdownPct.GreaterThanOrEqual(tc.DeployDrawdownPct) {
			errs = append(errs, "engines.tactical_cash.rearm_drawdown_pct must be below deploy_drawdown_pct")
		}
		if !inUnit(tc.DeployFraction) {
			errs = append(errs, "engines.tactical_cash.deploy_fraction must be between 0 and 1")
		}
	}

	if !inUnit(c.Risk.PositionCapPct) {
		errs = append(errs, "risk.position_cap_pct must be between 0 and 1")
	}
	if !inUnit(c.Risk.DrawdownBreakerPct) {
		errs = append(errs, "risk.drawdown_breaker_pct must be between 0 and 1")
	}
	if c.Risk.BreakerCooldown < 0 {
		errs = append(errs, "risk.breaker_cooldown must not be negative")
	}
	if c.Risk.MaxOrderNotional.IsNegative() {
		errs = append(errs, "risk.max_order_notional must not be negative")
	}
	for _, e := range c.Risk.ExemptEngines {
		if !types.EngineName(e).Valid() {
			errs = append(errs, fmt.Sprintf("risk.exempt_engines has unknown engine %q", e))
		}
	}
	if e := c.Risk.ReserveEngine; e != reserveDisabled && !types.EngineName(e).Valid() {
		errs = append(errs, fmt.Sprintf("risk.reserve_engine has unknown engine %q", e))
	}
	if !inUnit(c.Risk.ReserveSweepPct) {
		errs = append(errs, "risk.reserve_sweep_pct must be between 0 and 1")
	}
	if !inUnit(c.Risk.ReserveReturnBandPct) {
		errs = append(errs, "risk.reserve_return_band_pct must be between 0 and 1")
	}

	if c.Reconcile.DustThreshold.IsNegative() {
		errs = append(errs, "reconcile.dust_threshold must not be negative")
	}
	if !c.Reconcile.QuantityEpsilon.IsPositive() {
		errs = append(errs, "reconcile.quantity_epsilon must be positive")
	}
	if !types.EngineName(c.Reconcile.DefaultEngine).Valid() {
		errs = append(errs, fmt.Sprintf("reconcile.default_engine %q is not an engine", c.Reconcile.DefaultEngine))
	}

	if c.Scheduler.Tick <= 0 {
		errs = append(errs, "scheduler.tick must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must not be negative")
	}

	switch c.Market.Feed {
	case "binance":
	case "static":
		for _, sym := range c.Assets() {
			if p, ok := c.Market.Prices[sym]; !ok || !p.IsPositive() {
				errs = append(errs, fmt.Sprintf("market.prices.%s is required for the static feed", sym))
			}
		}
	default:
		errs = append(errs, "market.feed must be 'binance' or 'static'")
	}

	if c.Paper.FeeRate.IsNegative() || c.Paper.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "paper.fee_rate must be between 0 and 1")
	}

	switch c.Persistence.Type {
	case "memory":
	case "sqlite":
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for sqlite")
		}
	case "postgres":
		if c.Persistence.DSN == "" {
			errs = append(errs, "persistence.dsn is required for postgres")
		}
	default:
		errs = append(errs, "persistence.type must be 'memory', 'sqlite' or 'postgres'")
	}

	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d] telegram needs bot_token and chat_id", i))
				}
			case "discord":
				if ch.WebhookURL == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d] discord needs webhook_url", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d] has unknown type %q", i, ch.Type))
			}
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be a valid port")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not supported", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be 'json' or 'text'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func sumWeights(w map[string]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range w {
		sum = sum.Add(v)
	}
	return sum
}

func hasSymbol(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Config) common(name types.EngineName) EngineCommon {
	switch name {
	case types.EngineCoreHodl:
		return c.Engines.CoreHodl.EngineCommon
	case types.EngineTrend:
		return c.Engines.Trend.EngineCommon
	case types.EngineFundingArb:
		return c.Engines.FundingArb.EngineCommon
	case types.EngineTacticalCash:
		return c.Engines.TacticalCash.EngineCommon
	}
	return EngineCommon{}
}

// symbols lists the base assets an engine trades.
func (c *Config) symbols(name types.EngineName) []string {
	switch name {
	case types.EngineCoreHodl:
		return c.Engines.CoreHodl.Basket
	case types.EngineTrend:
		return c.Engines.Trend.Symbols
	case types.EngineFundingArb:
		return c.Engines.FundingArb.Symbols
	case types.EngineTacticalCash:
		return sortedKeys(c.Engines.TacticalCash.Targets)
	}
	return nil
}

// EnabledEngines returns the enabled engines in evaluation order.
func (c *Config) EnabledEngines() []types.EngineName {
	var out []types.EngineName
	for _, name := range types.AllEngines() {
		if c.common(name).Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Assets returns every base asset an enabled engine trades, sorted.
func (c *Config) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range c.EnabledEngines() {
		for _, sym := range c.symbols(name) {
			base := types.BaseAsset(types.NormalizeSymbol(sym))
			if !seen[base] {
				seen[base] = true
				out = append(out, base)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Allocations returns the allocation share of each enabled engine.
func (c *Config) Allocations() map[types.EngineName]decimal.Decimal {
	out := make(map[types.EngineName]decimal.Decimal)
	for _, name := range c.EnabledEngines() {
		out[name] = c.common(name).AllocationPct
	}
	return out
}

// BuildEngines constructs the enabled allocation engines.
func (c *Config) BuildEngines() []allocation.Engine {
	var out []allocation.Engine
	for _, name := range c.EnabledEngines() {
		switch name {
		case types.EngineCoreHodl:
			h := c.Engines.CoreHodl
			out = append(out, allocation.NewCoreHodl(allocation.CoreHodlConfig{
				Basket:            h.Basket,
				Weights:           h.Weights,
				InitialDeployPct:  h.InitialDeployPct,
				DeployInterval:    h.DeployInterval,
				DCAAmount:         h.DCAAmount,
				DCACooldown:       h.DCACooldown,
				RebalanceInterval: h.RebalanceInterval,
				RebalanceBandPct:  h.RebalanceBandPct,
			}))
		case types.EngineTrend:
			t := c.Engines.Trend
			out = append(out, allocation.NewTrend(allocation.TrendConfig{
				Symbols:     t.Symbols,
				Lookback:    t.Lookback,
				EntryZ:      t.EntryZ,
				ExitZ:       t.ExitZ,
				StopLossPct: t.StopLossPct,
				Cooldown:    t.Cooldown,
			}))
		case types.EngineFundingArb:
			a := c.Engines.FundingArb
			out = append(out, allocation.NewFundingArb(allocation.FundingArbConfig{
				Symbols:        a.Symbols,
				OpenAPY:        a.OpenAPY,
				CloseAPY:       a.CloseAPY,
				MinPeriods:     a.MinPeriods,
				MarginFraction: a.MarginFraction,
				Cooldown:       a.Cooldown,
			}))
		case types.EngineTacticalCash:
			tc := c.Engines.TacticalCash
			out = append(out, allocation.NewTacticalCash(allocation.TacticalCashConfig{
				Targets:           tc.Targets,
				DeployDrawdownPct: tc.DeployDrawdownPct,
				RearmDrawdownPct:  tc.RearmDrawdownPct,
				DeployFraction:    tc.DeployFraction,
			}))
		}
	}
	return out
}

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	cfg := risk.Config{
		PositionCapPct:     c.Risk.PositionCapPct,
		DrawdownBreakerPct: c.Risk.DrawdownBreakerPct,
		BreakerCooldown:    c.Risk.BreakerCooldown,
		DustThreshold:      c.Reconcile.DustThreshold,
		Allocations:        c.Allocations(),
		EngineBreakers:     make(map[types.EngineName]decimal.Decimal),
	}
	if c.Engines.Trend.Enabled {
		cfg.EngineBreakers[types.EngineTrend] = c.Engines.Trend.BreakerPct
	}
	for _, e := range c.Risk.ExemptEngines {
		cfg.ExemptEngines = append(cfg.ExemptEngines, types.EngineName(e))
	}
	if c.Risk.ReserveEngine != reserveDisabled {
		cfg.Reserve = risk.ReserveConfig{
			Engine:        types.EngineName(c.Risk.ReserveEngine),
			SweepPct:      c.Risk.ReserveSweepPct,
			ReturnBandPct: c.Risk.ReserveReturnBandPct,
		}
	}
	return cfg
}

// ToReconcileConfig converts to reconcile.Config. Each enabled engine owns
// its sub-account; FUNDING-ARB also owns the perps of its symbols.
func (c *Config) ToReconcileConfig() reconcile.Config {
	cfg := reconcile.Config{
		QuoteAsset:      c.Account.QuoteAsset,
		DustThreshold:   c.Reconcile.DustThreshold,
		QuantityEpsilon: c.Reconcile.QuantityEpsilon,
		DefaultEngine:   types.EngineName(c.Reconcile.DefaultEngine),
		OrphanAfter:     c.Reconcile.OrphanAfter,
	}
	for _, a := range c.Account.CashAssets {
		cfg.CashAssets = append(cfg.CashAssets, types.NormalizeSymbol(a))
	}
	for _, name := range c.EnabledEngines() {
		var basket []string
		for _, sym := range c.symbols(name) {
			sym = types.NormalizeSymbol(sym)
			basket = append(basket, sym)
			if name == types.EngineFundingArb {
				basket = append(basket, types.PerpSymbol(sym))
			}
		}
		cfg.SubAccounts = append(cfg.SubAccounts, reconcile.SubAccount{
			Name:   c.common(name).SubAccount,
			Engine: name,
			Basket: basket,
		})
	}
	return cfg
}

// ToPipelineConfig converts to pipeline.Config.
func (c *Config) ToPipelineConfig() pipeline.Config {
	subs := make(map[types.EngineName]string)
	for _, name := range c.EnabledEngines() {
		subs[name] = c.common(name).SubAccount
	}
	return pipeline.Config{
		Account:          c.Account.Name,
		SubAccounts:      subs,
		Allocations:      c.Allocations(),
		MaxOrderNotional: c.Risk.MaxOrderNotional,
		DustThreshold:    c.Reconcile.DustThreshold,
	}
}

// ToSchedulerConfig converts to scheduler.Config.
func (c *Config) ToSchedulerConfig() scheduler.Config {
	cadences := make(map[types.EngineName]time.Duration)
	for _, name := range c.EnabledEngines() {
		cadences[name] = c.common(name).Cadence
	}
	return scheduler.Config{
		Tick:              c.Scheduler.Tick,
		Cadences:          cadences,
		ReconcileInterval: c.Scheduler.ReconcileInterval,
		SummaryInterval:   c.Scheduler.SummaryInterval,
	}
}

// ToExecutionConfig converts to execution.Config.
func (c *Config) ToExecutionConfig() execution.Config {
	return execution.Config{
		OrderTimeout: c.Execution.OrderTimeout,
		LegWindow:    c.Execution.LegWindow,
		PollInterval: c.Execution.PollInterval,
	}
}

// ToResilientConfig converts to exchange.ResilientConfig.
func (c *Config) ToResilientConfig() exchange.ResilientConfig {
	return exchange.ResilientConfig{
		RequestsPerSecond: c.Execution.RequestsPerSecond,
		CallTimeout:       c.Execution.CallTimeout,
		MaxRetries:        c.Execution.MaxRetries,
		RetryDelay:        c.Execution.RetryDelay,
	}
}

// ToPaperConfig converts to paper.Config.
func (c *Config) ToPaperConfig() paper.Config {
	return paper.Config{
		QuoteAsset: c.Account.QuoteAsset,
		FeeRate:    c.Paper.FeeRate,
	}
}

// ToCacheConfig converts to market.CacheConfig.
func (c *Config) ToCacheConfig() market.CacheConfig {
	cfg := market.DefaultCacheConfig()
	cfg.MaxAge = c.Market.MaxAge
	if c.Market.Feed == "static" {
		cfg.MaxAge = 0
	}
	return cfg
}

// ToBinanceFeedConfig converts to market.BinanceFeedConfig.
func (c *Config) ToBinanceFeedConfig() market.BinanceFeedConfig {
	cfg := market.DefaultBinanceFeedConfig()
	cfg.URL = c.Market.URL
	cfg.Assets = c.Assets()
	cfg.QuoteAsset = c.Account.QuoteAsset
	return cfg
}

// ToMetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) ToMetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Port = c.Metrics.Port
	cfg.MetricsPath = c.Metrics.Path
	return cfg
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return c.Shutdown.Timeout
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
