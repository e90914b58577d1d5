package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// CacheConfig bounds what the cache retains.
type CacheConfig struct {
	MaxCloses             int           // daily closes kept per asset
	MaxFundingHistory     int           // settled funding rates kept per perp
	FundingPeriodsPerYear int
	MaxAge                time.Duration // Snapshot fails if no update arrived within MaxAge; zero disables
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxCloses:             400,
		MaxFundingHistory:     90,
		FundingPeriodsPerYear: DefaultFundingPeriodsPerYear,
		MaxAge:                5 * time.Minute,
	}
}

type fundingState struct {
	rate        decimal.Decimal
	nextFunding time.Time
	history     []decimal.Decimal
}

// Cache is a thread-safe market data store fed by feeds. It rolls the last
// price of each UTC day into the daily close series.
type Cache struct {
	cfg CacheConfig
	now func() time.Time

	mu         sync.RWMutex
	prices     map[string]decimal.Decimal
	priceDay   map[string]time.Time
	closes     map[string][]decimal.Decimal
	funding    map[string]*fundingState
	lastUpdate time.Time
	listeners  []func(asset string, price decimal.Decimal)
}

// NewCache creates an empty cache.
func NewCache(cfg CacheConfig) *Cache {
	def := DefaultCacheConfig()
	if cfg.MaxCloses <= 0 {
		cfg.MaxCloses = def.MaxCloses
	}
	if cfg.MaxFundingHistory <= 0 {
		cfg.MaxFundingHistory = def.MaxFundingHistory
	}
	if cfg.FundingPeriodsPerYear <= 0 {
		cfg.FundingPeriodsPerYear = def.FundingPeriodsPerYear
	}
	return &Cache{
		cfg:      cfg,
		now:      time.Now,
		prices:   make(map[string]decimal.Decimal),
		priceDay: make(map[string]time.Time),
		closes:   make(map[string][]decimal.Decimal),
		funding:  make(map[string]*fundingState),
	}
}

// SetClock overrides the cache clock.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// OnPrice registers fn to be called after every price update.
func (c *Cache) OnPrice(fn func(asset string, price decimal.Decimal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// UpdatePrice records a mark for a base asset observed at at.
func (c *Cache) UpdatePrice(asset string, price decimal.Decimal, at time.Time) error {
	if !price.IsPositive() {
		return fmt.Errorf("update price %s: %w", asset, types.ErrInvalidPrice)
	}
	asset = types.BaseAsset(types.NormalizeSymbol(asset))
	day := at.UTC().Truncate(24 * time.Hour)

	c.mu.Lock()
	prevDay, seen := c.priceDay[asset]
	if seen && day.After(prevDay) {
		c.closes[asset] = trim(append(c.closes[asset], c.prices[asset]), c.cfg.MaxCloses)
	}
	c.prices[asset] = price
	c.priceDay[asset] = day
	if at.After(c.lastUpdate) {
		c.lastUpdate = at
	}
	listeners := append([]func(string, decimal.Decimal){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(asset, price)
	}
	return nil
}

// UpdateFunding records the current funding rate of a perp. When
// nextFunding moves forward the previous rate is settled into history.
func (c *Cache) UpdateFunding(symbol string, rate decimal.Decimal, nextFunding, at time.Time) {
	symbol = types.PerpSymbol(types.BaseAsset(types.NormalizeSymbol(symbol)))

	c.mu.Lock()
	defer c.mu.Unlock()

	fs, ok := c.funding[symbol]
	if !ok {
		c.funding[symbol] = &fundingState{rate: rate, nextFunding: nextFunding}
	} else {
		if nextFunding.After(fs.nextFunding) && !fs.nextFunding.IsZero() {
			fs.history = trim(append(fs.history, fs.rate), c.cfg.MaxFundingHistory)
		}
		fs.rate = rate
		fs.nextFunding = nextFunding
	}
	if at.After(c.lastUpdate) {
		c.lastUpdate = at
	}
}

// SeedCloses replaces the daily close history of an asset.
func (c *Cache) SeedCloses(asset string, closes []decimal.Decimal) {
	asset = types.BaseAsset(types.NormalizeSymbol(asset))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes[asset] = trim(append([]decimal.Decimal(nil), closes...), c.cfg.MaxCloses)
}

// SeedFunding replaces the settled funding history of a perp.
func (c *Cache) SeedFunding(symbol string, history []decimal.Decimal) {
	symbol = types.PerpSymbol(types.BaseAsset(types.NormalizeSymbol(symbol)))

	c.mu.Lock()
	defer c.mu.Unlock()

	fs, ok := c.funding[symbol]
	if !ok {
		fs = &fundingState{}
		c.funding[symbol] = fs
	}
	fs.history = trim(append([]decimal.Decimal(nil), history...), c.cfg.MaxFundingHistory)
	if len(fs.history) > 0 && fs.rate.IsZero() {
		fs.rate = fs.history[len(fs.history)-1]
		fs.history = fs.history[:len(fs.history)-1]
	}
}

// Snapshot returns a deep copy of the current market state.
func (c *Cache) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	if len(c.prices) == 0 {
		return Snapshot{}, fmt.Errorf("market snapshot: no prices: %w", types.ErrDataUnavailable)
	}
	if c.cfg.MaxAge > 0 && !c.lastUpdate.IsZero() && now.Sub(c.lastUpdate) > c.cfg.MaxAge {
		return Snapshot{}, fmt.Errorf("market snapshot: last update %s ago: %w", now.Sub(c.lastUpdate).Round(time.Second), types.ErrDataUnavailable)
	}

	snap := Snapshot{
		At:      now,
		Prices:  make(map[string]decimal.Decimal, len(c.prices)),
		Funding: make(map[string]FundingInfo, len(c.funding)),
		Closes:  make(map[string][]decimal.Decimal, len(c.closes)),
	}
	for k, v := range c.prices {
		snap.Prices[k] = v
	}
	for k, v := range c.closes {
		snap.Closes[k] = append([]decimal.Decimal(nil), v...)
	}
	for k, fs := range c.funding {
		snap.Funding[k] = FundingInfo{
			Rate:           fs.rate,
			PeriodsPerYear: c.cfg.FundingPeriodsPerYear,
			History:        append([]decimal.Decimal(nil), fs.history...),
		}
	}
	return snap, nil
}

type historyFile struct {
	Closes  map[string][]string `json:"closes"`
	Funding map[string][]string `json:"funding"`
}

// LoadHistory seeds closes and funding history from a JSON document of the
// form {"closes": {"BTC": ["…"]}, "funding": {"BTC-PERP": ["…"]}}.
func (c *Cache) LoadHistory(r io.Reader) error {
	var h historyFile
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	parse := func(key string, raw []string) ([]decimal.Decimal, error) {
		out := make([]decimal.Decimal, 0, len(raw))
		for i, s := range raw {
			v, err := types.ParseDecimal(fmt.Sprintf("%s[%d]", key, i), s)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	for asset, raw := range h.Closes {
		closes, err := parse(asset, raw)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		c.SeedCloses(asset, closes)
	}
	for sym, raw := range h.Funding {
		rates, err := parse(sym, raw)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		c.SeedFunding(sym, rates)
	}
	return nil
}

func trim(s []decimal.Decimal, max int) []decimal.Decimal {
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
