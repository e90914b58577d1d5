// Package market provides the market data the allocation engines read:
// marks, daily closes and perpetual funding rates.
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// DefaultFundingPeriodsPerYear is three eight-hour funding periods a day.
const DefaultFundingPeriodsPerYear = 3 * 365

// Provider supplies market snapshots.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// FundingInfo describes the funding of one perpetual contract.
// History holds settled rates oldest first; Rate is the current period.
type FundingInfo struct {
	Rate           decimal.Decimal
	PeriodsPerYear int
	History        []decimal.Decimal
}

// AnnualizedYield returns Rate × PeriodsPerYear.
func (f FundingInfo) AnnualizedYield() decimal.Decimal {
	periods := f.PeriodsPerYear
	if periods <= 0 {
		periods = DefaultFundingPeriodsPerYear
	}
	return f.Rate.Mul(decimal.NewFromInt(int64(periods)))
}

// PersistedPeriods counts how many consecutive periods, ending with the
// current one, have had the same funding sign as Rate.
func (f FundingInfo) PersistedPeriods() int {
	sign := f.Rate.Sign()
	if sign == 0 {
		return 0
	}
	n := 1
	for i := len(f.History) - 1; i >= 0; i-- {
		if f.History[i].Sign() != sign {
			break
		}
		n++
	}
	return n
}

// Snapshot is an immutable view of market data at one instant.
// Prices and Closes are keyed by base asset; Funding by perp symbol.
type Snapshot struct {
	At      time.Time
	Prices  map[string]decimal.Decimal
	Funding map[string]FundingInfo
	Closes  map[string][]decimal.Decimal
}

// Price returns the mark for a spot or perp symbol.
func (s Snapshot) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := s.Prices[types.BaseAsset(symbol)]
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

// FundingFor returns funding info for a perp or its base asset.
func (s Snapshot) FundingFor(symbol string) (FundingInfo, bool) {
	f, ok := s.Funding[types.PerpSymbol(types.BaseAsset(symbol))]
	return f, ok
}

// ClosesFor returns daily closes for a symbol's base asset, oldest first.
func (s Snapshot) ClosesFor(symbol string) []decimal.Decimal {
	return s.Closes[types.BaseAsset(symbol)]
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		At:      s.At,
		Prices:  make(map[string]decimal.Decimal, len(s.Prices)),
		Funding: make(map[string]FundingInfo, len(s.Funding)),
		Closes:  make(map[string][]decimal.Decimal, len(s.Closes)),
	}
	for k, v := range s.Prices {
		out.Prices[k] = v
	}
	for k, v := range s.Funding {
		v.History = append([]decimal.Decimal(nil), v.History...)
		out.Funding[k] = v
	}
	for k, v := range s.Closes {
		out.Closes[k] = append([]decimal.Decimal(nil), v...)
	}
	return out
}

// Static always returns the same snapshot.
type Static struct {
	Snap Snapshot
}

// Snapshot returns a copy of the static snapshot.
func (s Static) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.Snap.Clone(), nil
}
