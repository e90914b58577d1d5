// Package reconcile merges the ledger with authoritative exchange state
// into a PortfolioView.
package reconcile

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// Mode selects the reconciliation policy.
type Mode string

const (
	ModeStartup  Mode = "startup"
	ModePeriodic Mode = "periodic"
	// ModeInspect classifies without touching the ledger: pending orders stay
	// pending, nothing is adopted or corrected, and no cooldown is seeded.
	ModeInspect Mode = "inspect"
)

// Writes reports whether reconciling in this mode may change the ledger.
func (m Mode) Writes() bool {
	return m != ModeInspect
}

// Class is the discrepancy class of one (sub-account, symbol).
type Class string

const (
	ClassMatch        Class = "match"
	ClassDust         Class = "dust"
	ClassExchangeOnly Class = "exchange_only"
	ClassLedgerOnly   Class = "ledger_only"
	ClassFreshStart   Class = "fresh_start"
	ClassMismatch     Class = "mismatch"
)

// AllClasses returns every class in report order.
func AllClasses() []Class {
	return []Class{ClassMatch, ClassDust, ClassExchangeOnly, ClassLedgerOnly, ClassFreshStart, ClassMismatch}
}

// Entry is the reconciled state of one symbol in one sub-account.
// LedgerQty and ExchangeQty are what each side reported before resolution;
// quantities are signed, shorts negative.
type Entry struct {
	SubAccount     string
	Symbol         string
	Engine         types.EngineName
	LedgerQty      decimal.Decimal
	ExchangeQty    decimal.Decimal
	ReconciledQty  decimal.Decimal
	EntryPrice     decimal.Decimal
	Price          decimal.Decimal
	Value          decimal.Decimal // |ReconciledQty| × Price; perps report notional
	Class          Class
	CooldownSeeded bool
}

// Key returns the entry key.
func (e Entry) Key() types.PositionKey {
	return types.PositionKey{SubAccount: e.SubAccount, Symbol: e.Symbol}
}

// Exposed reports whether the entry carries a non-dust position.
func (e Entry) Exposed() bool {
	return !e.ReconciledQty.IsZero()
}

// PortfolioView is the authoritative, ephemeral snapshot produced by one
// reconciliation. It is never persisted.
type PortfolioView struct {
	AsOf       time.Time
	Mode       Mode
	Entries    map[types.PositionKey]Entry
	Cash       map[string]decimal.Decimal // per sub-account, every cash asset
	Quote      map[string]decimal.Decimal // per sub-account, quote asset only
	QuoteAsset string
	SubEquity  map[string]decimal.Decimal // per sub-account
	Equity     decimal.Decimal
	Owners     map[string]types.EngineName // sub-account → engine
}

func newView(asOf time.Time, mode Mode, quote string) *PortfolioView {
	return &PortfolioView{
		AsOf:       asOf,
		Mode:       mode,
		Entries:    make(map[types.PositionKey]Entry),
		Cash:       make(map[string]decimal.Decimal),
		Quote:      make(map[string]decimal.Decimal),
		QuoteAsset: quote,
		SubEquity:  make(map[string]decimal.Decimal),
		Owners:     make(map[string]types.EngineName),
	}
}

// HoldsPerps reports whether a sub-account carries any derivatives
// exposure. Its quote balance then backs margin.
func (v *PortfolioView) HoldsPerps(subAccount string) bool {
	for _, e := range v.EntriesFor(subAccount) {
		if types.IsPerp(e.Symbol) && e.Exposed() {
			return true
		}
	}
	return false
}

// SubAccounts returns every configured sub-account in name order.
func (v *PortfolioView) SubAccounts() []string {
	out := make([]string, 0, len(v.Owners))
	for sub := range v.Owners {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out
}

// Entry returns the entry for (sub-account, symbol).
func (v *PortfolioView) Entry(subAccount, symbol string) (Entry, bool) {
	if v == nil {
		return Entry{}, false
	}
	e, ok := v.Entries[types.PositionKey{SubAccount: subAccount, Symbol: symbol}]
	return e, ok
}

// Quantity returns the reconciled quantity, zero when absent or dust.
func (v *PortfolioView) Quantity(subAccount, symbol string) decimal.Decimal {
	e, _ := v.Entry(subAccount, symbol)
	return e.ReconciledQty
}

// SubAccountOf returns the sub-account owned by engine.
func (v *PortfolioView) SubAccountOf(engine types.EngineName) (string, bool) {
	if v == nil {
		return "", false
	}
	for sub, owner := range v.Owners {
		if owner == engine {
			return sub, true
		}
	}
	return "", false
}

// EntriesFor returns the entries of one sub-account sorted by symbol.
func (v *PortfolioView) EntriesFor(subAccount string) []Entry {
	var out []Entry
	for _, e := range v.Entries {
		if e.SubAccount == subAccount {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Sorted returns every entry ordered by sub-account then symbol.
func (v *PortfolioView) Sorted() []Entry {
	out := make([]Entry, 0, len(v.Entries))
	for _, e := range v.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubAccount != out[j].SubAccount {
			return out[i].SubAccount < out[j].SubAccount
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Counts tallies entries by class.
func (v *PortfolioView) Counts() map[Class]int {
	out := make(map[Class]int)
	for _, e := range v.Entries {
		out[e.Class]++
	}
	return out
}

// Equivalent reports whether two views hold the same entries, cash and
// equity. AsOf is ignored.
func (v *PortfolioView) Equivalent(o *PortfolioView) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Mode != o.Mode || !v.Equity.Equal(o.Equity) || len(v.Entries) != len(o.Entries) {
		return false
	}
	for k, a := range v.Entries {
		b, ok := o.Entries[k]
		if !ok || !entriesEqual(a, b) {
			return false
		}
	}
	return decimalMapsEqual(v.Cash, o.Cash) && decimalMapsEqual(v.SubEquity, o.SubEquity)
}

// SameHoldings reports whether two views agree on reconciled quantities,
// ignoring how each reconciliation classified them.
func (v *PortfolioView) SameHoldings(o *PortfolioView) bool {
	if v == nil || o == nil {
		return v == o
	}
	keys := make(map[types.PositionKey]struct{})
	for k := range v.Entries {
		keys[k] = struct{}{}
	}
	for k := range o.Entries {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if !v.Entries[k].ReconciledQty.Equal(o.Entries[k].ReconciledQty) {
			return false
		}
	}
	return decimalMapsEqual(v.Cash, o.Cash)
}

func entriesEqual(a, b Entry) bool {
	return a.SubAccount == b.SubAccount &&
		a.Symbol == b.Symbol &&
		a.Engine == b.Engine &&
		a.Class == b.Class &&
		a.CooldownSeeded == b.CooldownSeeded &&
		a.LedgerQty.Equal(b.LedgerQty) &&
		a.ExchangeQty.Equal(b.ExchangeQty) &&
		a.ReconciledQty.Equal(b.ReconciledQty) &&
		a.EntryPrice.Equal(b.EntryPrice) &&
		a.Price.Equal(b.Price) &&
		a.Value.Equal(b.Value)
}

func decimalMapsEqual(a, b map[string]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !va.Equal(vb) {
			return false
		}
	}
	return true
}
