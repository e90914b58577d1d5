package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// RawBalance is a balance as an exchange SDK hands it over: amounts may be
// strings, json.Numbers or binary floats.
type RawBalance struct {
	Asset  string
	Free   any
	Locked any
}

// Normalize converts the balance into an asset and a decimal total.
func (r RawBalance) Normalize() (string, decimal.Decimal, error) {
	asset := types.NormalizeSymbol(r.Asset)
	if asset == "" {
		return "", decimal.Zero, fmt.Errorf("balance asset: %w", types.ErrInvalidSymbol)
	}

	free, err := types.ParseDecimal(asset+".free", r.Free)
	if err != nil {
		return "", decimal.Zero, err
	}
	locked := decimal.Zero
	if r.Locked != nil {
		locked, err = types.ParseDecimal(asset+".locked", r.Locked)
		if err != nil {
			return "", decimal.Zero, err
		}
	}

	total := free.Add(locked)
	if total.IsNegative() {
		return "", decimal.Zero, fmt.Errorf("balance %s negative: %w", asset, types.ErrInvalidData)
	}
	return asset, total, nil
}

// NormalizeBalances converts raw balances into the gateway map, dropping
// zero entries.
func NormalizeBalances(raw []RawBalance) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for _, rb := range raw {
		asset, total, err := rb.Normalize()
		if err != nil {
			return nil, err
		}
		if total.IsZero() {
			continue
		}
		out[asset] = out[asset].Add(total)
	}
	return out, nil
}

// RawPosition is a derivatives position as an exchange SDK hands it over.
// PositionAmt is signed: negative means short.
type RawPosition struct {
	Symbol        string
	PositionAmt   any
	EntryPrice    any
	MarkPrice     any
	UnrealizedPnL any
}

// Normalize converts the raw position into a Position. Perpetual symbols
// are mapped onto the BASE-PERP convention.
func (r RawPosition) Normalize(quoteAsset string) (Position, error) {
	sym := types.NormalizeSymbol(r.Symbol)
	if sym == "" {
		return Position{}, fmt.Errorf("position symbol: %w", types.ErrInvalidSymbol)
	}
	if !types.IsPerp(sym) {
		sym = types.PerpSymbol(strings.TrimSuffix(sym, types.NormalizeSymbol(quoteAsset)))
	}

	amt, err := types.ParseDecimal(sym+".positionAmt", r.PositionAmt)
	if err != nil {
		return Position{}, err
	}
	entry, err := types.ParseDecimal(sym+".entryPrice", r.EntryPrice)
	if err != nil {
		return Position{}, err
	}

	pos := Position{
		Symbol:     sym,
		Side:       types.PositionSideLong,
		Quantity:   amt.Abs(),
		EntryPrice: entry,
	}
	if amt.IsNegative() {
		pos.Side = types.PositionSideShort
	}
	if r.MarkPrice != nil {
		if pos.MarkPrice, err = types.ParseDecimal(sym+".markPrice", r.MarkPrice); err != nil {
			return Position{}, err
		}
	}
	if r.UnrealizedPnL != nil {
		if pos.UnrealizedPnL, err = types.ParseDecimal(sym+".unRealizedProfit", r.UnrealizedPnL); err != nil {
			return Position{}, err
		}
	}
	return pos, nil
}
