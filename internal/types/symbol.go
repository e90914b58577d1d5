package types

import "strings"

// PerpSuffix marks perpetual futures symbols, e.g. BTC-PERP.
const PerpSuffix = "-PERP"

// IsPerp reports whether symbol names a perpetual contract.
func IsPerp(symbol string) bool {
	return strings.HasSuffix(symbol, PerpSuffix)
}

// PerpSymbol returns the perpetual contract symbol for a base asset.
func PerpSymbol(base string) string {
	if IsPerp(base) {
		return base
	}
	return base + PerpSuffix
}

// BaseAsset strips the perpetual suffix.
func BaseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, PerpSuffix)
}

// NormalizeSymbol upper-cases and trims a configured symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
