package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal converts a loosely typed exchange value into a decimal.
// Binary floats are converted here and nowhere else.
func ParseDecimal(field string, raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Zero, fmt.Errorf("%s: empty value: %w", field, ErrInvalidData)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w: %w", field, ErrInvalidData, err)
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w: %w", field, ErrInvalidData, err)
		}
		return d, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("%s: non-finite value %v: %w", field, v, ErrInvalidData)
		}
		return decimal.NewFromFloat(v), nil
	case float32:
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, fmt.Errorf("%s: non-finite value %v: %w", field, v, ErrInvalidData)
		}
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("%s: missing value: %w", field, ErrInvalidData)
	default:
		return decimal.Zero, fmt.Errorf("%s: unsupported type %T: %w", field, raw, ErrInvalidData)
	}
}
