package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func series(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		values []decimal.Decimal
		period int
		want   string
		ok     bool
	}{
		{"exact window", series(10, 20, 30), 3, "20", true},
		{"rolling uses tail", series(10, 20, 30, 40), 3, "30", true},
		{"not enough data", series(10, 20), 5, "0", false},
		{"zero period", series(10), 0, "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SMA(tt.values, tt.period)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("SMA = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTail(t *testing.T) {
	got, ok := Tail(series(1, 2, 3, 4), 2)
	if !ok || len(got) != 2 || !got[0].Equal(decimal.NewFromInt(3)) {
		t.Errorf("Tail = %v, %v", got, ok)
	}
}
