package types

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// TestOrderSide_Opposite tests direction flip.
func TestOrderSide_Opposite(t *testing.T) {
	if OrderSideBuy.Opposite() != OrderSideSell {
		t.Error("Buy.Opposite() should be Sell")
	}
	if OrderSideSell.Opposite() != OrderSideBuy {
		t.Error("Sell.Opposite() should be Buy")
	}
}

// TestOrderStatus_String tests status string conversion.
func TestOrderStatus_String(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   string
	}{
		{OrderStatusPending, "PENDING"},
		{OrderStatusPartialFill, "PARTIAL_FILL"},
		{OrderStatusFilled, "FILLED"},
		{OrderStatusCancelled, "CANCELLED"},
		{OrderStatusRejected, "REJECTED"},
		{OrderStatusUnknown, "UNKNOWN"},
		{OrderStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		got := tt.status.String()
		if got != tt.want {
			t.Errorf("OrderStatus(%d).String() = %s, want %s", tt.status, got, tt.want)
		}
	}
}

// TestOrderStatus_CanTransition tests that terminal statuses never move.
func TestOrderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusFilled, true},
		{OrderStatusPending, OrderStatusPartialFill, true},
		{OrderStatusPartialFill, OrderStatusPartialFill, true},
		{OrderStatusPartialFill, OrderStatusFilled, true},
		{OrderStatusUnknown, OrderStatusFilled, true},
		{OrderStatusUnknown, OrderStatusPending, true},
		{OrderStatusPartialFill, OrderStatusPending, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusRejected, OrderStatusPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEngineName_Label(t *testing.T) {
	tests := map[EngineName]string{
		EngineCoreHodl:     "CORE-HODL",
		EngineTrend:        "TREND",
		EngineFundingArb:   "FUNDING-ARB",
		EngineTacticalCash: "TACTICAL-CASH",
	}
	for e, want := range tests {
		if got := e.Label(); got != want {
			t.Errorf("%s.Label() = %s, want %s", e, got, want)
		}
		if !e.Valid() {
			t.Errorf("%s should be valid", e)
		}
	}
	if EngineName("scalper").Valid() {
		t.Error("unknown engine should be invalid")
	}
	if _, err := ParseEngineName("scalper"); err == nil {
		t.Error("expected error for unknown engine")
	}
}

func TestPosition_SignedQuantity(t *testing.T) {
	p := Position{Side: PositionSideShort, Quantity: decimal.NewFromInt(2)}
	if !p.SignedQuantity().Equal(decimal.NewFromInt(-2)) {
		t.Errorf("short SignedQuantity = %s, want -2", p.SignedQuantity())
	}
	p.Side = PositionSideSpot
	if !p.SignedQuantity().Equal(decimal.NewFromInt(2)) {
		t.Errorf("spot SignedQuantity = %s, want 2", p.SignedQuantity())
	}
}

func TestSymbolHelpers(t *testing.T) {
	if !IsPerp("BTC-PERP") || IsPerp("BTC") {
		t.Error("IsPerp misclassified")
	}
	if PerpSymbol("ETH") != "ETH-PERP" || PerpSymbol("ETH-PERP") != "ETH-PERP" {
		t.Error("PerpSymbol wrong")
	}
	if BaseAsset("SOL-PERP") != "SOL" {
		t.Errorf("BaseAsset = %s, want SOL", BaseAsset("SOL-PERP"))
	}
	if NormalizeSymbol(" btc ") != "BTC" {
		t.Error("NormalizeSymbol should trim and upper-case")
	}
}

func TestEngineState_Cooldown(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	week := 168 * time.Hour

	s := NewEngineState(EngineCoreHodl)
	if !s.CooldownElapsed("BTC", now, week) {
		t.Error("symbol without history should be eligible")
	}

	s.SeedCooldown("BTC", now)
	if s.CooldownElapsed("BTC", now.Add(time.Hour), week) {
		t.Error("seeded symbol should be cooling down")
	}
	if !s.CooldownElapsed("BTC", now.Add(week), week) {
		t.Error("cooldown should elapse after a week")
	}

	s.MarkEligible("BTC")
	if !s.CooldownElapsed("BTC", now.Add(time.Minute), week) {
		t.Error("eligible flag should bypass cooldown")
	}

	s.MarkAction("BTC", now)
	if s.Eligible["BTC"] {
		t.Error("MarkAction should clear eligibility")
	}
}

func TestEngineState_CloneIsDeep(t *testing.T) {
	s := NewEngineState(EngineTrend)
	s.MarkAction("ETH", time.Now())
	c := s.Clone()
	c.MarkAction("SOL", time.Now())
	if _, ok := s.LastAction["SOL"]; ok {
		t.Error("Clone shares LastAction map")
	}
}

func TestProposedAction_Scale(t *testing.T) {
	a := ProposedAction{
		Kind:     ActionOpenHedge,
		Quantity: decimal.NewFromInt(2),
		Legs: []Leg{
			{Symbol: "BTC", Side: OrderSideBuy, Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(100)},
			{Symbol: "BTC-PERP", Side: OrderSideSell, Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(101)},
		},
	}
	half := a.Scale(decimal.RequireFromString("0.5"))
	for i, leg := range half.Legs {
		if !leg.Quantity.Equal(decimal.NewFromInt(1)) {
			t.Errorf("leg %d quantity = %s, want 1", i, leg.Quantity)
		}
	}
	if !a.Legs[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Error("Scale mutated the original legs")
	}
	if !half.Notional().Equal(decimal.NewFromInt(100)) {
		t.Errorf("Notional = %s, want 100", half.Notional())
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    string
		wantErr bool
	}{
		{"string", "0.00030000", "0.0003", false},
		{"json number", json.Number("1.5"), "1.5", false},
		{"float", 0.1, "0.1", false},
		{"int", 3, "3", false},
		{"empty", " ", "", true},
		{"nil", nil, "", true},
		{"bool", true, "", true},
		{"garbage", "abc", "", true},
		{"nan", math.NaN(), "", true},
		{"positive infinity", math.Inf(1), "", true},
		{"negative infinity", math.Inf(-1), "", true},
		{"float32 nan", float32(math.NaN()), "", true},
		{"float32 infinity", float32(math.Inf(1)), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecimal("qty", tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidData) {
					t.Fatalf("error = %v, want ErrInvalidData", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseDecimal(%v) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}

	_, err := ParseDecimal("qty", nil)
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("nil value error = %v, want ErrInvalidData", err)
	}
}
