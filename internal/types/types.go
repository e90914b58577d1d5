// Package types defines shared types used across the allocator.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// QuantityPrecision is the number of decimal places kept on order quantities.
const QuantityPrecision int32 = 8

// EngineName identifies an allocation engine.
type EngineName string

const (
	EngineCoreHodl     EngineName = "core_hodl"
	EngineTrend        EngineName = "trend"
	EngineFundingArb   EngineName = "funding_arb"
	EngineTacticalCash EngineName = "tactical_cash"
)

// AllEngines returns every engine in evaluation order.
func AllEngines() []EngineName {
	return []EngineName{EngineCoreHodl, EngineTrend, EngineFundingArb, EngineTacticalCash}
}

// Valid reports whether e is a known engine.
func (e EngineName) Valid() bool {
	switch e {
	case EngineCoreHodl, EngineTrend, EngineFundingArb, EngineTacticalCash:
		return true
	default:
		return false
	}
}

// Label returns the operator-facing engine label.
func (e EngineName) Label() string {
	switch e {
	case EngineCoreHodl:
		return "CORE-HODL"
	case EngineTrend:
		return "TREND"
	case EngineFundingArb:
		return "FUNDING-ARB"
	case EngineTacticalCash:
		return "TACTICAL-CASH"
	default:
		return string(e)
	}
}

// PositionSide is the exposure direction of a position.
type PositionSide int

const (
	PositionSideSpot PositionSide = iota
	PositionSideLong
	PositionSideShort
)

func (s PositionSide) String() string {
	switch s {
	case PositionSideLong:
		return "LONG"
	case PositionSideShort:
		return "SHORT"
	default:
		return "SPOT"
	}
}

// OrderSide is the direction of an order.
type OrderSide int

const (
	OrderSideBuy OrderSide = iota
	OrderSideSell
)

func (s OrderSide) String() string {
	if s == OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the opposite order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideSell {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType is the execution style of an order.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusPartialFill
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusUnknown
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusPartialFill:
		return "PARTIAL_FILL"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an order in status s may move to next.
// Terminal statuses never change.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsFinal() {
		return false
	}
	if next == OrderStatusPending && s != OrderStatusUnknown {
		return false
	}
	return true
}

// PositionKey identifies a position slot inside an account.
type PositionKey struct {
	SubAccount string
	Symbol     string
}

func (k PositionKey) String() string {
	return k.SubAccount + "/" + k.Symbol
}

// Position is an open or closed exposure owned by exactly one engine.
type Position struct {
	ID            string
	SubAccount    string
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal // never negative; direction lives in Side
	AvgEntryPrice decimal.Decimal
	Engine        EngineName
	OpenedAt      time.Time
	ClosedAt      time.Time
	Open          bool
	Version       int64
}

// Key returns the position slot.
func (p Position) Key() PositionKey {
	return PositionKey{SubAccount: p.SubAccount, Symbol: p.Symbol}
}

// SignedQuantity returns the quantity with shorts negative.
func (p Position) SignedQuantity() decimal.Decimal {
	if p.Side == PositionSideShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// Order is a submitted or intended exchange order.
type Order struct {
	ID              string
	ClientOrderID   string
	ExchangeOrderID string
	SubAccount      string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal // limit price or reference mark for market orders
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Engine          EngineName
	GroupID         string // shared by the legs of a hedge
	ActionID        string
	AppliedQty      decimal.Decimal // filled quantity already folded into the position
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// Key returns the position slot the order trades.
func (o Order) Key() PositionKey {
	return PositionKey{SubAccount: o.SubAccount, Symbol: o.Symbol}
}

// FilledNotional returns filled quantity times average fill price.
func (o Order) FilledNotional() decimal.Decimal {
	return o.FilledQty.Mul(o.AvgFillPrice)
}

// OrderEvent is one append-only status transition.
type OrderEvent struct {
	ClientOrderID string
	From          OrderStatus
	To            OrderStatus
	FilledQty     decimal.Decimal
	At            time.Time
}

// EquitySnapshot represents the account state at a point in time.
type EquitySnapshot struct {
	Timestamp     time.Time
	Equity        decimal.Decimal
	HighWaterMark decimal.Decimal
	Drawdown      decimal.Decimal // As ratio (0.15 = 15%)
	OpenPositions int
}

// BreakerState is the persisted drawdown breaker latch.
type BreakerState struct {
	Scope         string // "portfolio" or an engine name
	Tripped       bool
	TrippedAt     time.Time
	Reason        string
	HighWaterMark decimal.Decimal
	UpdatedAt     time.Time
}

// RoundQuantity truncates a quantity to QuantityPrecision.
func RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(QuantityPrecision)
}

// ParseEngineName validates a configured engine name.
func ParseEngineName(s string) (EngineName, error) {
	e := EngineName(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown engine %q", s)
	}
	return e, nil
}
