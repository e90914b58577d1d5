// Package exchange defines the gateway the allocator uses to read account
// state from and submit orders to a crypto exchange.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// Gateway is the abstract exchange capability, scoped by sub-account.
// All quantities crossing this boundary are decimals.
type Gateway interface {
	// Account state
	GetBalances(ctx context.Context, subAccount string) (map[string]decimal.Decimal, error)
	GetOpenPositions(ctx context.Context, subAccount string) ([]Position, error)
	GetOrderHistory(ctx context.Context, subAccount string, since time.Time) ([]Order, error)

	// Order execution
	PlaceOrder(ctx context.Context, subAccount string, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, subAccount, orderID string) error

	// GetOrder re-queries an order by client order id. It returns
	// types.ErrOrderNotFound when the exchange never saw the order.
	GetOrder(ctx context.Context, subAccount, clientOrderID string) (*Order, error)
}

// Transferer is implemented by gateways that can move assets between
// sub-accounts of the same master account. A transfer is submitted once.
type Transferer interface {
	Transfer(ctx context.Context, t types.Transfer) error
}

// Position is an open derivatives position reported by the exchange.
type Position struct {
	Symbol        string
	Side          types.PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// SignedQuantity returns the quantity with shorts negative.
func (p Position) SignedQuantity() decimal.Decimal {
	if p.Side == types.PositionSideShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// Order is an order as the exchange reports it.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Status        types.OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderRequest is a validated order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
}

// Validate checks the request before it reaches the exchange.
func (r OrderRequest) Validate() error {
	var errs []string
	if strings.TrimSpace(r.ClientOrderID) == "" {
		errs = append(errs, "client order id is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		errs = append(errs, "symbol is required")
	}
	if !r.Quantity.IsPositive() {
		errs = append(errs, "quantity must be positive")
	}
	if r.Side != types.OrderSideBuy && r.Side != types.OrderSideSell {
		errs = append(errs, "unknown side")
	}
	if r.Type == types.OrderTypeLimit && !r.LimitPrice.IsPositive() {
		errs = append(errs, "limit price must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidOrderSize, strings.Join(errs, "; "))
	}
	return nil
}

// OrderResult is the exchange's acknowledgement of a placed order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        types.OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Message       string
	SubmittedAt   time.Time
}
