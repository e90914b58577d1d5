package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
	"golang.org/x/time/rate"
)

// ResilientConfig bounds how the gateway is called.
type ResilientConfig struct {
	RequestsPerSecond int
	CallTimeout       time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
}

// DefaultResilientConfig returns conservative defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		RequestsPerSecond: 10,
		CallTimeout:       5 * time.Second,
		MaxRetries:        2,
		RetryDelay:        500 * time.Millisecond,
	}
}

// Resilient wraps a Gateway with rate limiting, per-call timeouts and
// bounded retries. Reads are retried on transient errors; PlaceOrder is
// never retried, a timeout there surfaces as types.ErrOrderStatusUnknown.
type Resilient struct {
	next    Gateway
	cfg     ResilientConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewResilient wraps next.
func NewResilient(next Gateway, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultResilientConfig().RequestsPerSecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultResilientConfig().CallTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Resilient{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
		logger:  logger,
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrTransient) || errors.Is(err, types.ErrRateLimitExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *Resilient) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.cfg.RetryDelay

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying gateway call",
				"op", op,
				"attempt", attempt,
				"err", lastErr,
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if !IsTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		lastErr = err
	}

	return fmt.Errorf("%s: %w: %w", op, types.ErrGatewayUnavailable, lastErr)
}

// GetBalances returns balances for a sub-account.
func (r *Resilient) GetBalances(ctx context.Context, subAccount string) (map[string]decimal.Decimal, error) {
	var out map[string]decimal.Decimal
	err := r.retry(ctx, "get balances", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetBalances(ctx, subAccount)
		return err
	})
	return out, err
}

// GetOpenPositions returns derivatives positions for a sub-account.
func (r *Resilient) GetOpenPositions(ctx context.Context, subAccount string) ([]Position, error) {
	var out []Position
	err := r.retry(ctx, "get open positions", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetOpenPositions(ctx, subAccount)
		return err
	})
	return out, err
}

// GetOrderHistory returns orders created since the given time.
func (r *Resilient) GetOrderHistory(ctx context.Context, subAccount string, since time.Time) ([]Order, error) {
	var out []Order
	err := r.retry(ctx, "get order history", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetOrderHistory(ctx, subAccount, since)
		return err
	})
	return out, err
}

// GetOrder re-queries an order by client order id.
func (r *Resilient) GetOrder(ctx context.Context, subAccount, clientOrderID string) (*Order, error) {
	var out *Order
	err := r.retry(ctx, "get order", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetOrder(ctx, subAccount, clientOrderID)
		return err
	})
	return out, err
}

// CancelOrder cancels an order; cancellation is idempotent so it is retried.
func (r *Resilient) CancelOrder(ctx context.Context, subAccount, orderID string) error {
	return r.retry(ctx, "cancel order", func(ctx context.Context) error {
		return r.next.CancelOrder(ctx, subAccount, orderID)
	})
}

// PlaceOrder submits an order exactly once.
func (r *Resilient) PlaceOrder(ctx context.Context, subAccount string, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("place order: rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	result, err := r.next.PlaceOrder(callCtx, subAccount, req)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, types.ErrOrderRejected) || errors.Is(err, types.ErrInvalidOrderSize) {
		return nil, fmt.Errorf("place order %s: %w", req.ClientOrderID, err)
	}
	if errors.Is(err, types.ErrRateLimitExceeded) {
		// Refused before acceptance.
		return nil, fmt.Errorf("place order %s: %w: %w", req.ClientOrderID, types.ErrGatewayUnavailable, err)
	}

	r.logger.Warn("order status unknown",
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"err", err,
	)
	return nil, fmt.Errorf("place order %s: %w: %w", req.ClientOrderID, types.ErrOrderStatusUnknown, err)
}

// Transfer moves assets between sub-accounts exactly once when the
// wrapped gateway supports it.
func (r *Resilient) Transfer(ctx context.Context, t types.Transfer) error {
	tr, ok := r.next.(Transferer)
	if !ok {
		return fmt.Errorf("transfer %s: %w", t.ID, types.ErrTransferUnsupported)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transfer %s: rate limiter: %w", t.ID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	if err := tr.Transfer(callCtx, t); err != nil {
		return fmt.Errorf("transfer %s: %w", t.ID, err)
	}
	return nil
}

var (
	_ Gateway    = (*Resilient)(nil)
	_ Transferer = (*Resilient)(nil)
)
