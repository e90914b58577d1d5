package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

// flakyGateway fails the first n calls of each op with err.
type flakyGateway struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
	hang     bool
}

func newFlaky() *flakyGateway {
	return &flakyGateway{failures: map[string][]error{}, calls: map[string]int{}}
}

func (f *flakyGateway) fail(op string, errs ...error) {
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *flakyGateway) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *flakyGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyGateway) GetBalances(ctx context.Context, sub string) (map[string]decimal.Decimal, error) {
	if err := f.next("balances"); err != nil {
		return nil, err
	}
	return map[string]decimal.Decimal{"USDT": decimal.NewFromInt(100)}, nil
}

func (f *flakyGateway) GetOpenPositions(ctx context.Context, sub string) ([]Position, error) {
	return nil, f.next("positions")
}

func (f *flakyGateway) GetOrderHistory(ctx context.Context, sub string, since time.Time) ([]Order, error) {
	return nil, f.next("history")
}

func (f *flakyGateway) PlaceOrder(ctx context.Context, sub string, req OrderRequest) (*OrderResult, error) {
	if err := f.next("place"); err != nil {
		return nil, err
	}
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &OrderResult{OrderID: "X1", ClientOrderID: req.ClientOrderID, Status: types.OrderStatusFilled, FilledQty: req.Quantity}, nil
}

func (f *flakyGateway) CancelOrder(ctx context.Context, sub, orderID string) error {
	return f.next("cancel")
}

func (f *flakyGateway) GetOrder(ctx context.Context, sub, clientOrderID string) (*Order, error) {
	if err := f.next("get_order"); err != nil {
		return nil, err
	}
	return &Order{ClientOrderID: clientOrderID, Status: types.OrderStatusFilled}, nil
}

func testResilientConfig() ResilientConfig {
	return ResilientConfig{
		RequestsPerSecond: 1000,
		CallTimeout:       50 * time.Millisecond,
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
	}
}

func validRequest() OrderRequest {
	return OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "BTC",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.1"),
	}
}

func TestResilient_RetriesTransientReads(t *testing.T) {
	f := newFlaky()
	f.fail("balances", types.ErrTransient, types.ErrRateLimitExceeded)
	r := NewResilient(f, testResilientConfig(), nil)

	bal, err := r.GetBalances(context.Background(), "hodl")
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	if !bal["USDT"].Equal(decimal.NewFromInt(100)) {
		t.Errorf("USDT = %s, want 100", bal["USDT"])
	}
	if got := f.count("balances"); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestResilient_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFlaky()
	f.fail("positions", types.ErrTransient, types.ErrTransient, types.ErrTransient, types.ErrTransient)
	r := NewResilient(f, testResilientConfig(), nil)

	_, err := r.GetOpenPositions(context.Background(), "arb")
	if !errors.Is(err, types.ErrGatewayUnavailable) {
		t.Errorf("error = %v, want ErrGatewayUnavailable", err)
	}
	if !errors.Is(err, types.ErrTransient) {
		t.Errorf("error = %v, should keep the cause", err)
	}
	if got := f.count("positions"); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestResilient_NoRetryOnPermanentError(t *testing.T) {
	f := newFlaky()
	f.fail("get_order", types.ErrOrderNotFound)
	r := NewResilient(f, testResilientConfig(), nil)

	_, err := r.GetOrder(context.Background(), "hodl", "c1")
	if !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("error = %v, want ErrOrderNotFound", err)
	}
	if got := f.count("get_order"); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestResilient_PlaceOrderNeverRetried(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"transient becomes unknown", types.ErrTransient, types.ErrOrderStatusUnknown},
		{"rejected passes through", types.ErrOrderRejected, types.ErrOrderRejected},
		{"rate limited is unavailable", types.ErrRateLimitExceeded, types.ErrGatewayUnavailable},
		{"deadline becomes unknown", context.DeadlineExceeded, types.ErrOrderStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlaky()
			f.fail("place", tt.err)
			r := NewResilient(f, testResilientConfig(), nil)

			_, err := r.PlaceOrder(context.Background(), "hodl", validRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := f.count("place"); got != 1 {
				t.Errorf("calls = %d, want 1", got)
			}
		})
	}
}

func TestResilient_PlaceOrderTimeout(t *testing.T) {
	f := newFlaky()
	f.hang = true
	r := NewResilient(f, testResilientConfig(), nil)

	_, err := r.PlaceOrder(context.Background(), "hodl", validRequest())
	if !errors.Is(err, types.ErrOrderStatusUnknown) {
		t.Errorf("error = %v, want ErrOrderStatusUnknown", err)
	}
}

func TestResilient_PlaceOrderValidates(t *testing.T) {
	f := newFlaky()
	r := NewResilient(f, testResilientConfig(), nil)

	req := validRequest()
	req.Quantity = decimal.Zero
	_, err := r.PlaceOrder(context.Background(), "hodl", req)
	if !errors.Is(err, types.ErrInvalidOrderSize) {
		t.Errorf("error = %v, want ErrInvalidOrderSize", err)
	}
	if got := f.count("place"); got != 0 {
		t.Errorf("gateway called %d times for invalid order", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{types.ErrTransient, true},
		{types.ErrRateLimitExceeded, true},
		{context.DeadlineExceeded, true},
		{types.ErrOrderRejected, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// transferGateway adds transfers to flakyGateway.
type transferGateway struct {
	*flakyGateway
	moved []types.Transfer
}

func (g *transferGateway) Transfer(ctx context.Context, t types.Transfer) error {
	if err := g.next("transfer"); err != nil {
		return err
	}
	g.moved = append(g.moved, t)
	return nil
}

func TestResilient_Transfer(t *testing.T) {
	tr := types.Transfer{ID: "t1", From: "hodl", To: "cash", Asset: "USDT", Amount: decimal.NewFromInt(50)}

	t.Run("passes through once", func(t *testing.T) {
		g := &transferGateway{flakyGateway: newFlaky()}
		r := NewResilient(g, testResilientConfig(), nil)
		if err := r.Transfer(context.Background(), tr); err != nil {
			t.Fatalf("Transfer() error = %v", err)
		}
		if len(g.moved) != 1 || g.moved[0].ID != "t1" {
			t.Errorf("moved = %+v", g.moved)
		}
	})

	t.Run("transient failure not retried", func(t *testing.T) {
		g := &transferGateway{flakyGateway: newFlaky()}
		g.fail("transfer", types.ErrTransient)
		r := NewResilient(g, testResilientConfig(), nil)
		if err := r.Transfer(context.Background(), tr); !errors.Is(err, types.ErrTransient) {
			t.Errorf("error = %v, want ErrTransient", err)
		}
		if got := g.count("transfer"); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})

	t.Run("unsupported gateway", func(t *testing.T) {
		r := NewResilient(newFlaky(), testResilientConfig(), nil)
		if err := r.Transfer(context.Background(), tr); !errors.Is(err, types.ErrTransferUnsupported) {
			t.Errorf("error = %v, want ErrTransferUnsupported", err)
		}
	})
}
