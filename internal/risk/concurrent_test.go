package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/ledger"
	"github.com/tathienbao/allocator/internal/types"
)

// TestGovernor_Concurrent_UpdateEquity runs many equity updates at once.
// The latch and the HWM invariant must survive.
func TestGovernor_Concurrent_UpdateEquity(t *testing.T) {
	g := NewGovernor(DefaultConfig(), ledger.NewMemoryLedger(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				equity := decimal.NewFromInt(int64(10000 + (id*j)%1000 - 500))
				if _, err := g.UpdateEquity(ctx, equityView(equity)); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	st := g.Status().Portfolio
	if st.Peak.LessThan(st.Equity) {
		t.Errorf("HWM invariant violated: peak %s < equity %s", st.Peak, st.Equity)
	}
}

// TestGovernor_Concurrent_ReviewDuringTrip reviews batches while another
// goroutine drives the breaker across its threshold.
func TestGovernor_Concurrent_ReviewDuringTrip(t *testing.T) {
	g := NewGovernor(DefaultConfig(), nil, nil)
	ctx := context.Background()
	if _, err := g.UpdateEquity(ctx, equityView(d("100000"))); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			_, _ = g.UpdateEquity(ctx, equityView(decimal.NewFromInt(int64(100000-(i%300)*100))))
		}
	}()

	action := buyAction(types.EngineCoreHodl, "hodl", "ETH", "0.5", "2000")
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				default:
				}
				r := g.ReviewDetailed([]types.ProposedAction{action}, equityView(d("100000")), nil)
				if len(r.Approved)+len(r.Vetoes) != 1 {
					t.Error("action neither approved nor vetoed")
					return
				}
			}
		}()
	}
	wg.Wait()

	// 30% swing against a 20% breaker: the latch must be set and stay set.
	if !g.BreakerTripped() {
		t.Error("breaker should have tripped")
	}
}
