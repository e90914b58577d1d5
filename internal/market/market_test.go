package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestFundingInfo_AnnualizedAndPersistence(t *testing.T) {
	tests := []struct {
		name      string
		info      FundingInfo
		wantAPY   string
		persisted int
	}{
		{"positive streak", FundingInfo{Rate: d("0.0001"), PeriodsPerYear: 1095, History: []decimal.Decimal{d("-0.0001"), d("0.0002"), d("0.0001")}}, "0.1095", 3},
		{"sign flip", FundingInfo{Rate: d("-0.0001"), PeriodsPerYear: 1095, History: []decimal.Decimal{d("0.0002")}}, "-0.1095", 1},
		{"zero rate", FundingInfo{Rate: decimal.Zero, History: []decimal.Decimal{d("0.0002")}}, "0", 0},
		{"default periods", FundingInfo{Rate: d("0.0001")}, "0.1095", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.AnnualizedYield(); !got.Equal(d(tt.wantAPY)) {
				t.Errorf("AnnualizedYield() = %s, want %s", got, tt.wantAPY)
			}
			if got := tt.info.PersistedPeriods(); got != tt.persisted {
				t.Errorf("PersistedPeriods() = %d, want %d", got, tt.persisted)
			}
		})
	}
}

func TestSnapshot_Lookups(t *testing.T) {
	snap := Snapshot{
		Prices:  map[string]decimal.Decimal{"BTC": d("60000")},
		Funding: map[string]FundingInfo{"BTC-PERP": {Rate: d("0.0001")}},
		Closes:  map[string][]decimal.Decimal{"BTC": {d("1"), d("2")}},
	}

	if p, ok := snap.Price("BTC-PERP"); !ok || !p.Equal(d("60000")) {
		t.Errorf("Price(BTC-PERP) = %s, %v", p, ok)
	}
	if _, ok := snap.Price("ETH"); ok {
		t.Error("Price(ETH) should be missing")
	}
	if _, ok := snap.FundingFor("BTC"); !ok {
		t.Error("FundingFor(BTC) should resolve the perp")
	}
	if len(snap.ClosesFor("BTC-PERP")) != 2 {
		t.Error("ClosesFor should use the base asset")
	}

	cp := snap.Clone()
	cp.Closes["BTC"][0] = d("99")
	if !snap.Closes["BTC"][0].Equal(d("1")) {
		t.Error("Clone shares close slices")
	}
}

func TestCache_RollsDailyCloses(t *testing.T) {
	c := NewCache(CacheConfig{MaxCloses: 2, MaxAge: -1})
	c.SetClock(func() time.Time { return day0.Add(72 * time.Hour) })

	updates := []struct {
		at    time.Time
		price string
	}{
		{day0, "100"},
		{day0.Add(2 * time.Hour), "110"},
		{day0.Add(24 * time.Hour), "120"},
		{day0.Add(48 * time.Hour), "130"},
		{day0.Add(72 * time.Hour), "140"},
	}
	for _, u := range updates {
		if err := c.UpdatePrice("btc", d(u.price), u.at); err != nil {
			t.Fatalf("UpdatePrice() error = %v", err)
		}
	}

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	closes := snap.Closes["BTC"]
	if len(closes) != 2 || !closes[0].Equal(d("120")) || !closes[1].Equal(d("130")) {
		t.Errorf("closes = %v, want [120 130]", closes)
	}
	if !snap.Prices["BTC"].Equal(d("140")) {
		t.Errorf("price = %s, want 140", snap.Prices["BTC"])
	}
}

func TestCache_RejectsNonPositivePrice(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	if err := c.UpdatePrice("BTC", decimal.Zero, day0); !errors.Is(err, types.ErrInvalidPrice) {
		t.Errorf("error = %v, want ErrInvalidPrice", err)
	}
}

func TestCache_FundingSettlement(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	c.SetClock(func() time.Time { return day0 })
	c.UpdatePrice("BTC", d("60000"), day0)

	next := day0.Add(time.Hour)
	c.UpdateFunding("BTC-PERP", d("0.0001"), next, day0)
	c.UpdateFunding("BTC-PERP", d("0.00012"), next, day0)        // same period, rate revised
	c.UpdateFunding("BTC", d("0.0002"), next.Add(8*time.Hour), day0) // new period

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f := snap.Funding["BTC-PERP"]
	if !f.Rate.Equal(d("0.0002")) {
		t.Errorf("Rate = %s, want 0.0002", f.Rate)
	}
	if len(f.History) != 1 || !f.History[0].Equal(d("0.00012")) {
		t.Errorf("History = %v, want [0.00012]", f.History)
	}
	if f.PersistedPeriods() != 2 {
		t.Errorf("PersistedPeriods = %d, want 2", f.PersistedPeriods())
	}
}

func TestCache_SnapshotUnavailable(t *testing.T) {
	c := NewCache(CacheConfig{MaxAge: time.Minute})
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("empty cache error = %v, want ErrDataUnavailable", err)
	}

	c.UpdatePrice("BTC", d("1"), day0)
	c.SetClock(func() time.Time { return day0.Add(2 * time.Minute) })
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("stale cache error = %v, want ErrDataUnavailable", err)
	}
}

func TestCache_OnPrice(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	var got []string
	c.OnPrice(func(asset string, price decimal.Decimal) {
		got = append(got, asset+"="+price.String())
	})
	c.UpdatePrice("eth", d("3000"), day0)

	if len(got) != 1 || got[0] != "ETH=3000" {
		t.Errorf("listener calls = %v", got)
	}
}

func TestCache_LoadHistory(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	c.SetClock(func() time.Time { return day0 })
	c.UpdatePrice("BTC", d("60000"), day0)

	doc := `{"closes": {"BTC": ["1", "2", "3"]}, "funding": {"BTC-PERP": ["0.0001", "0.0002", "0.0003"]}}`
	if err := c.LoadHistory(strings.NewReader(doc)); err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}

	snap, _ := c.Snapshot(context.Background())
	if len(snap.Closes["BTC"]) != 3 {
		t.Errorf("closes = %v", snap.Closes["BTC"])
	}
	f := snap.Funding["BTC-PERP"]
	if !f.Rate.Equal(d("0.0003")) || len(f.History) != 2 {
		t.Errorf("funding = %+v", f)
	}

	if err := c.LoadHistory(strings.NewReader(`{"closes": {"BTC": ["x"]}}`)); !errors.Is(err, types.ErrInvalidData) {
		t.Errorf("bad history error = %v, want ErrInvalidData", err)
	}
}

func TestBinanceFeed_StreamURL(t *testing.T) {
	f := NewBinanceFeed(BinanceFeedConfig{Assets: []string{"BTC", "eth"}}, NewCache(DefaultCacheConfig()), nil)
	got, err := f.StreamURL()
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://fstream.binance.com/stream?streams=btcusdt%40markPrice%401s%2Fethusdt%40markPrice%401s"
	if got != want {
		t.Errorf("StreamURL() = %s, want %s", got, want)
	}

	empty := NewBinanceFeed(BinanceFeedConfig{}, NewCache(DefaultCacheConfig()), nil)
	if _, err := empty.StreamURL(); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

const markPriceFrame = `{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1772359200000,"s":"BTCUSDT","p":"61234.50000000","i":"61230.1","r":"0.00010000","T":1772380800000}}`

func TestBinanceFeed_HandleMessage(t *testing.T) {
	c := NewCache(CacheConfig{MaxAge: -1})
	f := NewBinanceFeed(BinanceFeedConfig{Assets: []string{"BTC"}}, c, nil)

	if err := f.HandleMessage([]byte(markPriceFrame)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Prices["BTC"].Equal(d("61234.5")) {
		t.Errorf("price = %s", snap.Prices["BTC"])
	}
	if !snap.Funding["BTC-PERP"].Rate.Equal(d("0.0001")) {
		t.Errorf("funding = %s", snap.Funding["BTC-PERP"].Rate)
	}

	if err := f.HandleMessage([]byte(`{"data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"abc"}}`)); !errors.Is(err, types.ErrInvalidData) {
		t.Errorf("bad price error = %v, want ErrInvalidData", err)
	}
	if err := f.HandleMessage([]byte(`not json`)); !errors.Is(err, types.ErrInvalidData) {
		t.Errorf("bad frame error = %v, want ErrInvalidData", err)
	}
	if err := f.HandleMessage([]byte(`{"data":{"e":"aggTrade"}}`)); err != nil {
		t.Errorf("other events should be ignored, got %v", err)
	}
}

func TestBinanceFeed_RunAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "streams=") {
			http.Error(w, "missing streams", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(markPriceFrame))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewCache(CacheConfig{MaxAge: -1})
	cfg := BinanceFeedConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Assets: []string{"BTC"},
	}
	f := NewBinanceFeed(cfg, c, nil)

	got := make(chan struct{}, 1)
	c.OnPrice(func(string, decimal.Decimal) {
		select {
		case got <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no price received from stream")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
