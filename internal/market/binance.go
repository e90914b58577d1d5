package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tathienbao/allocator/internal/metrics"
	"github.com/tathienbao/allocator/internal/types"
)

// BinanceFeedConfig configures the futures mark-price stream.
type BinanceFeedConfig struct {
	URL               string // combined stream endpoint
	Assets            []string
	QuoteAsset        string
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// DefaultBinanceFeedConfig returns defaults for the public USDⓈ-M stream.
func DefaultBinanceFeedConfig() BinanceFeedConfig {
	return BinanceFeedConfig{
		URL:               "wss://fstream.binance.com/stream",
		QuoteAsset:        "USDT",
		ReadTimeout:       60 * time.Second,
		PingInterval:      20 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: time.Minute,
	}
}

// BinanceFeed streams <symbol>@markPrice@1s events into a Cache.
type BinanceFeed struct {
	cfg      BinanceFeedConfig
	cache    *Cache
	logger   *slog.Logger
	dialer   *websocket.Dialer
	recorder *metrics.Recorder
}

// NewBinanceFeed creates a feed writing into cache.
func NewBinanceFeed(cfg BinanceFeedConfig, cache *Cache, logger *slog.Logger) *BinanceFeed {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultBinanceFeedConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	return &BinanceFeed{
		cfg:      cfg,
		cache:    cache,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
		recorder: metrics.NewRecorder(),
	}
}

// StreamURL returns the combined stream URL for the configured assets.
func (f *BinanceFeed) StreamURL() (string, error) {
	if len(f.cfg.Assets) == 0 {
		return "", fmt.Errorf("binance feed: no assets: %w", types.ErrInvalidConfig)
	}
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("binance feed url: %w", err)
	}
	streams := make([]string, 0, len(f.cfg.Assets))
	for _, a := range f.cfg.Assets {
		sym := strings.ToLower(types.BaseAsset(types.NormalizeSymbol(a)) + f.cfg.QuoteAsset)
		streams = append(streams, sym+"@markPrice@1s")
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and reconnects until ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	streamURL, err := f.StreamURL()
	if err != nil {
		return err
	}

	delay := f.cfg.ReconnectDelay
	for {
		connected, err := f.session(ctx, streamURL)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.Warn("binance feed disconnected",
			"err", err,
			"retry_in", delay,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (f *BinanceFeed) session(ctx context.Context, streamURL string) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.logger.Info("binance feed connected", "assets", len(f.cfg.Assets))
	f.recorder.RecordMarketFeedStatus(true)
	defer f.recorder.RecordMarketFeedStatus(false)

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.PingInterval)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		if err := f.HandleMessage(msg); err != nil {
			f.logger.Warn("binance feed message dropped", "err", err)
		}
	}
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type markPriceEvent struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

// HandleMessage parses one stream frame and updates the cache. Prices and
// funding rates arrive as strings and become decimals here.
func (f *BinanceFeed) HandleMessage(msg []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fmt.Errorf("decode envelope: %w: %w", types.ErrInvalidData, err)
	}
	data := []byte(env.Data)
	if len(data) == 0 {
		data = msg
	}

	var ev markPriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode mark price: %w: %w", types.ErrInvalidData, err)
	}
	if ev.Event != "markPriceUpdate" {
		return nil
	}

	asset := strings.TrimSuffix(types.NormalizeSymbol(ev.Symbol), f.cfg.QuoteAsset)
	if asset == "" {
		return fmt.Errorf("mark price symbol %q: %w", ev.Symbol, types.ErrInvalidSymbol)
	}
	at := time.UnixMilli(ev.EventTime).UTC()

	price, err := types.ParseDecimal(asset+".markPrice", ev.MarkPrice)
	if err != nil {
		return err
	}
	if err := f.cache.UpdatePrice(asset, price, at); err != nil {
		return err
	}

	if ev.FundingRate != "" {
		rate, err := types.ParseDecimal(asset+".fundingRate", ev.FundingRate)
		if err != nil {
			return err
		}
		f.cache.UpdateFunding(types.PerpSymbol(asset), rate, time.UnixMilli(ev.NextFunding).UTC(), at)
	}
	return nil
}
