package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/alerting"
	"github.com/tathienbao/allocator/internal/config"
	"github.com/tathienbao/allocator/internal/exchange"
	"github.com/tathienbao/allocator/internal/exchange/paper"
	"github.com/tathienbao/allocator/internal/execution"
	"github.com/tathienbao/allocator/internal/ledger"
	"github.com/tathienbao/allocator/internal/market"
	"github.com/tathienbao/allocator/internal/pipeline"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/risk"
)

// app holds every long-lived component of one allocator process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	ledger    ledger.Ledger
	paper     *paper.Exchange
	keepPaper bool // write the paper account back on close
	gateway   exchange.Gateway
	cache     *market.Cache
	feed      *market.BinanceFeed // nil for the static feed
	governor  *risk.Governor
	alerter   alerting.Alerter
	pipeline  *pipeline.Pipeline
}

// newApp wires the allocator in paper mode.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	l, err := openLedger(ctx, cfg.Persistence)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, ledger: l, keepPaper: true}
	if err := a.wire(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	ex, err := openPaper(cfg, a.logger)
	if err != nil {
		return err
	}
	a.paper = ex
	a.gateway = exchange.NewResilient(ex, cfg.ToResilientConfig(), a.logger)

	a.cache = market.NewCache(cfg.ToCacheConfig())
	// Paper fills happen at the latest mark the feed delivered.
	a.cache.OnPrice(func(asset string, price decimal.Decimal) {
		ex.SetPrice(asset, price)
	})
	if err := a.seedMarket(); err != nil {
		return err
	}

	a.governor = risk.NewGovernor(cfg.ToRiskConfig(), a.ledger, a.logger)
	if err := a.governor.Load(ctx); err != nil {
		return fmt.Errorf("load breakers: %w", err)
	}

	a.alerter = buildAlerter(cfg, a.logger)

	a.pipeline = pipeline.New(cfg.ToPipelineConfig(), pipeline.Deps{
		Ledger:     a.ledger,
		Reconciler: reconcile.New(cfg.ToReconcileConfig(), a.ledger, a.gateway, a.logger),
		Market:     a.cache,
		Governor:   a.governor,
		Executor:   execution.New(cfg.ToExecutionConfig(), a.gateway, a.ledger, a.logger),
		Engines:    cfg.BuildEngines(),
		Alerter:    a.alerter,
	}, a.logger)
	return nil
}

// seedMarket loads history and, for the static feed, the configured marks.
func (a *app) seedMarket() error {
	cfg := a.cfg
	if cfg.Market.HistoryFile != "" {
		f, err := os.Open(cfg.Market.HistoryFile)
		if err != nil {
			return fmt.Errorf("open market history: %w", err)
		}
		defer f.Close()
		if err := a.cache.LoadHistory(f); err != nil {
			return err
		}
	}

	if cfg.Market.Feed != "static" {
		a.feed = market.NewBinanceFeed(cfg.ToBinanceFeedConfig(), a.cache, a.logger)
		return nil
	}

	now := time.Now()
	for asset, price := range cfg.Market.Prices {
		if err := a.cache.UpdatePrice(asset, price, now); err != nil {
			return fmt.Errorf("seed market: %w", err)
		}
	}
	// A static rate counts as persistent for the funding sign check.
	periods := cfg.Engines.FundingArb.MinPeriods + 1
	for sym, rate := range cfg.Market.Funding {
		history := make([]decimal.Decimal, periods)
		for i := range history {
			history[i] = rate
		}
		a.cache.SeedFunding(sym, history)
	}
	return nil
}

// waitForMarket blocks until the market provider serves a snapshot.
func (a *app) waitForMarket(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := a.cache.Snapshot(ctx)
		if err == nil && len(snap.Prices) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("market data not ready: %w", errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

// close persists the paper account and releases the ledger.
func (a *app) close() error {
	var errs []error
	if path := a.cfg.Paper.StateFile; path != "" && a.keepPaper && a.paper != nil {
		if err := savePaperState(a.paper, path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	return errors.Join(errs...)
}

func openLedger(ctx context.Context, cfg config.PersistenceConfig) (ledger.Ledger, error) {
	var (
		l   ledger.Ledger
		err error
	)
	switch cfg.Type {
	case "sqlite":
		l, err = ledger.NewSQLiteLedger(cfg.Path)
	case "postgres":
		l, err = ledger.NewPostgresLedger(ctx, cfg.DSN)
	default:
		l = ledger.NewMemoryLedger()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Type, err)
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

// openPaper restores the paper account from its state file, or opens it
// with the configured balances.
func openPaper(cfg *config.Config, logger *slog.Logger) (*paper.Exchange, error) {
	ex := paper.New(cfg.ToPaperConfig(), logger)

	if path := cfg.Paper.StateFile; path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := ex.LoadSeed(f); err != nil {
				return nil, fmt.Errorf("restore paper account: %w", err)
			}
			return ex, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("open paper state: %w", err)
		}
	}

	for sub, balances := range cfg.Paper.Balances {
		for asset, qty := range balances {
			ex.Deposit(sub, asset, qty)
		}
	}
	return ex, nil
}

// savePaperState writes the paper account atomically.
func savePaperState(ex *paper.Exchange, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".paper-*.json")
	if err != nil {
		return fmt.Errorf("save paper state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := ex.WriteSeed(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save paper state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save paper state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save paper state: %w", err)
	}
	return nil
}

// buildAlerter fans alerts out to the configured channels. The console
// channel is always present so alerts reach the log.
func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	multi := alerting.NewMultiAlerter(logger, alerting.NewConsoleAlerter(logger))
	if !cfg.Alerting.Enabled {
		return multi
	}
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "discord":
			multi.AddAlerter(alerting.NewDiscordAlerter(alerting.DiscordConfig{
				WebhookURL: ch.WebhookURL,
			}))
		}
	}
	return alerting.NewFilteredAlerter(multi, cfg.IsAlertEventEnabled)
}
