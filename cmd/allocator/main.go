// Package main is the entry point for the multi-strategy portfolio allocator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tathienbao/allocator/internal/alerting"
	"github.com/tathienbao/allocator/internal/config"
	"github.com/tathienbao/allocator/internal/logging"
	"github.com/tathienbao/allocator/internal/metrics"
	"github.com/tathienbao/allocator/internal/report"
	"github.com/tathienbao/allocator/internal/risk"
	"github.com/tathienbao/allocator/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const serviceName = "allocator"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		err = cmdRun(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "clear-breaker":
		err = cmdClearBreaker(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Allocator - Multi-Strategy Crypto Portfolio Allocator

Usage:
  allocator <command> [options]

Commands:
  run            Start the allocator (paper mode)
  validate       Validate configuration file
  status         Reconcile once and print the portfolio
  clear-breaker  Clear a latched drawdown breaker
  version        Show version information
  help           Show this help message

Examples:
  allocator run --config config.yaml
  allocator validate --config config.yaml
  allocator status --config config.yaml
  allocator clear-breaker --config config.yaml --scope portfolio --reason "reviewed"

Use "allocator <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("allocator version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Account:      %s (%s)\n", cfg.Account.Name, cfg.Account.QuoteAsset)
	fmt.Printf("  Market feed:  %s\n", cfg.Market.Feed)
	fmt.Printf("  Persistence:  %s\n", cfg.Persistence.Type)
	allocations := cfg.Allocations()
	for _, name := range cfg.EnabledEngines() {
		fmt.Printf("  %-14s %s%% of equity\n", name, allocations[name].Shift(2).StringFixed(1))
	}
	fmt.Printf("  Drawdown breaker: %s%%\n", cfg.Risk.DrawdownBreakerPct.Shift(2).StringFixed(1))
	fmt.Printf("  Position cap:     %s%%\n", cfg.Risk.PositionCapPct.Shift(2).StringFixed(1))
	return nil
}

// loadConfig loads the config and installs the process logger. Interactive
// commands log text to stderr so their output stays readable.
func loadConfig(path string, interactive bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	w, format := io.Writer(os.Stdout), cfg.Logging.Format
	if interactive {
		w, format = os.Stderr, "text"
	}
	logger, err := logging.New(w, cfg.Logging.Level, format, serviceName)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	paperMode := fs.Bool("paper", true, "Paper trading mode (default: true)")
	fs.Parse(args)

	if !*paperMode {
		return errors.New("live trading requires an exchange gateway; only --paper is available")
	}

	cfg, logger, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("allocator starting",
		"version", Version,
		"mode", "paper",
		"account", cfg.Account.Name,
		"engines", cfg.EnabledEngines(),
		"feed", cfg.Market.Feed,
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var server *metrics.Server
	if cfg.Metrics.Enabled {
		server = metrics.NewServer(cfg.ToMetricsServerConfig(), logger)
		server.SetStatus(func() any { return a.pipeline.Status() })
		server.SetBreakerClear(breakerClearFunc(a.governor))
		server.RegisterHealthCheck("pipeline", func() metrics.Check {
			if a.pipeline.Halted() {
				return metrics.Check{Status: "unhealthy", Message: "pipeline halted"}
			}
			return metrics.Check{Status: "healthy"}
		})
		if err := server.Start(); err != nil {
			_ = a.close()
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	sched := scheduler.New(cfg.ToSchedulerConfig(), []scheduler.Runner{a.pipeline}, summarySender(a.alerter), logger)

	g, gctx := errgroup.WithContext(ctx)
	if a.feed != nil {
		g.Go(func() error { return a.feed.Run(gctx) })
		if err := a.waitForMarket(gctx, time.Minute); err != nil {
			logger.Warn("starting before market data arrived", "err", err)
		}
	}
	g.Go(func() error { return sched.Run(gctx) })

	_ = a.alerter.Alert(ctx, alerting.SeverityInfo, "Allocator started",
		"event", string(alerting.EventBotStarted),
		"version", Version,
		"account", cfg.Account.Name,
	)

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("allocator stopped", "err", runErr)
	} else {
		logger.Info("shutdown signal received")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := shutdown(shutdownCtx, cfg, a, server); err != nil {
		logger.Error("shutdown error", "err", err)
	}

	logger.Info("allocator shutdown complete")
	return runErr
}

func shutdown(ctx context.Context, cfg *config.Config, a *app, server *metrics.Server) error {
	slog.Info("starting graceful shutdown",
		"timeout", cfg.ShutdownTimeout(),
	)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop metrics server", func() error {
			if server == nil {
				return nil
			}
			return server.Shutdown(ctx)
		}},
		{"send stop alert", func() error {
			return a.alerter.Alert(ctx, alerting.SeverityInfo, "Allocator stopped",
				"event", string(alerting.EventBotStopped),
				"account", cfg.Account.Name,
			)
		}},
		{"save state and close ledger", a.close},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, logger, err := loadConfig(*configPath, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// status never advances the paper account on disk
	a.keepPaper = false
	defer a.close()

	if a.feed != nil {
		feedCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go a.feed.Run(feedCtx)
		if err := a.waitForMarket(ctx, 30*time.Second); err != nil {
			return err
		}
	}

	if _, err := a.pipeline.Inspect(ctx); err != nil {
		return err
	}
	return report.New(os.Stdout).Render(a.pipeline.Status())
}

func cmdClearBreaker(args []string) error {
	fs := flag.NewFlagSet("clear-breaker", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	scope := fs.String("scope", "portfolio", "Breaker scope: portfolio or an engine name")
	reason := fs.String("reason", "", "Why the breaker is being cleared (required)")
	fs.Parse(args)

	if *reason == "" {
		fs.Usage()
		return errors.New("--reason is required")
	}

	cfg, logger, err := loadConfig(*configPath, true)
	if err != nil {
		return err
	}
	ctx := context.Background()

	l, err := openLedger(ctx, cfg.Persistence)
	if err != nil {
		return err
	}
	defer l.Close()

	gov := risk.NewGovernor(cfg.ToRiskConfig(), l, logger)
	if err := gov.Load(ctx); err != nil {
		return fmt.Errorf("load breakers: %w", err)
	}
	ev, err := gov.Clear(ctx, *scope, *reason)
	if err != nil {
		return err
	}
	if ev == nil {
		fmt.Printf("Breaker %s was not tripped\n", *scope)
		return nil
	}
	fmt.Printf("Breaker %s cleared at %s\n", ev.Scope, ev.At.UTC().Format(time.RFC3339))
	return nil
}

// breakerClearFunc exposes manual breaker clearing over HTTP.
func breakerClearFunc(gov *risk.Governor) metrics.BreakerClearFunc {
	return func(ctx context.Context, scope, reason string) (bool, error) {
		ev, err := gov.Clear(ctx, scope, reason)
		if err != nil {
			return false, err
		}
		return ev != nil, nil
	}
}

// summarySender returns the alerter's summary path when it has one.
func summarySender(a alerting.Alerter) alerting.SummarySender {
	if s, ok := a.(alerting.SummarySender); ok {
		return s
	}
	return nil
}
