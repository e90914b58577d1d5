// Package scheduler drives pipeline cycles at per-engine cadences.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tathienbao/allocator/internal/alerting"
	"github.com/tathienbao/allocator/internal/pipeline"
	"github.com/tathienbao/allocator/internal/types"
	"golang.org/x/sync/errgroup"
)

// Runner is one account's serialized reconcile, decide and execute pipeline.
type Runner interface {
	Account() string
	Engines() []types.EngineName
	RunCycle(ctx context.Context, due []types.EngineName) (*pipeline.CycleReport, error)
	TakeSummary() alerting.PortfolioSummary
}

// Config holds scheduler timing.
type Config struct {
	// Tick is how often each pipeline checks for due work.
	Tick time.Duration
	// Cadences is the minimum time between evaluations per engine.
	// Engines without an entry are evaluated every tick.
	Cadences map[types.EngineName]time.Duration
	// ReconcileInterval forces a reconciliation-only cycle when no engine
	// has been due for this long.
	ReconcileInterval time.Duration
	// SummaryInterval between portfolio summaries. Zero disables them.
	SummaryInterval time.Duration
}

// DefaultConfig returns the default cadences.
func DefaultConfig() Config {
	return Config{
		Tick: time.Minute,
		Cadences: map[types.EngineName]time.Duration{
			types.EngineCoreHodl:     time.Hour,
			types.EngineTrend:        24 * time.Hour,
			types.EngineFundingArb:   5 * time.Minute,
			types.EngineTacticalCash: time.Hour,
		},
		ReconcileInterval: 15 * time.Minute,
		SummaryInterval:   24 * time.Hour,
	}
}

// slot is the per-pipeline schedule. Only its own goroutine touches it.
type slot struct {
	runner        Runner
	lastRun       map[types.EngineName]time.Time
	lastReconcile time.Time
	lastSummary   time.Time
}

// Scheduler runs every pipeline on its own goroutine.
type Scheduler struct {
	cfg       Config
	slots     []*slot
	summaries alerting.SummarySender
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a scheduler. summaries may be nil.
func New(cfg Config, runners []Runner, summaries alerting.SummarySender, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	s := &Scheduler{
		cfg:       cfg,
		summaries: summaries,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
	}
	for _, r := range runners {
		s.slots = append(s.slots, &slot{
			runner:  r,
			lastRun: make(map[types.EngineName]time.Time),
		})
	}
	return s
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run blocks until ctx is cancelled or a pipeline halts. A halted pipeline
// cancels the others and its error is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sl := range s.slots {
		sl := sl
		g.Go(func() error {
			return s.loop(ctx, sl)
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sl *slot) error {
	logger := s.logger.With("account", sl.runner.Account())
	logger.Info("scheduler loop started", "tick", s.cfg.Tick)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		if err := s.step(ctx, sl); err != nil {
			logger.Error("scheduler loop stopped", "err", err)
			return err
		}
		select {
		case <-ctx.Done():
			logger.Info("scheduler loop stopped: context cancelled")
			return nil
		case <-ticker.C:
		}
	}
}

// step runs at most one cycle for the slot. It returns an error only when
// the pipeline can no longer trade.
func (s *Scheduler) step(ctx context.Context, sl *slot) error {
	now := s.now()
	account := sl.runner.Account()

	due := s.due(sl, now)
	reconcileDue := sl.lastReconcile.IsZero() || now.Sub(sl.lastReconcile) >= s.cfg.ReconcileInterval

	if len(due) > 0 || reconcileDue {
		report, err := sl.runner.RunCycle(ctx, due)
		switch {
		case err == nil:
			for _, name := range due {
				sl.lastRun[name] = now
			}
			sl.lastReconcile = now
			s.logger.Debug("cycle completed",
				"account", account,
				"due", len(due),
				"approved", report.Approved,
				"executions", len(report.Executions),
			)
		case errors.Is(err, types.ErrUnhedgedResidual):
			return fmt.Errorf("account %s: %w", account, err)
		case errors.Is(err, types.ErrPipelineHalted):
			return fmt.Errorf("account %s: %w: %w", account, types.ErrUnhedgedResidual, err)
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Warn("cycle aborted, retrying next tick", "account", account, "err", err)
		}
	}

	s.summarize(ctx, sl, now)
	return nil
}

// due lists the engines whose cadence has elapsed, in name order.
func (s *Scheduler) due(sl *slot, now time.Time) []types.EngineName {
	var out []types.EngineName
	for _, name := range sl.runner.Engines() {
		last, ok := sl.lastRun[name]
		if !ok || now.Sub(last) >= s.cfg.Cadences[name] {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scheduler) summarize(ctx context.Context, sl *slot, now time.Time) {
	if s.summaries == nil || s.cfg.SummaryInterval <= 0 {
		return
	}
	if sl.lastSummary.IsZero() {
		sl.lastSummary = now
		return
	}
	if now.Sub(sl.lastSummary) < s.cfg.SummaryInterval {
		return
	}
	sl.lastSummary = now

	if err := s.summaries.SendSummary(ctx, sl.runner.TakeSummary()); err != nil {
		s.logger.Warn("failed to send summary", "account", sl.runner.Account(), "err", err)
	}
}
