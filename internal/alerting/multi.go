package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MultiAlerter fans alerts out to every configured channel concurrently.
// One slow or failing channel never keeps the others from delivering.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Alert sends to all channels and joins their errors.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return m.fanOut("alert", func(a Alerter) error {
		return a.Alert(ctx, severity, message, fields...)
	})
}

// AlertEvent sends an alert at the event's predefined severity.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	fields = append([]any{"event", string(event)}, fields...)
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}

// SendSummary delivers the summary to every channel. Channels without native
// summary rendering receive it as a plain info alert.
func (m *MultiAlerter) SendSummary(ctx context.Context, summary PortfolioSummary) error {
	return m.fanOut("summary", func(a Alerter) error {
		if ss, ok := a.(SummarySender); ok {
			return ss.SendSummary(ctx, summary)
		}
		return a.Alert(ctx, SeverityInfo, summary.Text())
	})
}

func (m *MultiAlerter) fanOut(kind string, send func(Alerter) error) error {
	m.mu.RLock()
	alerters := append([]Alerter(nil), m.alerters...)
	m.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, a := range alerters {
		a := a
		g.Go(func() error {
			if err := send(a); err != nil {
				m.logger.Error("alert delivery failed", "alerter", a.Name(), "kind", kind, "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
