package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter logs alerts through slog. It is the fallback channel when
// no webhook is configured.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a new console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs an alert to the console.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, "severity", severity.String())
	attrs = append(attrs, fields...)

	switch severity {
	case SeverityCritical:
		c.logger.Error("[ALERT] "+message, attrs...)
	case SeverityHigh:
		c.logger.Warn("[ALERT] "+message, attrs...)
	case SeverityWarning:
		c.logger.Warn("[ALERT] "+message, attrs...)
	default:
		c.logger.Info("[ALERT] "+message, attrs...)
	}

	return nil
}

// SendSummary logs the daily portfolio summary.
func (c *ConsoleAlerter) SendSummary(_ context.Context, s PortfolioSummary) error {
	c.logger.Info("[SUMMARY] daily portfolio summary",
		"date", s.Date.Format("2006-01-02"),
		"equity", s.EndingEquity.StringFixed(2),
		"pl", s.TotalPL.StringFixed(2),
		"drawdown_pct", s.Drawdown.StringFixed(2),
		"orders_filled", s.OrdersFilled,
		"orders_rejected", s.OrdersRejected,
		"breaker_tripped", s.BreakerTripped,
		"halted", s.Halted,
	)
	return nil
}
