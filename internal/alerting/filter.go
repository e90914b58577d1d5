package alerting

import (
	"context"
	"fmt"
)

// FilteredAlerter drops alerts whose "event" field is not enabled. Alerts
// without an event field always pass.
type FilteredAlerter struct {
	next    Alerter
	enabled func(event string) bool
}

// NewFilteredAlerter wraps next with an event filter.
func NewFilteredAlerter(next Alerter, enabled func(event string) bool) *FilteredAlerter {
	return &FilteredAlerter{next: next, enabled: enabled}
}

// Name returns the wrapped alerter's name.
func (f *FilteredAlerter) Name() string {
	return f.next.Name()
}

// Alert forwards the alert when its event is enabled.
func (f *FilteredAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if event, ok := eventField(fields); ok && !f.enabled(event) {
		return nil
	}
	return f.next.Alert(ctx, severity, message, fields...)
}

// SendSummary forwards the summary when daily summaries are enabled.
func (f *FilteredAlerter) SendSummary(ctx context.Context, summary PortfolioSummary) error {
	if !f.enabled(string(EventDailySummary)) {
		return nil
	}
	if ss, ok := f.next.(SummarySender); ok {
		return ss.SendSummary(ctx, summary)
	}
	return f.next.Alert(ctx, SeverityInfo, summary.Text())
}

func eventField(fields []any) (string, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok && key == "event" {
			return fmt.Sprint(fields[i+1]), true
		}
	}
	return "", false
}
