// Package alerting delivers operator notifications for the allocator.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// SummarySender is implemented by alerters that render the daily portfolio
// summary natively.
type SummarySender interface {
	SendSummary(ctx context.Context, summary PortfolioSummary) error
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventBreakerTripped is sent when a drawdown breaker latches.
	EventBreakerTripped AlertEvent = "breaker_tripped"
	// EventBreakerCleared is sent when a latched breaker is released.
	EventBreakerCleared AlertEvent = "breaker_cleared"
	// EventUnhedgedResidual is sent when a hedge leg failed and the unwind
	// failed too.
	EventUnhedgedResidual AlertEvent = "unhedged_residual"
	// EventPipelineHalted is sent when the pipeline stops trading until an
	// operator intervenes.
	EventPipelineHalted AlertEvent = "pipeline_halted"
	// EventHedgeUnwound is sent when a one-legged hedge was flattened.
	EventHedgeUnwound AlertEvent = "hedge_unwound"
	// EventCycleAborted is sent when a cycle stops before execution completes.
	EventCycleAborted AlertEvent = "cycle_aborted"
	// EventReconcileDiscrepancy is sent when ledger and exchange disagree.
	EventReconcileDiscrepancy AlertEvent = "reconcile_discrepancy"
	// EventOrderRejected is sent when the exchange rejects an order.
	EventOrderRejected AlertEvent = "order_rejected"
	// EventOrderFilled is sent when an order is filled.
	EventOrderFilled AlertEvent = "order_filled"
	// EventReserveTransfer is sent when cash moves to or from the reserve.
	EventReserveTransfer AlertEvent = "reserve_transfer"
	// EventDailySummary is sent for the daily portfolio summary.
	EventDailySummary AlertEvent = "daily_summary"
	// EventBotStarted is sent when the allocator starts.
	EventBotStarted AlertEvent = "bot_started"
	// EventBotStopped is sent when the allocator stops.
	EventBotStopped AlertEvent = "bot_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventUnhedgedResidual, EventPipelineHalted:
		return SeverityCritical
	case EventBreakerTripped, EventHedgeUnwound:
		return SeverityHigh
	case EventBreakerCleared, EventCycleAborted, EventReconcileDiscrepancy, EventOrderRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
