package types

import "errors"

// Sentinel errors for the allocator.
var (
	// Ledger errors
	ErrStaleWrite       = errors.New("stale write: record version changed")
	ErrTerminalOrder    = errors.New("order already in terminal status")
	ErrOrderNotFound    = errors.New("order not found")
	ErrEngineTagChanged = errors.New("position engine tag is immutable")
	ErrStateNotFound    = errors.New("state not found")

	// Gateway errors
	ErrGatewayUnavailable  = errors.New("exchange gateway unavailable")
	ErrTransient           = errors.New("transient exchange error")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrOrderRejected       = errors.New("order rejected by exchange")
	ErrOrderStatusUnknown  = errors.New("order status unknown after timeout")
	ErrInvalidOrderSize    = errors.New("invalid order size")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransferUnsupported = errors.New("gateway cannot transfer between sub-accounts")

	// Orchestration errors
	ErrCycleAborted     = errors.New("cycle aborted")
	ErrUnhedgedResidual = errors.New("unhedged residual exposure after failed unwind")
	ErrPipelineHalted   = errors.New("pipeline halted: manual intervention required")
	ErrBreakerTripped   = errors.New("drawdown breaker tripped")
	ErrIllegalCycle     = errors.New("illegal engine cycle transition")

	// Data errors
	ErrInvalidPrice    = errors.New("invalid price value")
	ErrInvalidData     = errors.New("invalid market data")
	ErrDataUnavailable = errors.New("market data unavailable")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
)
