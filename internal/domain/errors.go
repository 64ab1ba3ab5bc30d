package domain

import "errors"

// Sentinel errors for the failure taxonomy. Validation and not-found errors
// are rejected before any state mutation; insufficient-balance and settlement
// timeout are terminal and never retried.
var (
	ErrIndexNotFound       = errors.New("index not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAllocation   = errors.New("allocation weights must sum to 100%")
	ErrUnsupportedAsset    = errors.New("unsupported asset")
	ErrInvalidStatus       = errors.New("operation not valid for index status")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSettlementTimeout   = errors.New("settlement polling timed out")
	ErrSettlementFailed    = errors.New("swap settled unsuccessfully")
	ErrTerminalState       = errors.New("record is in a terminal state")
	ErrPriceUnavailable    = errors.New("price unavailable")
)

// IsTerminalFailure reports whether err must not be retried by the trade executor
func IsTerminalFailure(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrSettlementTimeout) ||
		errors.Is(err, ErrSettlementFailed) ||
		errors.Is(err, ErrUnsupportedAsset)
}
