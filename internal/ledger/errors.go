package ledger

import "errors"

// Trade rejections are typed so the API layer can render actionable messages.
// Wrapped details (required/available amounts, staleness age) ride in the
// message; callers match with errors.Is.
var (
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrStalePrice           = errors.New("stale price")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrConcurrentTrade      = errors.New("trade already in progress")
	ErrCommitFailed         = errors.New("ledger commit failed")
	ErrAccountNotFound      = errors.New("account not found")
)
