package connections

import "errors"

// Failure taxonomy. Each error aborts the operation in progress without
// persisting anything.
var (
	ErrAlreadyInitialized = errors.New("connections: already initialized")
	ErrNotInitialized     = errors.New("connections: ledger not initialized")
	ErrZeroDeposit        = errors.New("connections: must attach value to deposit")
	ErrSelfExchange       = errors.New("connections: cannot exchange cards with yourself")
	ErrInsufficientFunds  = errors.New("connections: insufficient pool balance for transfer")
	ErrUnauthorized       = errors.New("connections: only owner can change transfer amount")
	ErrOverflow           = errors.New("connections: arithmetic overflow")
	ErrUnderflow          = errors.New("connections: arithmetic underflow")
	ErrAccountRequired    = errors.New("connections: account id required")
	ErrInvalidAmount      = errors.New("connections: invalid amount")
	ErrFundingRejected    = errors.New("connections: deposit not backed by custody")
	ErrDuplicateDeposit   = errors.New("connections: deposit reference already credited")
	errNilState           = errors.New("connections engine: state not configured")
)

// Reason maps an error to its stable machine-readable code. Unknown errors
// map to "Internal".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInitialized):
		return "AlreadyInitialized"
	case errors.Is(err, ErrNotInitialized):
		return "NotInitialized"
	case errors.Is(err, ErrZeroDeposit):
		return "ZeroDeposit"
	case errors.Is(err, ErrSelfExchange):
		return "SelfExchange"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrOverflow):
		return "Overflow"
	case errors.Is(err, ErrUnderflow):
		return "Underflow"
	case errors.Is(err, ErrAccountRequired):
		return "AccountRequired"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrFundingRejected):
		return "FundingRejected"
	case errors.Is(err, ErrDuplicateDeposit):
		return "DuplicateDeposit"
	default:
		return "Internal"
	}
}
