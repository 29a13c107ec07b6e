package common

import "errors"

// Failure taxonomy shared by every ledger component. Package level errors wrap
// one of these sentinels so callers can branch with errors.Is while still
// surfacing a specific, human readable reason.
var (
	ErrInputInvalid           = errors.New("input invalid")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrExceedsStaked          = errors.New("amount exceeds staked amount")
	ErrExceedsDeposit         = errors.New("amount exceeds deposit balance")
	ErrForbidden              = errors.New("forbidden")
	ErrAlreadyInitialized     = errors.New("already initialized")
	ErrVestingCeilingExceeded = errors.New("max vestable amount exceeded")
	ErrTransferNotSignalled   = errors.New("transfer not signalled")
)
