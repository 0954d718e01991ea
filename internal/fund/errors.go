package fund

import "errors"

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrZeroShares            = errors.New("amount converts to zero shares")
	ErrZeroAssets            = errors.New("amount converts to zero assets")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrInsufficientAllowance = errors.New("insufficient share allowance")
	ErrNoRegistry            = errors.New("no escrow registry configured")
	ErrInvalidConfig         = errors.New("invalid fund config")
)
