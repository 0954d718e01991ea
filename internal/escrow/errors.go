package escrow

import (
	"errors"

	"FundLedger/internal/guard"
)

var (
	ErrInvalidIndex        = errors.New("invalid tranche index")
	ErrAlreadyProcessed    = errors.New("tranche already processed")
	ErrDeadlinePassed      = errors.New("deadline passed")
	ErrDeadlineNotPassed   = errors.New("deadline not passed")
	ErrInsufficientBalance = errors.New("nothing left to claw back")
	ErrAlreadyClawedBack   = errors.New("escrow already clawed back")
	ErrUnauthorized        = guard.ErrUnauthorized

	ErrInvalidSchedule = errors.New("invalid tranche schedule")
	ErrInvalidDeadline = errors.New("invalid deadline")
	ErrAlreadyFunded   = errors.New("escrow already funded")
	ErrNotFunded       = errors.New("escrow not funded")
	ErrAmountMismatch  = errors.New("funding amount does not match schedule total")
	ErrEscrowNotFound  = errors.New("escrow not found")
)
