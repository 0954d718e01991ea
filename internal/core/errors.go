package core

import (
	"errors"

	"FundLedger/internal/command"
	"FundLedger/internal/escrow"
	"FundLedger/internal/fund"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"
)

var (
	ErrInvariantViolated  = errors.New("invariant violated")
	ErrHalted             = errors.New("engine halted after invariant violation")
	ErrReplayDivergence   = errors.New("replay diverged from logged state hash")
	ErrSequenceGap        = errors.New("replay sequence gap")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindUnauthorized Kind = "unauthorized"
	KindState        Kind = "state"
	KindLiquidity    Kind = "liquidity"
	KindNotFound     Kind = "not_found"
	KindDependency   Kind = "dependency"
	KindInternal     Kind = "internal"
)

// Classify maps an engine error to its Kind. Errors no package claims come
// from an asset collaborator and count as dependency failures.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, guard.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return KindNotFound
	case errors.Is(err, fund.ErrInsufficientLiquidity),
		errors.Is(err, fund.ErrInsufficientShares),
		errors.Is(err, fund.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return KindLiquidity
	case errors.Is(err, guard.ErrPaused),
		errors.Is(err, guard.ErrReentrantCall),
		errors.Is(err, ErrClockRegression),
		errors.Is(err, escrow.ErrAlreadyProcessed),
		errors.Is(err, escrow.ErrDeadlinePassed),
		errors.Is(err, escrow.ErrDeadlineNotPassed),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrAlreadyClawedBack),
		errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrNotFunded):
		return KindState
	case errors.Is(err, fund.ErrInvalidAmount),
		errors.Is(err, fund.ErrZeroShares),
		errors.Is(err, fund.ErrZeroAssets),
		errors.Is(err, fund.ErrNoRegistry),
		errors.Is(err, guard.ErrInvalidAddress),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, escrow.ErrInvalidIndex),
		errors.Is(err, escrow.ErrInvalidSchedule),
		errors.Is(err, escrow.ErrInvalidDeadline),
		errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, command.ErrUnknownType),
		errors.Is(err, command.ErrMalformedInput),
		errors.Is(err, command.ErrMissingID),
		errors.Is(err, command.ErrMissingCaller),
		errors.Is(err, command.ErrMissingTime),
		errors.Is(err, ErrUnsupportedCommand),
		errors.Is(err, fpmath.ErrOverflow),
		errors.Is(err, fpmath.ErrUnderflow),
		errors.Is(err, fpmath.ErrDivisionByZero):
		return KindInvalid
	case errors.Is(err, ErrInvariantViolated), errors.Is(err, ErrHalted):
		return KindInternal
	default:
		return KindDependency
	}
}
