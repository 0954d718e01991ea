// internal/fund/capital.go
package fund

import (
	"fmt"
	"time"

	"FundLedger/internal/escrow"
	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

// DeployCapital moves pool assets into a new escrow custodied by the fund.
// The schedule total must fit within available liquidity.
func (l *Ledger) DeployCapital(call guard.Call, recipient ledger.Address, deadline time.Time, tranches []escrow.TrancheSpec) (escrow.Handle, error) {
	var handle escrow.Handle
	err := l.guarded(false, func() error {
		if err := l.requireOwnerOrManager(call); err != nil {
			return err
		}
		if l.registry == nil {
			return ErrNoRegistry
		}
		if _, err := l.accrueManagementFee(call.Now); err != nil {
			return err
		}

		total := fpmath.Zero()
		for i, t := range tranches {
			if fpmath.IsZero(t.Amount) {
				return fmt.Errorf("tranche %d has zero amount: %w", i, escrow.ErrInvalidSchedule)
			}
			var err error
			if total, err = fpmath.Add(total, t.Amount); err != nil {
				return fmt.Errorf("schedule total: %w", err)
			}
		}
		if total.IsZero() {
			return fmt.Errorf("no tranches: %w", escrow.ErrInvalidSchedule)
		}
		available, err := l.AvailableLiquidity()
		if err != nil {
			return err
		}
		if total.Gt(available) {
			return fmt.Errorf("deploy %s, available %s: %w", total.Dec(), available.Dec(), ErrInsufficientLiquidity)
		}

		self := call.As(l.cfg.Address)
		if err := l.base.Approve(l.cfg.Address, l.registry.NextHandle().Address(), total); err != nil {
			return err
		}
		e, err := l.registry.CreateAndFund(self, recipient, deadline, tranches)
		if err != nil {
			return err
		}

		handle = e.Handle()
		l.emit(&event.CapitalDeployed{
			Fund:      string(l.cfg.Address),
			Escrow:    uint64(handle),
			Recipient: string(recipient),
			Amount:    total,
		})
		l.logger.Info().
			Str("escrow", e.Address().String()).
			Str("recipient", recipient.String()).
			Str("amount", total.Dec()).
			Msg("capital deployed")
		return nil
	})
	if err != nil {
		return 0, err
	}
	return handle, nil
}

// ReleaseMilestone releases one tranche of a fund-custodied escrow.
func (l *Ledger) ReleaseMilestone(call guard.Call, h escrow.Handle, index int) (*uint256.Int, error) {
	return l.ReleaseMilestones(call, h, []int{index})
}

func (l *Ledger) ReleaseMilestones(call guard.Call, h escrow.Handle, indices []int) (*uint256.Int, error) {
	var released *uint256.Int
	err := l.custodyCall(call, h, func(e *escrow.Escrow, self guard.Call) error {
		var err error
		released, err = e.ReleaseMilestones(self, indices)
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// EmergencyClawback returns an escrow's unreleased remainder to the pool.
func (l *Ledger) EmergencyClawback(call guard.Call, h escrow.Handle) (*uint256.Int, error) {
	var clawed *uint256.Int
	err := l.custodyCall(call, h, func(e *escrow.Escrow, self guard.Call) error {
		var err error
		clawed, err = e.EmergencyClawback(self)
		return err
	})
	if err != nil {
		return nil, err
	}
	return clawed, nil
}

func (l *Ledger) custodyCall(call guard.Call, h escrow.Handle, fn func(*escrow.Escrow, guard.Call) error) error {
	return l.guarded(false, func() error {
		if err := l.requireOwnerOrManager(call); err != nil {
			return err
		}
		if l.registry == nil {
			return ErrNoRegistry
		}
		e, err := l.registry.Get(h)
		if err != nil {
			return err
		}
		return fn(e, call.As(l.cfg.Address))
	})
}
