package fund

import (
	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
)

func (l *Ledger) Pause(call guard.Call) error {
	return l.SetPaused(call, true)
}

func (l *Ledger) Unpause(call guard.Call) error {
	return l.SetPaused(call, false)
}

// SetPaused toggles the circuit breaker on deposit, mint, withdraw and redeem.
func (l *Ledger) SetPaused(call guard.Call, paused bool) error {
	return l.guarded(false, func() error {
		if err := l.ownable.RequireOwner(call); err != nil {
			return err
		}
		if l.pausable.SetPaused(paused) {
			l.emit(&event.PausedChanged{Fund: string(l.cfg.Address), By: string(call.Caller), Paused: paused})
		}
		return nil
	})
}

func (l *Ledger) TransferOwnership(call guard.Call, next ledger.Address) error {
	return l.guarded(false, func() error {
		prev, err := l.ownable.TransferOwnership(call, next)
		if err != nil {
			return err
		}
		l.emit(&event.OwnershipTransferred{Fund: string(l.cfg.Address), Previous: string(prev), Next: string(next)})
		return nil
	})
}
