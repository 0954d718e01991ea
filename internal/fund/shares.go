// internal/fund/shares.go
package fund

import (
	"fmt"

	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

// Deposit pulls assets from the caller and mints shares to receiver, rounding
// shares down. The caller must have approved the fund address on the base asset.
func (l *Ledger) Deposit(call guard.Call, assets *uint256.Int, receiver ledger.Address) (*uint256.Int, error) {
	var shares *uint256.Int
	err := l.guarded(true, func() error {
		if fpmath.IsZero(assets) {
			return fmt.Errorf("deposit: %w", ErrInvalidAmount)
		}
		if _, err := l.accrueManagementFee(call.Now); err != nil {
			return err
		}

		var err error
		if shares, err = l.convertToShares(assets, fpmath.RoundDown); err != nil {
			return err
		}
		if shares.IsZero() {
			return fmt.Errorf("deposit %s: %w", assets.Dec(), ErrZeroShares)
		}
		return l.enter(call, assets, shares, receiver)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint issues exactly shares to receiver and pulls the assets they cost,
// rounding assets up.
func (l *Ledger) Mint(call guard.Call, shares *uint256.Int, receiver ledger.Address) (*uint256.Int, error) {
	var assets *uint256.Int
	err := l.guarded(true, func() error {
		if fpmath.IsZero(shares) {
			return fmt.Errorf("mint: %w", ErrInvalidAmount)
		}
		if _, err := l.accrueManagementFee(call.Now); err != nil {
			return err
		}

		var err error
		if assets, err = l.convertToAssets(shares, fpmath.RoundUp); err != nil {
			return err
		}
		return l.enter(call, assets, shares, receiver)
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// Withdraw sends exactly assets to receiver and burns owner's shares,
// rounding shares up.
func (l *Ledger) Withdraw(call guard.Call, assets *uint256.Int, receiver, owner ledger.Address) (*uint256.Int, error) {
	var shares *uint256.Int
	err := l.guarded(true, func() error {
		if fpmath.IsZero(assets) {
			return fmt.Errorf("withdraw: %w", ErrInvalidAmount)
		}
		if _, err := l.accrueManagementFee(call.Now); err != nil {
			return err
		}

		var err error
		if shares, err = l.convertToShares(assets, fpmath.RoundUp); err != nil {
			return err
		}
		return l.exit(call, assets, shares, receiver, owner)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns exactly shares from owner and sends their value to receiver,
// rounding assets down.
func (l *Ledger) Redeem(call guard.Call, shares *uint256.Int, receiver, owner ledger.Address) (*uint256.Int, error) {
	var assets *uint256.Int
	err := l.guarded(true, func() error {
		if fpmath.IsZero(shares) {
			return fmt.Errorf("redeem: %w", ErrInvalidAmount)
		}
		if _, err := l.accrueManagementFee(call.Now); err != nil {
			return err
		}

		var err error
		if assets, err = l.convertToAssets(shares, fpmath.RoundDown); err != nil {
			return err
		}
		if assets.IsZero() {
			return fmt.Errorf("redeem %s: %w", shares.Dec(), ErrZeroAssets)
		}
		return l.exit(call, assets, shares, receiver, owner)
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (l *Ledger) enter(call guard.Call, assets, shares *uint256.Int, receiver ledger.Address) error {
	if receiver.IsZero() {
		return fmt.Errorf("receiver: %w", guard.ErrInvalidAddress)
	}

	if err := l.shares.Mint(receiver, shares); err != nil {
		return err
	}
	if err := l.base.TransferFrom(l.cfg.Address, call.Caller, l.cfg.Address, assets); err != nil {
		return fmt.Errorf("pull %s %s from %s: %w", assets.Dec(), l.base.Symbol(), call.Caller, err)
	}

	l.emit(&event.Deposited{
		Fund:     string(l.cfg.Address),
		Sender:   string(call.Caller),
		Receiver: string(receiver),
		Assets:   assets.Clone(),
		Shares:   shares.Clone(),
	})
	return nil
}

func (l *Ledger) exit(call guard.Call, assets, shares *uint256.Int, receiver, owner ledger.Address) error {
	if receiver.IsZero() || owner.IsZero() {
		return fmt.Errorf("receiver and owner: %w", guard.ErrInvalidAddress)
	}

	available, err := l.AvailableLiquidity()
	if err != nil {
		return err
	}
	if assets.Gt(available) {
		return fmt.Errorf("requested %s, available %s: %w", assets.Dec(), available.Dec(), ErrInsufficientLiquidity)
	}
	if held := l.shares.BalanceOf(owner); held.Lt(shares) {
		return fmt.Errorf("%s holds %s shares, needs %s: %w", owner, held.Dec(), shares.Dec(), ErrInsufficientShares)
	}
	if call.Caller != owner {
		allowed := l.shares.Allowance(owner, call.Caller)
		if allowed.Lt(shares) {
			return fmt.Errorf("%s may spend %s of %s's shares, needs %s: %w",
				call.Caller, allowed.Dec(), owner, shares.Dec(), ErrInsufficientAllowance)
		}
		if err := l.shares.Approve(owner, call.Caller, new(uint256.Int).Sub(allowed, shares)); err != nil {
			return err
		}
	}

	if err := l.shares.Burn(owner, shares); err != nil {
		return err
	}
	if err := l.base.Transfer(l.cfg.Address, receiver, assets); err != nil {
		return fmt.Errorf("send %s %s to %s: %w", assets.Dec(), l.base.Symbol(), receiver, err)
	}

	l.emit(&event.Withdrawn{
		Fund:     string(l.cfg.Address),
		Sender:   string(call.Caller),
		Receiver: string(receiver),
		Owner:    string(owner),
		Assets:   assets.Clone(),
		Shares:   shares.Clone(),
	})
	return nil
}

// ApproveShares lets spender withdraw or redeem on the caller's behalf.
func (l *Ledger) ApproveShares(call guard.Call, spender ledger.Address, amount *uint256.Int) error {
	return l.guarded(false, func() error {
		return l.shares.Approve(call.Caller, spender, fpmath.OrZero(amount))
	})
}

// TransferShares moves the caller's shares to another holder.
func (l *Ledger) TransferShares(call guard.Call, to ledger.Address, amount *uint256.Int) error {
	return l.guarded(true, func() error {
		if fpmath.IsZero(amount) {
			return fmt.Errorf("transfer shares: %w", ErrInvalidAmount)
		}
		if err := l.shares.Transfer(call.Caller, to, amount); err != nil {
			if held := l.shares.BalanceOf(call.Caller); held.Lt(amount) {
				return fmt.Errorf("%s holds %s shares: %w", call.Caller, held.Dec(), ErrInsufficientShares)
			}
			return err
		}
		l.emit(&event.SharesTransferred{
			Fund:   string(l.cfg.Address),
			From:   string(call.Caller),
			To:     string(to),
			Shares: amount.Clone(),
		})
		return nil
	})
}
