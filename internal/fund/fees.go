// internal/fund/fees.go
package fund

import (
	"fmt"
	"time"

	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

// managementFeeFor returns assets * 200bps * elapsed / year, truncating at
// each division.
func managementFeeFor(assets *uint256.Int, elapsed int64) (*uint256.Int, error) {
	if elapsed <= 0 {
		return fpmath.Zero(), nil
	}
	scaled, err := fpmath.Mul(assets, fpmath.U(ManagementFeeBps))
	if err != nil {
		return nil, err
	}
	if scaled, err = fpmath.Mul(scaled, fpmath.U(uint64(elapsed))); err != nil {
		return nil, err
	}
	scaled.Div(scaled, fpmath.BPS)
	return scaled.Div(scaled, fpmath.U(SecondsPerYear)), nil
}

// PendingManagementFees is the fee, in assets, that a collection at now would
// charge.
func (l *Ledger) PendingManagementFees(now time.Time) (*uint256.Int, error) {
	return managementFeeFor(l.TotalAssets(), now.Unix()-l.lastFeeCollection)
}

// accrueManagementFee brings the fee clock to now and mints the manager's
// cut as shares at the current price. The clock never moves backwards.
func (l *Ledger) accrueManagementFee(now time.Time) (*uint256.Int, error) {
	ts := now.Unix()
	elapsed := ts - l.lastFeeCollection
	if elapsed <= 0 {
		return fpmath.Zero(), nil
	}

	fee, err := managementFeeFor(l.TotalAssets(), elapsed)
	if err != nil {
		return nil, fmt.Errorf("management fee: %w", err)
	}
	l.lastFeeCollection = ts
	if fee.IsZero() {
		return fpmath.Zero(), nil
	}

	feeShares, err := l.convertToShares(fee, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("management fee shares: %w", err)
	}
	if feeShares.IsZero() {
		return feeShares, nil
	}
	if err := l.shares.Mint(l.manager, feeShares); err != nil {
		return nil, err
	}

	l.emit(&event.ManagementFeeCollected{
		Fund:      string(l.cfg.Address),
		Manager:   string(l.manager),
		Elapsed:   elapsed,
		FeeAssets: fee,
		FeeShares: feeShares.Clone(),
		At:        now,
	})
	l.logger.Debug().
		Str("fee_assets", fee.Dec()).
		Str("fee_shares", feeShares.Dec()).
		Int64("elapsed_s", elapsed).
		Msg("management fee accrued")
	return feeShares, nil
}

// CollectManagementFees is open to anyone.
func (l *Ledger) CollectManagementFees(call guard.Call) (*uint256.Int, error) {
	var minted *uint256.Int
	err := l.guarded(false, func() error {
		var err error
		minted, err = l.accrueManagementFee(call.Now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// CollectPerformanceFees crystallizes gains above the high-water mark. The
// mark moves to the current price whenever the price exceeds it, even if the
// fee truncates to zero.
func (l *Ledger) CollectPerformanceFees(call guard.Call) (*uint256.Int, error) {
	feeShares := fpmath.Zero()
	err := l.guarded(false, func() error {
		if err := l.requireOwnerOrManager(call); err != nil {
			return err
		}
		if _, err := l.accrueManagementFee(call.Now); err != nil {
			return err
		}

		price, err := l.SharePrice()
		if err != nil {
			return fmt.Errorf("share price: %w", err)
		}
		if !price.Gt(l.highWaterMark) {
			return nil
		}

		gain := new(uint256.Int).Sub(price, l.highWaterMark)
		gainRatio, err := fpmath.MulDiv(gain, fpmath.WAD, price, fpmath.RoundDown)
		if err != nil {
			return err
		}
		gained, err := fpmath.MulDiv(l.TotalSupply(), gainRatio, fpmath.WAD, fpmath.RoundDown)
		if err != nil {
			return err
		}
		if feeShares, err = fpmath.MulBps(gained, PerformanceFeeBps); err != nil {
			return err
		}

		if !feeShares.IsZero() {
			if err := l.shares.Mint(l.manager, feeShares); err != nil {
				return err
			}
			l.emit(&event.PerformanceFeeCollected{
				Fund:       string(l.cfg.Address),
				Manager:    string(l.manager),
				SharePrice: price.Clone(),
				FeeShares:  feeShares.Clone(),
			})
		}

		old := l.highWaterMark
		l.highWaterMark = price
		l.emit(&event.HighWaterMarkUpdated{Fund: string(l.cfg.Address), Old: old, New: price.Clone()})
		l.logger.Info().
			Str("old_hwm", fpmath.WADToDecimal(old).String()).
			Str("new_hwm", fpmath.WADToDecimal(price).String()).
			Str("fee_shares", feeShares.Dec()).
			Msg("performance fee crystallized")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return feeShares, nil
}
