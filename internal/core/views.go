package core

import (
	"fmt"
	"time"

	"FundLedger/internal/escrow"
	"FundLedger/internal/fund"
	"FundLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Read methods take the engine mutex and return copies, so callers never
// observe a command halfway through.

func (e *Engine) FundView(now time.Time) (fund.View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fund.Snapshot(now)
}

// AccountView is one address's position in the base asset and the fund.
type AccountView struct {
	Address     ledger.Address `json:"address"`
	Assets      *uint256.Int   `json:"assets"`
	Shares      *uint256.Int   `json:"shares"`
	ShareValue  *uint256.Int   `json:"share_value"`
	MaxWithdraw *uint256.Int   `json:"max_withdraw"`
	MaxRedeem   *uint256.Int   `json:"max_redeem"`
	FundAllowed *uint256.Int   `json:"fund_allowance"`
}

func (e *Engine) Account(addr ledger.Address) (AccountView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	shares := e.fund.BalanceOf(addr)
	value, err := e.fund.ConvertToAssets(shares)
	if err != nil {
		return AccountView{}, err
	}
	maxWithdraw, err := e.fund.MaxWithdraw(addr)
	if err != nil {
		return AccountView{}, err
	}
	maxRedeem, err := e.fund.MaxRedeem(addr)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		Address:     addr,
		Assets:      e.base.BalanceOf(addr),
		Shares:      shares,
		ShareValue:  value,
		MaxWithdraw: maxWithdraw,
		MaxRedeem:   maxRedeem,
		FundAllowed: e.base.Allowance(addr, e.fund.Address()),
	}, nil
}

// EscrowView is an escrow as served to readers.
type EscrowView struct {
	escrow.State
	Address    ledger.Address `json:"address"`
	Status     escrow.Status  `json:"status"`
	Total      *uint256.Int   `json:"total"`
	Unreleased *uint256.Int   `json:"unreleased"`
	Expired    bool           `json:"expired"`
}

func newEscrowView(esc *escrow.Escrow, now time.Time) EscrowView {
	return EscrowView{
		State:      esc.State(),
		Address:    esc.Address(),
		Status:     esc.Status(),
		Total:      esc.Total(),
		Unreleased: esc.Unreleased(),
		Expired:    esc.IsExpired(now),
	}
}

func (e *Engine) Escrow(h escrow.Handle, now time.Time) (EscrowView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.registry.Get(h)
	if err != nil {
		return EscrowView{}, err
	}
	return newEscrowView(esc, now), nil
}

// EscrowFilter selects which escrows Escrows returns.
type EscrowFilter string

const (
	EscrowsAll     EscrowFilter = ""
	EscrowsActive  EscrowFilter = "active"
	EscrowsExpired EscrowFilter = "expired"
)

func ParseEscrowFilter(s string) (EscrowFilter, error) {
	switch f := EscrowFilter(s); f {
	case EscrowsAll, EscrowsActive, EscrowsExpired:
		return f, nil
	}
	return "", fmt.Errorf("escrow filter %q: %w", s, ErrUnsupportedCommand)
}

// Escrows lists escrows in handle order. A non-zero recipient narrows the list.
func (e *Engine) Escrows(filter EscrowFilter, recipient ledger.Address, now time.Time) []EscrowView {
	e.mu.Lock()
	defer e.mu.Unlock()

	var handles []escrow.Handle
	switch {
	case !recipient.IsZero():
		handles = e.registry.FindByRecipient(recipient)
	case filter == EscrowsActive:
		handles = e.registry.ActiveHandles(now)
	case filter == EscrowsExpired:
		handles = e.registry.ExpiredHandles(now)
	default:
		handles = e.registry.List()
	}

	out := make([]EscrowView, 0, len(handles))
	for _, h := range handles {
		esc, err := e.registry.Get(h)
		if err != nil {
			continue
		}
		v := newEscrowView(esc, now)
		if !recipient.IsZero() && filter == EscrowsActive && (v.Status != escrow.StatusActive || v.Expired) {
			continue
		}
		if !recipient.IsZero() && filter == EscrowsExpired && (!v.Expired || v.ClawedBack) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// PreviewKind names one of the four share conversions.
type PreviewKind string

const (
	PreviewDeposit  PreviewKind = "deposit"
	PreviewMint     PreviewKind = "mint"
	PreviewWithdraw PreviewKind = "withdraw"
	PreviewRedeem   PreviewKind = "redeem"
)

// Preview evaluates a conversion against current state, ignoring fees not yet
// accrued.
func (e *Engine) Preview(kind PreviewKind, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch kind {
	case PreviewDeposit:
		return e.fund.PreviewDeposit(amount)
	case PreviewMint:
		return e.fund.PreviewMint(amount)
	case PreviewWithdraw:
		return e.fund.PreviewWithdraw(amount)
	case PreviewRedeem:
		return e.fund.PreviewRedeem(amount)
	default:
		return nil, fmt.Errorf("preview %q: %w", kind, ErrUnsupportedCommand)
	}
}
