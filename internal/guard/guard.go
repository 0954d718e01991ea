// Package guard holds the access checks shared by the fund and its escrows:
// an explicit call context, an owner gate, a pause gate and a non-blocking
// reentrancy lock.
package guard

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"FundLedger/internal/ledger"
)

var (
	ErrUnauthorized   = errors.New("unauthorized caller")
	ErrPaused         = errors.New("paused")
	ErrReentrantCall  = errors.New("reentrant call")
	ErrInvalidAddress = errors.New("invalid address")
)

// Call is the context threaded into every mutating operation: who is calling
// and at what time. Nothing in the core reads the wall clock.
type Call struct {
	Caller ledger.Address
	Now    time.Time
}

func NewCall(caller ledger.Address, now time.Time) Call {
	return Call{Caller: caller, Now: now}
}

// As returns a copy of c acting as addr at the same instant.
func (c Call) As(addr ledger.Address) Call {
	return Call{Caller: addr, Now: c.Now}
}

// Ownable gates administrative operations to a single owner.
type Ownable struct {
	owner ledger.Address
}

func NewOwnable(owner ledger.Address) (Ownable, error) {
	if owner.IsZero() {
		return Ownable{}, fmt.Errorf("owner: %w", ErrInvalidAddress)
	}
	return Ownable{owner: owner}, nil
}

func (o *Ownable) Owner() ledger.Address { return o.owner }

func (o *Ownable) IsOwner(addr ledger.Address) bool {
	return addr == o.owner
}

func (o *Ownable) RequireOwner(call Call) error {
	if !o.IsOwner(call.Caller) {
		return fmt.Errorf("%s is not the owner: %w", call.Caller, ErrUnauthorized)
	}
	return nil
}

// TransferOwnership hands the gate to next. Only the current owner may call it.
func (o *Ownable) TransferOwnership(call Call, next ledger.Address) (ledger.Address, error) {
	if err := o.RequireOwner(call); err != nil {
		return "", err
	}
	if next.IsZero() {
		return "", fmt.Errorf("new owner: %w", ErrInvalidAddress)
	}
	prev := o.owner
	o.owner = next
	return prev, nil
}

// Restore sets the owner without a check. Used when loading a snapshot.
func (o *Ownable) Restore(owner ledger.Address) {
	o.owner = owner
}

// Pausable is a manual circuit breaker.
type Pausable struct {
	paused bool
}

func (p *Pausable) Paused() bool { return p.paused }

func (p *Pausable) RequireNotPaused() error {
	if p.paused {
		return ErrPaused
	}
	return nil
}

// SetPaused reports whether the flag changed.
func (p *Pausable) SetPaused(paused bool) bool {
	changed := p.paused != paused
	p.paused = paused
	return changed
}

// Lock is an exclusive in-progress flag. Acquire never blocks: a nested call
// made while the lock is held fails with ErrReentrantCall.
type Lock struct {
	held atomic.Bool
}

func (l *Lock) Acquire() error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (l *Lock) Release() {
	l.held.Store(false)
}

func (l *Lock) Held() bool {
	return l.held.Load()
}
