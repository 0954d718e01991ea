// internal/escrow/escrow.go
package escrow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

// Handle identifies an escrow. Handles are allocated by the registry,
// start at 1 and are never reused.
type Handle uint64

const addressPrefix = "escrow/"

// Address is the escrow's custody account on the asset ledger.
func (h Handle) Address() ledger.Address {
	return ledger.Address(addressPrefix + strconv.FormatUint(uint64(h), 10))
}

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// ParseHandle accepts "7" or "escrow/7".
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, addressPrefix), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("parse escrow handle %q: %w", s, ErrEscrowNotFound)
	}
	return Handle(v), nil
}

type TrancheStatus int

const (
	TranchePending TrancheStatus = iota
	TrancheReleased
	TrancheClawed
)

var trancheStatusNames = [...]string{"pending", "released", "clawed"}

func (s TrancheStatus) String() string {
	if int(s) < len(trancheStatusNames) {
		return trancheStatusNames[s]
	}
	return "unknown"
}

func (s TrancheStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TrancheStatus) UnmarshalText(b []byte) error {
	for i, name := range trancheStatusNames {
		if string(b) == name {
			*s = TrancheStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tranche status %q", b)
}

type Status int

const (
	StatusActive Status = iota
	StatusFullyReleased
	StatusClawedBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFullyReleased:
		return "fully_released"
	case StatusClawedBack:
		return "clawed_back"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range []Status{StatusActive, StatusFullyReleased, StatusClawedBack} {
		if string(b) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown escrow status %q", b)
}

// TrancheSpec is one entry of a schedule as requested at creation.
type TrancheSpec struct {
	Amount      *uint256.Int `json:"amount"`
	Description string       `json:"description"`
}

type Tranche struct {
	Amount      *uint256.Int  `json:"amount"`
	Description string        `json:"description"`
	Status      TrancheStatus `json:"status"`
	ReleasedAt  time.Time     `json:"released_at,omitempty"`
}

// Params fixes everything about an escrow that never changes.
type Params struct {
	Handle    Handle
	Custodian ledger.Address
	Recipient ledger.Address
	Deadline  time.Time
	Tranches  []TrancheSpec
}

// Escrow holds one investment's committed capital and releases it tranche by
// tranche. Not safe for concurrent use; a nested call made from inside an
// asset transfer fails with guard.ErrReentrantCall.
type Escrow struct {
	handle    Handle
	token     ledger.Token
	sink      event.Sink
	custodian ledger.Address
	recipient ledger.Address
	deadline  time.Time
	tranches  []Tranche
	total     *uint256.Int

	totalReleased *uint256.Int
	funded        bool
	clawedBack    bool

	lock guard.Lock
}

func newEscrow(p Params, token ledger.Token, sink event.Sink) (*Escrow, error) {
	if p.Custodian.IsZero() || p.Recipient.IsZero() {
		return nil, fmt.Errorf("custodian and recipient are required: %w", guard.ErrInvalidAddress)
	}
	if p.Deadline.IsZero() {
		return nil, ErrInvalidDeadline
	}
	if len(p.Tranches) == 0 {
		return nil, fmt.Errorf("no tranches: %w", ErrInvalidSchedule)
	}

	total := new(uint256.Int)
	tranches := make([]Tranche, len(p.Tranches))
	for i, ts := range p.Tranches {
		if fpmath.IsZero(ts.Amount) {
			return nil, fmt.Errorf("tranche %d has zero amount: %w", i, ErrInvalidSchedule)
		}
		var err error
		if total, err = fpmath.Add(total, ts.Amount); err != nil {
			return nil, fmt.Errorf("schedule total: %w", err)
		}
		tranches[i] = Tranche{Amount: ts.Amount.Clone(), Description: ts.Description}
	}

	if sink == nil {
		sink = event.Discard
	}
	return &Escrow{
		handle:        p.Handle,
		token:         token,
		sink:          sink,
		custodian:     p.Custodian,
		recipient:     p.Recipient,
		deadline:      p.Deadline,
		tranches:      tranches,
		total:         total,
		totalReleased: new(uint256.Int),
	}, nil
}

// === Mutations ===

// Fund pulls exactly the schedule total from the custodian, who must have
// approved the escrow address beforehand.
func (e *Escrow) Fund(call guard.Call, amount *uint256.Int) error {
	if err := e.lock.Acquire(); err != nil {
		return err
	}
	defer e.lock.Release()

	if err := e.requireCustodian(call); err != nil {
		return err
	}
	if e.clawedBack {
		return ErrAlreadyClawedBack
	}
	if e.funded {
		return ErrAlreadyFunded
	}
	if e.IsExpired(call.Now) {
		return ErrDeadlinePassed
	}
	if !fpmath.OrZero(amount).Eq(e.total) {
		return fmt.Errorf("got %s, want %s: %w", fpmath.OrZero(amount).Dec(), e.total.Dec(), ErrAmountMismatch)
	}

	e.funded = true
	if err := e.token.TransferFrom(e.Address(), e.custodian, e.Address(), e.total); err != nil {
		e.funded = false
		return fmt.Errorf("fund escrow %s: %w", e.handle, err)
	}

	e.sink.Emit(&event.EscrowFunded{Escrow: string(e.Address()), From: string(e.custodian), Amount: e.total.Clone()})
	return nil
}

// ReleaseMilestone releases one tranche to the recipient.
func (e *Escrow) ReleaseMilestone(call guard.Call, index int) (*uint256.Int, error) {
	return e.ReleaseMilestones(call, []int{index})
}

// ReleaseMilestones releases several tranches in one transfer. Either every
// index is released or none is.
func (e *Escrow) ReleaseMilestones(call guard.Call, indices []int) (*uint256.Int, error) {
	if err := e.lock.Acquire(); err != nil {
		return nil, err
	}
	defer e.lock.Release()

	if err := e.requireCustodian(call); err != nil {
		return nil, err
	}
	if e.clawedBack {
		return nil, ErrAlreadyClawedBack
	}
	if !e.funded {
		return nil, ErrNotFunded
	}
	if e.IsExpired(call.Now) {
		return nil, ErrDeadlinePassed
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no indices given: %w", ErrInvalidIndex)
	}

	amount := new(uint256.Int)
	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(e.tranches) {
			return nil, fmt.Errorf("index %d of %d: %w", idx, len(e.tranches), ErrInvalidIndex)
		}
		if _, dup := seen[idx]; dup || e.tranches[idx].Status != TranchePending {
			return nil, fmt.Errorf("tranche %d: %w", idx, ErrAlreadyProcessed)
		}
		seen[idx] = struct{}{}
		amount.Add(amount, e.tranches[idx].Amount) // bounded by total
	}

	// only pending tranches are summed, so released stays within total
	released, err := fpmath.Add(e.totalReleased, amount)
	if err != nil {
		return nil, err
	}

	prev := e.checkpoint()
	for _, idx := range indices {
		e.tranches[idx].Status = TrancheReleased
		e.tranches[idx].ReleasedAt = call.Now
	}
	e.totalReleased = released

	if err := e.token.Transfer(e.Address(), e.recipient, amount); err != nil {
		e.restore(prev)
		return nil, fmt.Errorf("release from escrow %s: %w", e.handle, err)
	}

	for _, idx := range indices {
		e.sink.Emit(&event.MilestoneReleased{
			Escrow:     string(e.Address()),
			Index:      idx,
			Recipient:  string(e.recipient),
			Amount:     e.tranches[idx].Amount.Clone(),
			ReleasedAt: call.Now,
		})
	}
	return amount, nil
}

// EmergencyClawback returns the unreleased remainder to the custodian at any
// time before the escrow is clawed back.
func (e *Escrow) EmergencyClawback(call guard.Call) (*uint256.Int, error) {
	if err := e.lock.Acquire(); err != nil {
		return nil, err
	}
	defer e.lock.Release()

	if err := e.requireCustodian(call); err != nil {
		return nil, err
	}
	amount, err := e.clawback()
	if err != nil {
		return nil, err
	}
	e.sink.Emit(&event.EmergencyClawback{Escrow: string(e.Address()), Custodian: string(e.custodian), Amount: amount.Clone()})
	return amount, nil
}

// AutoClawback is open to any caller once the deadline has passed.
func (e *Escrow) AutoClawback(call guard.Call) (*uint256.Int, error) {
	if err := e.lock.Acquire(); err != nil {
		return nil, err
	}
	defer e.lock.Release()

	if e.clawedBack {
		return nil, ErrAlreadyClawedBack
	}
	if !e.IsExpired(call.Now) {
		return nil, ErrDeadlineNotPassed
	}
	amount, err := e.clawback()
	if err != nil {
		return nil, err
	}
	e.sink.Emit(&event.AutoClawback{
		Escrow:      string(e.Address()),
		Custodian:   string(e.custodian),
		TriggeredBy: string(call.Caller),
		Amount:      amount.Clone(),
	})
	return amount, nil
}

func (e *Escrow) clawback() (*uint256.Int, error) {
	if e.clawedBack {
		return nil, ErrAlreadyClawedBack
	}
	if !e.funded {
		return nil, ErrNotFunded
	}
	remaining, err := fpmath.Sub(e.total, e.totalReleased)
	if err != nil {
		return nil, err
	}
	if remaining.IsZero() {
		return nil, ErrInsufficientBalance
	}

	prev := e.checkpoint()
	for i := range e.tranches {
		if e.tranches[i].Status == TranchePending {
			e.tranches[i].Status = TrancheClawed
		}
	}
	e.clawedBack = true

	if err := e.token.Transfer(e.Address(), e.custodian, remaining); err != nil {
		e.restore(prev)
		return nil, fmt.Errorf("claw back escrow %s: %w", e.handle, err)
	}
	return remaining, nil
}

func (e *Escrow) requireCustodian(call guard.Call) error {
	if call.Caller != e.custodian {
		return fmt.Errorf("%s is not custodian of escrow %s: %w", call.Caller, e.handle, ErrUnauthorized)
	}
	return nil
}

type checkpoint struct {
	tranches      []Tranche
	totalReleased *uint256.Int
	clawedBack    bool
}

func (e *Escrow) checkpoint() checkpoint {
	return checkpoint{tranches: e.Tranches(), totalReleased: e.totalReleased.Clone(), clawedBack: e.clawedBack}
}

func (e *Escrow) restore(c checkpoint) {
	e.tranches = c.tranches
	e.totalReleased = c.totalReleased
	e.clawedBack = c.clawedBack
}

// === Views ===

func (e *Escrow) Handle() Handle              { return e.handle }
func (e *Escrow) Address() ledger.Address     { return e.handle.Address() }
func (e *Escrow) Custodian() ledger.Address   { return e.custodian }
func (e *Escrow) Recipient() ledger.Address   { return e.recipient }
func (e *Escrow) Deadline() time.Time         { return e.deadline }
func (e *Escrow) Total() *uint256.Int         { return e.total.Clone() }
func (e *Escrow) TotalReleased() *uint256.Int { return e.totalReleased.Clone() }
func (e *Escrow) IsFunded() bool              { return e.funded }
func (e *Escrow) IsClawedBack() bool          { return e.clawedBack }

// Unreleased is total minus released, whether or not it was clawed back.
func (e *Escrow) Unreleased() *uint256.Int {
	return new(uint256.Int).Sub(e.total, e.totalReleased)
}

// IsExpired reports whether now is strictly after the deadline.
func (e *Escrow) IsExpired(now time.Time) bool {
	return now.After(e.deadline)
}

func (e *Escrow) PendingCount() int  { return e.count(TranchePending) }
func (e *Escrow) ReleasedCount() int { return e.count(TrancheReleased) }

func (e *Escrow) count(s TrancheStatus) int {
	n := 0
	for _, t := range e.tranches {
		if t.Status == s {
			n++
		}
	}
	return n
}

func (e *Escrow) Status() Status {
	switch {
	case e.clawedBack:
		return StatusClawedBack
	case e.ReleasedCount() == len(e.tranches):
		return StatusFullyReleased
	default:
		return StatusActive
	}
}

// Tranches returns a copy of the schedule.
func (e *Escrow) Tranches() []Tranche {
	out := make([]Tranche, len(e.tranches))
	for i, t := range e.tranches {
		t.Amount = t.Amount.Clone()
		out[i] = t
	}
	return out
}

// === State ===

// State is the serializable form of an escrow.
type State struct {
	Handle        Handle         `json:"handle"`
	Custodian     ledger.Address `json:"custodian"`
	Recipient     ledger.Address `json:"recipient"`
	Deadline      time.Time      `json:"deadline"`
	Tranches      []Tranche      `json:"tranches"`
	TotalReleased *uint256.Int   `json:"total_released"`
	Funded        bool           `json:"funded"`
	ClawedBack    bool           `json:"clawed_back"`
}

func (e *Escrow) State() State {
	return State{
		Handle:        e.handle,
		Custodian:     e.custodian,
		Recipient:     e.recipient,
		Deadline:      e.deadline,
		Tranches:      e.Tranches(),
		TotalReleased: e.totalReleased.Clone(),
		Funded:        e.funded,
		ClawedBack:    e.clawedBack,
	}
}

// MarshalJSON renders the escrow view served by the API.
func (e *Escrow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State
		Address    ledger.Address `json:"address"`
		Status     Status         `json:"status"`
		Total      *uint256.Int   `json:"total"`
		Unreleased *uint256.Int   `json:"unreleased"`
	}{e.State(), e.Address(), e.Status(), e.total, e.Unreleased()})
}

func restoreEscrow(st State, token ledger.Token, sink event.Sink) (*Escrow, error) {
	specs := make([]TrancheSpec, len(st.Tranches))
	for i, t := range st.Tranches {
		specs[i] = TrancheSpec{Amount: t.Amount, Description: t.Description}
	}
	e, err := newEscrow(Params{
		Handle:    st.Handle,
		Custodian: st.Custodian,
		Recipient: st.Recipient,
		Deadline:  st.Deadline,
		Tranches:  specs,
	}, token, sink)
	if err != nil {
		return nil, fmt.Errorf("restore escrow %s: %w", st.Handle, err)
	}

	released := new(uint256.Int)
	for i, t := range st.Tranches {
		e.tranches[i].Status = t.Status
		e.tranches[i].ReleasedAt = t.ReleasedAt
		if t.Status == TrancheReleased {
			released.Add(released, t.Amount)
		}
	}
	if !released.Eq(fpmath.OrZero(st.TotalReleased)) {
		return nil, fmt.Errorf("restore escrow %s: released tranches sum to %s, recorded %s",
			st.Handle, released.Dec(), fpmath.OrZero(st.TotalReleased).Dec())
	}
	e.totalReleased = released
	e.funded = st.Funded
	e.clawedBack = st.ClawedBack
	return e, nil
}
