package ledger

import (
	"errors"
	"fmt"
	"sort"

	fpmath "FundLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrSelfTransfer          = errors.New("source and destination are the same account")
)

// Token is the fungible-asset collaborator. Every method takes the acting
// address explicitly: Transfer moves from's own balance, TransferFrom moves
// on behalf of from using spender's allowance.
type Token interface {
	Symbol() string
	BalanceOf(holder Address) *uint256.Int
	TotalSupply() *uint256.Int
	Allowance(owner, spender Address) *uint256.Int
	Approve(owner, spender Address, amount *uint256.Int) error
	Transfer(from, to Address, amount *uint256.Int) error
	TransferFrom(spender, from, to Address, amount *uint256.Int) error
}

// Checkpointer is implemented by tokens that can undo every change made
// since a mark. Marks nest.
type Checkpointer interface {
	Checkpoint() int
	Commit(mark int)
	Rollback(mark int)
}

// TransferHook runs after a transfer has moved balances. Returning an error
// reverts the transfer.
type TransferHook func(j Journal) error

// MemoryToken is an in-memory double-entry token. It records a journal for
// every movement and keeps an undo log while a checkpoint is open.
type MemoryToken struct {
	symbol     string
	tracker    *BalanceTracker
	allowances map[allowanceKey]*uint256.Int
	journals   []Journal
	hook       TransferHook

	undo  []func()
	depth int
}

var (
	_ Token        = (*MemoryToken)(nil)
	_ Checkpointer = (*MemoryToken)(nil)
)

func NewMemoryToken(symbol string) *MemoryToken {
	return &MemoryToken{
		symbol:     symbol,
		tracker:    NewBalanceTracker(symbol),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (t *MemoryToken) Symbol() string { return t.symbol }

func (t *MemoryToken) BalanceOf(holder Address) *uint256.Int {
	return t.tracker.GetBalance(holder)
}

func (t *MemoryToken) TotalSupply() *uint256.Int {
	return t.tracker.Supply()
}

// Tracker exposes the balance tracker for invariant checks and hashing.
func (t *MemoryToken) Tracker() *BalanceTracker {
	return t.tracker
}

// SetTransferHook installs h; nil removes it.
func (t *MemoryToken) SetTransferHook(h TransferHook) {
	t.hook = h
}

func (t *MemoryToken) Allowance(owner, spender Address) *uint256.Int {
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

func (t *MemoryToken) Approve(owner, spender Address, amount *uint256.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return fmt.Errorf("approve %s for %s: %w", spender, owner, ErrInvalidAddress)
	}
	t.setAllowance(allowanceKey{owner, spender}, fpmath.OrZero(amount).Clone())
	return nil
}

func (t *MemoryToken) Transfer(from, to Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("transfer %s -> %s: %w", from, to, ErrInvalidAddress)
	}
	return t.move(from, to, amount, JournalTypeTransfer, true)
}

func (t *MemoryToken) TransferFrom(spender, from, to Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() || spender.IsZero() {
		return fmt.Errorf("transfer %s -> %s by %s: %w", from, to, spender, ErrInvalidAddress)
	}

	mark := t.Checkpoint()
	if spender != from {
		key := allowanceKey{from, spender}
		allowed := t.Allowance(from, spender)
		if allowed.Lt(fpmath.OrZero(amount)) {
			t.Rollback(mark)
			return fmt.Errorf("%s may spend %s of %s's %s, needs %s: %w",
				spender, allowed.Dec(), from, t.symbol, fpmath.OrZero(amount).Dec(), ErrInsufficientAllowance)
		}
		t.setAllowance(key, new(uint256.Int).Sub(allowed, fpmath.OrZero(amount)))
	}

	if err := t.move(from, to, amount, JournalTypeTransfer, true); err != nil {
		t.Rollback(mark)
		return err
	}
	t.Commit(mark)
	return nil
}

// Mint issues new units to holder.
func (t *MemoryToken) Mint(to Address, amount *uint256.Int) error {
	if to.IsZero() {
		return fmt.Errorf("mint to %s: %w", to, ErrInvalidAddress)
	}
	return t.move(ZeroAddress, to, amount, JournalTypeMint, false)
}

// Burn destroys units held by from.
func (t *MemoryToken) Burn(from Address, amount *uint256.Int) error {
	if from.IsZero() {
		return fmt.Errorf("burn from %s: %w", from, ErrInvalidAddress)
	}
	return t.move(from, ZeroAddress, amount, JournalTypeBurn, false)
}

func (t *MemoryToken) move(from, to Address, amount *uint256.Int, typ JournalType, hooked bool) error {
	if fpmath.IsZero(amount) {
		return nil
	}

	j := Journal{
		JournalID:   uuid.New(),
		Asset:       t.symbol,
		From:        from,
		To:          to,
		Amount:      amount.Clone(),
		JournalType: typ,
	}

	mark := t.Checkpoint()
	prevFrom, prevTo, prevSupply := t.tracker.GetBalance(from), t.tracker.GetBalance(to), t.tracker.Supply()
	if err := t.tracker.ApplyJournal(j); err != nil {
		t.Rollback(mark)
		return fmt.Errorf("%s %s: %w", t.symbol, typ, err)
	}
	t.record(func() {
		if !from.IsZero() {
			t.tracker.set(from, prevFrom)
		}
		if !to.IsZero() {
			t.tracker.set(to, prevTo)
		}
		t.tracker.setSupply(prevSupply)
	})

	n := len(t.journals)
	t.journals = append(t.journals, j)
	t.record(func() { t.journals = t.journals[:n] })

	if hooked && t.hook != nil {
		if err := t.hook(j); err != nil {
			t.Rollback(mark)
			return fmt.Errorf("%s transfer hook: %w", t.symbol, err)
		}
	}

	t.Commit(mark)
	return nil
}

func (t *MemoryToken) setAllowance(key allowanceKey, v *uint256.Int) {
	prev, had := t.allowances[key]
	if v.IsZero() {
		delete(t.allowances, key)
	} else {
		t.allowances[key] = v
	}
	t.record(func() {
		if had {
			t.allowances[key] = prev
		} else {
			delete(t.allowances, key)
		}
	})
}

// === Checkpoints ===

func (t *MemoryToken) record(undo func()) {
	if t.depth > 0 {
		t.undo = append(t.undo, undo)
	}
}

// Checkpoint opens a nested checkpoint and returns its mark.
func (t *MemoryToken) Checkpoint() int {
	t.depth++
	return len(t.undo)
}

// Commit closes the checkpoint opened at mark, keeping its changes. The undo
// log is discarded once the outermost checkpoint closes.
func (t *MemoryToken) Commit(mark int) {
	if t.depth == 0 {
		return
	}
	t.depth--
	if t.depth == 0 {
		t.undo = t.undo[:0]
	}
}

// Rollback reverts every change recorded since mark and closes the checkpoint.
func (t *MemoryToken) Rollback(mark int) {
	if t.depth == 0 {
		return
	}
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
	t.depth--
}

// DrainJournals returns and clears the journals recorded since the last drain.
func (t *MemoryToken) DrainJournals() []Journal {
	out := t.journals
	t.journals = nil
	return out
}

// === State export ===

type AllowanceEntry struct {
	Owner   Address      `json:"owner"`
	Spender Address      `json:"spender"`
	Amount  *uint256.Int `json:"amount"`
}

// TokenState is the serializable form of a MemoryToken.
type TokenState struct {
	Symbol     string                   `json:"symbol"`
	Supply     *uint256.Int             `json:"supply"`
	Balances   map[Address]*uint256.Int `json:"balances"`
	Allowances []AllowanceEntry         `json:"allowances"`
}

func (t *MemoryToken) Export() TokenState {
	st := TokenState{
		Symbol:   t.symbol,
		Supply:   t.tracker.Supply(),
		Balances: t.tracker.Snapshot(),
	}
	for k, v := range t.allowances {
		st.Allowances = append(st.Allowances, AllowanceEntry{Owner: k.owner, Spender: k.spender, Amount: v.Clone()})
	}
	sort.Slice(st.Allowances, func(i, j int) bool {
		if st.Allowances[i].Owner != st.Allowances[j].Owner {
			return st.Allowances[i].Owner < st.Allowances[j].Owner
		}
		return st.Allowances[i].Spender < st.Allowances[j].Spender
	})
	return st
}

// Import replaces the token state. Journals and open checkpoints are discarded.
func (t *MemoryToken) Import(st TokenState) error {
	if st.Symbol != t.symbol {
		return fmt.Errorf("import %s state into %s token", st.Symbol, t.symbol)
	}
	t.tracker.Restore(st.Balances, st.Supply)
	if err := NewInvariantValidator(t.tracker).ValidateConservation(); err != nil {
		return fmt.Errorf("import %s: %w", t.symbol, err)
	}

	t.allowances = make(map[allowanceKey]*uint256.Int, len(st.Allowances))
	for _, a := range st.Allowances {
		if !fpmath.IsZero(a.Amount) {
			t.allowances[allowanceKey{a.Owner, a.Spender}] = a.Amount.Clone()
		}
	}
	t.journals = nil
	t.undo = nil
	t.depth = 0
	return nil
}
