package ledger

import (
	"fmt"
	"sort"

	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory balances of one asset
type BalanceTracker struct {
	asset    string
	balances map[Address]*uint256.Int
	supply   *uint256.Int
}

func NewBalanceTracker(asset string) *BalanceTracker {
	return &BalanceTracker{
		asset:    asset,
		balances: make(map[Address]*uint256.Int),
		supply:   new(uint256.Int),
	}
}

func (bt *BalanceTracker) Asset() string {
	return bt.asset
}

// ApplyJournal applies a single journal entry. Either both legs apply or
// neither does.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.Asset != bt.asset {
		return fmt.Errorf("journal %s is for asset %s, tracker holds %s", j.JournalID, j.Asset, bt.asset)
	}

	supply := bt.supply
	var from, to *uint256.Int
	var err error

	if j.From.IsZero() {
		if supply, err = fpmath.Add(bt.supply, j.Amount); err != nil {
			return fmt.Errorf("mint %s: %w", j.Asset, err)
		}
	} else {
		have := bt.GetBalance(j.From)
		if have.Lt(j.Amount) {
			return fmt.Errorf("%s has %s %s, needs %s: %w",
				j.From, have.Dec(), j.Asset, j.Amount.Dec(), ErrInsufficientBalance)
		}
		from = new(uint256.Int).Sub(have, j.Amount)
	}

	if j.To.IsZero() {
		if supply, err = fpmath.Sub(supply, j.Amount); err != nil {
			return fmt.Errorf("burn %s: %w", j.Asset, err)
		}
	} else {
		if to, err = fpmath.Add(bt.GetBalance(j.To), j.Amount); err != nil {
			return fmt.Errorf("credit %s: %w", j.To, err)
		}
	}

	if from != nil {
		bt.set(j.From, from)
	}
	if to != nil {
		bt.set(j.To, to)
	}
	bt.supply = supply
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if j.Asset != bt.asset {
			continue
		}
		if err := bt.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// GetBalance returns a copy of the balance held by addr
func (bt *BalanceTracker) GetBalance(addr Address) *uint256.Int {
	if b, ok := bt.balances[addr]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func (bt *BalanceTracker) Supply() *uint256.Int {
	return bt.supply.Clone()
}

// Holders returns every address with a non-zero balance, sorted
func (bt *BalanceTracker) Holders() []Address {
	out := make([]Address, 0, len(bt.balances))
	for addr := range bt.balances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ComputeHolderTotal sums all balances. Equals Supply() on a sound ledger.
func (bt *BalanceTracker) ComputeHolderTotal() (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, addr := range bt.Holders() {
		var err error
		if total, err = fpmath.Add(total, bt.balances[addr]); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[Address]*uint256.Int {
	snapshot := make(map[Address]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}

// Restore replaces the tracker state
func (bt *BalanceTracker) Restore(balances map[Address]*uint256.Int, supply *uint256.Int) {
	bt.balances = make(map[Address]*uint256.Int, len(balances))
	for k, v := range balances {
		bt.set(k, fpmath.OrZero(v).Clone())
	}
	bt.supply = fpmath.OrZero(supply).Clone()
}

func (bt *BalanceTracker) set(addr Address, v *uint256.Int) {
	if v.IsZero() {
		delete(bt.balances, addr)
		return
	}
	bt.balances[addr] = v
}

func (bt *BalanceTracker) setSupply(v *uint256.Int) {
	bt.supply = v
}
