package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatch verifies every journal in the batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that the balances of all holders add up to
// the issued supply. Transfers only move value, so any difference means a
// leg was lost.
func (v *InvariantValidator) ValidateConservation() error {
	total, err := v.tracker.ComputeHolderTotal()
	if err != nil {
		return fmt.Errorf("sum of %s balances: %w", v.tracker.Asset(), err)
	}

	supply := v.tracker.Supply()
	if !total.Eq(supply) {
		return fmt.Errorf("%s balances total %s, supply is %s", v.tracker.Asset(), total.Dec(), supply.Dec())
	}
	return nil
}
