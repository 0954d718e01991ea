// internal/event/escrow.go
package event

import (
	"time"

	"github.com/holiman/uint256"
)

type EscrowCreated struct {
	Escrow    string       `json:"escrow"`
	Handle    uint64       `json:"handle"`
	Custodian string       `json:"custodian"`
	Recipient string       `json:"recipient"`
	Deadline  time.Time    `json:"deadline"`
	Total     *uint256.Int `json:"total"`
	Tranches  int          `json:"tranches"`
}

func (e *EscrowCreated) EventType() EventType { return EventTypeEscrowCreated }
func (e *EscrowCreated) Subject() string      { return e.Escrow }

type EscrowFunded struct {
	Escrow string       `json:"escrow"`
	From   string       `json:"from"`
	Amount *uint256.Int `json:"amount"`
}

func (e *EscrowFunded) EventType() EventType { return EventTypeEscrowFunded }
func (e *EscrowFunded) Subject() string      { return e.Escrow }

type MilestoneReleased struct {
	Escrow     string       `json:"escrow"`
	Index      int          `json:"index"`
	Recipient  string       `json:"recipient"`
	Amount     *uint256.Int `json:"amount"`
	ReleasedAt time.Time    `json:"released_at"`
}

func (e *MilestoneReleased) EventType() EventType { return EventTypeMilestoneReleased }
func (e *MilestoneReleased) Subject() string      { return e.Escrow }

type EmergencyClawback struct {
	Escrow    string       `json:"escrow"`
	Custodian string       `json:"custodian"`
	Amount    *uint256.Int `json:"amount"`
}

func (e *EmergencyClawback) EventType() EventType { return EventTypeEmergencyClawback }
func (e *EmergencyClawback) Subject() string      { return e.Escrow }

// AutoClawback is the post-deadline reversal, callable by anyone.
type AutoClawback struct {
	Escrow      string       `json:"escrow"`
	Custodian   string       `json:"custodian"`
	TriggeredBy string       `json:"triggered_by"`
	Amount      *uint256.Int `json:"amount"`
}

func (e *AutoClawback) EventType() EventType { return EventTypeAutoClawback }
func (e *AutoClawback) Subject() string      { return e.Escrow }
