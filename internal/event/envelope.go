package event

import (
	"encoding/json"
	"time"
)

// EventType discriminator for emitted events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypeManagementFeeCollected
	EventTypePerformanceFeeCollected
	EventTypeHighWaterMarkUpdated
	EventTypePausedChanged
	EventTypeOwnershipTransferred
	EventTypeCapitalDeployed
	EventTypeEscrowCreated
	EventTypeEscrowFunded
	EventTypeMilestoneReleased
	EventTypeEmergencyClawback
	EventTypeAutoClawback
	EventTypeAssetCredited
	EventTypeSharesTransferred
)

// EventEnvelope wraps every accepted command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Stable idempotency key from upstream
	IdempotencyKey string `json:"idempotency_key"`

	// Command type discriminator
	CommandType string `json:"command_type"`

	// Authenticated caller
	Caller string `json:"caller"`

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded command
	Payload json.RawMessage `json:"payload"`

	// Events emitted while applying the command
	Events []Record `json:"events"`

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte `json:"state_hash"`

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

// Event is the interface all emitted events implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// Subject names the object the event is about: the fund or an escrow
	Subject() string
}

// Record is the serializable form of an emitted event.
type Record struct {
	Type    string          `json:"type"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// NewRecord encodes e.
func NewRecord(e Event) (Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Record{}, err
	}
	return Record{Type: e.EventType().String(), Subject: e.Subject(), Data: data}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeManagementFeeCollected:
		return "ManagementFeeCollected"
	case EventTypePerformanceFeeCollected:
		return "PerformanceFeeCollected"
	case EventTypeHighWaterMarkUpdated:
		return "HighWaterMarkUpdated"
	case EventTypePausedChanged:
		return "PausedChanged"
	case EventTypeOwnershipTransferred:
		return "OwnershipTransferred"
	case EventTypeCapitalDeployed:
		return "CapitalDeployed"
	case EventTypeEscrowCreated:
		return "EscrowCreated"
	case EventTypeEscrowFunded:
		return "EscrowFunded"
	case EventTypeMilestoneReleased:
		return "MilestoneReleased"
	case EventTypeEmergencyClawback:
		return "EmergencyClawback"
	case EventTypeAutoClawback:
		return "AutoClawback"
	case EventTypeAssetCredited:
		return "AssetCredited"
	case EventTypeSharesTransferred:
		return "SharesTransferred"
	default:
		return "Unknown"
	}
}
