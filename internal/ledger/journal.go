package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the kind of asset movement
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeMint
	JournalTypeBurn
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Journal is a single balanced movement: Amount leaves From and arrives at To.
// A zero From is a mint, a zero To is a burn.
type Journal struct {
	JournalID   uuid.UUID    `json:"journal_id"`
	BatchID     uuid.UUID    `json:"batch_id"`
	Sequence    int64        `json:"sequence"`
	Asset       string       `json:"asset"`
	From        Address      `json:"from"`
	To          Address      `json:"to"`
	Amount      *uint256.Int `json:"amount"`
	JournalType JournalType  `json:"journal_type"`
	Timestamp   int64        `json:"timestamp"` // epoch microseconds, stamped by the engine
}

// Validate checks a single entry in isolation.
func (j Journal) Validate() error {
	if j.Amount == nil || j.Amount.IsZero() {
		return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
	}
	if j.From == j.To {
		return fmt.Errorf("journal %s from %s: %w", j.JournalID, j.From, ErrSelfTransfer)
	}

	switch j.JournalType {
	case JournalTypeMint:
		if !j.From.IsZero() {
			return fmt.Errorf("mint journal %s must originate at the zero address", j.JournalID)
		}
	case JournalTypeBurn:
		if !j.To.IsZero() {
			return fmt.Errorf("burn journal %s must end at the zero address", j.JournalID)
		}
	case JournalTypeTransfer:
		if j.From.IsZero() || j.To.IsZero() {
			return fmt.Errorf("transfer journal %s touches the zero address", j.JournalID)
		}
	default:
		return fmt.Errorf("journal %s has unknown type %d", j.JournalID, j.JournalType)
	}
	return nil
}

// Batch groups the journals produced by one command.
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

// NewBatch stamps journals with a fresh batch id, the command sequence and time.
func NewBatch(sequence, timestamp int64, journals []Journal) *Batch {
	b := &Batch{
		BatchID:   uuid.New(),
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, len(journals)),
	}
	for i, j := range journals {
		j.BatchID = b.BatchID
		j.Sequence = sequence
		j.Timestamp = timestamp
		b.Journals[i] = j
	}
	return b
}

// Validate ensures the batch is well-formed. Every journal is balanced by
// construction, so an empty batch is allowed (state-only commands such as
// pause produce none).
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if err := j.Validate(); err != nil {
			return err
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
	}
	return nil
}
