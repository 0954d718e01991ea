package query

import (
	"encoding/json"
	"time"

	"FundLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// JournalEntry is one persisted asset movement.
type JournalEntry struct {
	JournalID   string         `json:"journal_id"`
	BatchID     string         `json:"batch_id"`
	Sequence    int64          `json:"sequence"`
	Asset       string         `json:"asset"`
	From        ledger.Address `json:"from"`
	To          ledger.Address `json:"to"`
	Amount      *uint256.Int   `json:"amount"`
	JournalType string         `json:"journal_type"`
	Timestamp   time.Time      `json:"timestamp"`
}

// HistoryFilter selects journal entries touching one account, newest first.
// Before is an exclusive sequence cursor; zero means the log head.
type HistoryFilter struct {
	Account ledger.Address
	Asset   string
	Before  int64
	Limit   int
}

// History is one page of an account's journal.
type History struct {
	Account      ledger.Address `json:"account"`
	Entries      []JournalEntry `json:"entries"`
	NextBefore   int64          `json:"next_before,omitempty"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// BalanceResponse is a balance derived from the persisted journal.
type BalanceResponse struct {
	Account      ledger.Address `json:"account"`
	Asset        string         `json:"asset"`
	Balance      *uint256.Int   `json:"balance"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// LoggedCommand is one row of the command log.
type LoggedCommand struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         ledger.Address  `json:"caller"`
	Command        json.RawMessage `json:"command"`
	Events         json.RawMessage `json:"events"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of walking the persisted log.
type IntegrityReport struct {
	IsHealthy         bool                    `json:"is_healthy"`
	Commands          int64                   `json:"commands"`
	Journals          int64                   `json:"journals"`
	SequenceGaps      []int64                 `json:"sequence_gaps,omitempty"`
	HashChainBreaks   []int64                 `json:"hash_chain_breaks,omitempty"`
	OverdrawnAccounts []OverdrawnAccount      `json:"overdrawn_accounts,omitempty"`
	Supply            map[string]*uint256.Int `json:"supply"`
	AsOfSequence      int64                   `json:"as_of_sequence"`
}

// OverdrawnAccount is a journal entry that debits more than the account held.
type OverdrawnAccount struct {
	Sequence int64          `json:"sequence"`
	Asset    string         `json:"asset"`
	Account  ledger.Address `json:"account"`
}
