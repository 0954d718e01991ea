package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/ledger"
	"FundLedger/internal/persistence"

	"github.com/holiman/uint256"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxReported  = 10
)

// Service provides read-only access to the persisted command log and journal.
// Responses carry as_of_sequence: the log head when the query ran, which may
// trail the engine by the persistence worker's batch window.
type Service struct {
	db      *sql.DB
	dialect persistence.Dialect
}

func NewService(db *sql.DB, dialect persistence.Dialect) *Service {
	return &Service{db: db, dialect: dialect}
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	default:
		return n
	}
}

// History returns journal entries touching an account with cursor pagination.
func (s *Service) History(ctx context.Context, f HistoryFilter) (*History, error) {
	if f.Account.IsZero() {
		return nil, fmt.Errorf("history: %w", ledger.ErrInvalidAddress)
	}
	asOf, err := s.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit := clampLimit(f.Limit)

	query := `
		SELECT journal_id, batch_id, sequence, asset, from_account, to_account,
		       amount, journal_type, timestamp_us
		FROM journal
		WHERE (from_account = ? OR to_account = ?)
	`
	args := []interface{}{f.Account.String(), f.Account.String()}
	if f.Asset != "" {
		query += " AND asset = ?"
		args = append(args, f.Asset)
	}
	if f.Before > 0 {
		query += " AND sequence < ?"
		args = append(args, f.Before)
	}
	query += " ORDER BY sequence DESC, journal_id LIMIT ?"
	args = append(args, limit)

	entries, err := s.journal(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	h := &History{Account: f.Account, Entries: entries, AsOfSequence: asOf}
	if len(entries) == limit {
		h.NextBefore = entries[len(entries)-1].Sequence
	}
	return h, nil
}

// Balance folds the journal into one account's balance. It must agree with
// the engine's view once the log has caught up.
func (s *Service) Balance(ctx context.Context, account ledger.Address, asset string) (*BalanceResponse, error) {
	if account.IsZero() {
		return nil, fmt.Errorf("balance: %w", ledger.ErrInvalidAddress)
	}
	asOf, err := s.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	entries, err := s.journal(ctx, `
		SELECT journal_id, batch_id, sequence, asset, from_account, to_account,
		       amount, journal_type, timestamp_us
		FROM journal
		WHERE asset = ? AND (from_account = ? OR to_account = ?) AND sequence <= ?
		ORDER BY sequence ASC, journal_id
	`, asset, account.String(), account.String(), asOf)
	if err != nil {
		return nil, err
	}

	bal := new(uint256.Int)
	for _, e := range entries {
		if e.To == account {
			if _, overflow := bal.AddOverflow(bal, e.Amount); overflow {
				return nil, fmt.Errorf("balance of %s overflows at sequence %d", account, e.Sequence)
			}
		}
		if e.From == account {
			if bal.Lt(e.Amount) {
				return nil, fmt.Errorf("balance of %s goes negative at sequence %d", account, e.Sequence)
			}
			bal.Sub(bal, e.Amount)
		}
	}
	return &BalanceResponse{Account: account, Asset: asset, Balance: bal, AsOfSequence: asOf}, nil
}

// Commands lists logged commands with sequence greater than after.
func (s *Service) Commands(ctx context.Context, after int64, limit int) ([]LoggedCommand, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT sequence, command_type, idempotency_key, caller, payload, emitted,
		       state_hash, prev_hash, timestamp_us
		FROM events
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`), after, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedCommand
	for rows.Next() {
		var (
			c                   LoggedCommand
			caller              string
			payload, emitted    []byte
			stateHash, prevHash []byte
			ts                  int64
		)
		if err := rows.Scan(&c.Sequence, &c.CommandType, &c.IdempotencyKey, &caller,
			&payload, &emitted, &stateHash, &prevHash, &ts); err != nil {
			return nil, err
		}
		c.Caller = ledger.Address(caller)
		c.Command = payload
		c.Events = emitted
		c.StateHash = hex.EncodeToString(stateHash)
		c.PrevHash = hex.EncodeToString(prevHash)
		c.Timestamp = time.UnixMicro(ts).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the whole log: sequences must be contiguous from 1,
// every prev_hash must equal its predecessor's state_hash (the genesis hash
// for the first), and no journal entry may overdraw an account.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{Supply: make(map[string]*uint256.Int)}

	rows, err := s.db.QueryContext(ctx, `SELECT sequence, state_hash, prev_hash FROM events ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	genesis := core.GenesisHash()
	prev := genesis[:]
	var last int64
	for rows.Next() {
		var seq int64
		var stateHash, prevHash []byte
		if err := rows.Scan(&seq, &stateHash, &prevHash); err != nil {
			rows.Close()
			return nil, err
		}
		report.Commands++
		if seq != last+1 && len(report.SequenceGaps) < maxReported {
			report.SequenceGaps = append(report.SequenceGaps, last+1)
		}
		if !bytes.Equal(prevHash, prev) && len(report.HashChainBreaks) < maxReported {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		prev, last = stateHash, seq
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	report.AsOfSequence = last

	entries, err := s.journal(ctx, `
		SELECT journal_id, batch_id, sequence, asset, from_account, to_account,
		       amount, journal_type, timestamp_us
		FROM journal
		ORDER BY sequence ASC, journal_id
	`)
	if err != nil {
		return nil, err
	}
	balances := make(map[string]map[ledger.Address]*uint256.Int)
	for _, e := range entries {
		report.Journals++
		book, ok := balances[e.Asset]
		if !ok {
			book = make(map[ledger.Address]*uint256.Int)
			balances[e.Asset] = book
			report.Supply[e.Asset] = new(uint256.Int)
		}
		supply := report.Supply[e.Asset]

		if e.From.IsZero() {
			supply.Add(supply, e.Amount)
		} else {
			bal := book[e.From]
			if bal == nil || bal.Lt(e.Amount) {
				if len(report.OverdrawnAccounts) < maxReported {
					report.OverdrawnAccounts = append(report.OverdrawnAccounts,
						OverdrawnAccount{Sequence: e.Sequence, Asset: e.Asset, Account: e.From})
				}
				bal = new(uint256.Int).Set(e.Amount)
				book[e.From] = bal
			}
			bal.Sub(bal, e.Amount)
		}

		if e.To.IsZero() {
			supply.Sub(supply, e.Amount)
		} else {
			bal := book[e.To]
			if bal == nil {
				bal = new(uint256.Int)
				book[e.To] = bal
			}
			bal.Add(bal, e.Amount)
		}
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.OverdrawnAccounts) == 0
	return report, nil
}

// Watermark is the highest persisted sequence.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// --- helpers ---

func (s *Service) journal(ctx context.Context, query string, args ...interface{}) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e        JournalEntry
			from, to string
			amount   string
			ts       int64
		)
		if err := rows.Scan(&e.JournalID, &e.BatchID, &e.Sequence, &e.Asset,
			&from, &to, &amount, &e.JournalType, &ts); err != nil {
			return nil, err
		}
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount %q: %w", e.JournalID, amount, err)
		}
		e.From = parseAccount(from)
		e.To = parseAccount(to)
		e.Amount = v
		e.Timestamp = time.UnixMicro(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// parseAccount maps the stored zero address back to the empty Address.
func parseAccount(s string) ledger.Address {
	if s == ledger.ZeroAddress.String() {
		return ledger.ZeroAddress
	}
	return ledger.Address(s)
}
