package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes and journal entries using multi-row INSERTs.
// Writes are idempotent on sequence and journal id.
type EventLogWriter struct {
	dialect Dialect
}

// EventRow is one row of the events table.
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON command
	Emitted        []byte // JSON []event.Record
	StateHash      []byte
	PrevHash       []byte
	TimestampUs    int64
}

// JournalRow is one row of the journal table.
type JournalRow struct {
	JournalID   string
	BatchID     string
	Sequence    int64
	Asset       string
	From        string
	To          string
	Amount      string // base-10 integer
	JournalType string
	TimestampUs int64
}

func NewEventLogWriter(dialect Dialect) *EventLogWriter {
	return &EventLogWriter{dialect: dialect}
}

// RowsFromOutput flattens one engine output into storage rows.
func RowsFromOutput(out core.Output) (EventRow, []JournalRow, error) {
	env := out.Envelope
	if env == nil {
		return EventRow{}, nil, fmt.Errorf("output without envelope")
	}
	emitted, err := json.Marshal(env.Events)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("marshal events of %d: %w", env.Sequence, err)
	}
	payload := []byte(env.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	row := EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType,
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller,
		Payload:        payload,
		Emitted:        emitted,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		TimestampUs:    env.Timestamp.UnixMicro(),
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:   j.JournalID.String(),
				BatchID:     out.Batch.BatchID.String(),
				Sequence:    j.Sequence,
				Asset:       j.Asset,
				From:        j.From.String(),
				To:          j.To.String(),
				Amount:      j.Amount.Dec(),
				JournalType: j.JournalType.String(),
				TimestampUs: j.Timestamp,
			})
		}
	}
	return row, journals, nil
}

// Envelope rebuilds the logged envelope from a stored row.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		CommandType:    r.CommandType,
		Caller:         r.Caller,
		Timestamp:      time.UnixMicro(r.TimestampUs).UTC(),
		Payload:        json.RawMessage(r.Payload),
	}
	if len(r.Emitted) > 0 {
		if err := json.Unmarshal(r.Emitted, &env.Events); err != nil {
			return nil, fmt.Errorf("decode events of %d: %w", r.Sequence, err)
		}
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: stored hashes are %d and %d bytes", r.Sequence, len(r.StateHash), len(r.PrevHash))
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// values builds "(p1, ..., pn), (...)" for rows of width cols.
func (w *EventLogWriter) values(rows, cols int) string {
	groups := make([]string, 0, rows)
	n := 0
	for i := 0; i < rows; i++ {
		ph := make([]string, cols)
		for c := range ph {
			n++
			ph[c] = w.dialect.Placeholder(n)
		}
		groups = append(groups, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(groups, ", ")
}

// WriteEventBatch inserts envelopes, skipping sequences already present.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)*9)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Caller,
			string(e.Payload), string(e.Emitted), e.StateHash, e.PrevHash, e.TimestampUs,
		)
	}

	query := `INSERT INTO events
		(sequence, command_type, idempotency_key, caller, payload, emitted, state_hash, prev_hash, timestamp_us)
		VALUES ` + w.values(len(events), 9) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal entries, skipping ids already present.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*9)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.Sequence, j.Asset,
			j.From, j.To, j.Amount, j.JournalType, j.TimestampUs,
		)
	}

	query := `INSERT INTO journal
		(journal_id, batch_id, sequence, asset, from_account, to_account, amount, journal_type, timestamp_us)
		VALUES ` + w.values(len(journals), 9) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
