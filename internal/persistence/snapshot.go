package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/event"

	"github.com/google/uuid"
)

// snapshotFormat is bumped whenever core.SnapshotState changes shape.
const snapshotFormat = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// replay.
type SnapshotManager struct {
	db      *sql.DB
	dialect Dialect
}

// SnapshotInfo describes a stored snapshot without its state.
type SnapshotInfo struct {
	SnapshotID string
	Sequence   int64
	StateHash  []byte
	SizeBytes  int
	Verified   bool
	CreatedAt  time.Time
}

func NewSnapshotManager(db *sql.DB, dialect Dialect) *SnapshotManager {
	return &SnapshotManager{db: db, dialect: dialect}
}

// SaveSnapshot stores a snapshot unverified and returns its encoded size.
// Saving the same sequence again replaces the earlier row.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, at time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, sm.dialect.Rebind(`
		INSERT INTO snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at_us)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT (sequence) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			data = excluded.data,
			state_hash = excluded.state_hash,
			size_bytes = excluded.size_bytes,
			verified = FALSE,
			created_at_us = excluded.created_at_us
	`), uuid.NewString(), snap.Sequence, string(data), snap.StateHash[:], snapshotFormat, len(data), at.UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// MarkVerified flags a snapshot as safe to restore from.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	res, err := sm.db.ExecContext(ctx, sm.dialect.Rebind(
		`UPDATE snapshots SET verified = TRUE WHERE sequence = ?`), sequence)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("snapshot %d: %w", sequence, sql.ErrNoRows)
	}
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d, want %d", version, snapshotFormat)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns stored snapshots, newest first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := sm.db.QueryContext(ctx, sm.dialect.Rebind(`
		SELECT snapshot_id, sequence, state_hash, size_bytes, verified, created_at_us
		FROM snapshots
		ORDER BY sequence DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info SnapshotInfo
			us   int64
		)
		if err := rows.Scan(&info.SnapshotID, &info.Sequence, &info.StateHash, &info.SizeBytes, &info.Verified, &us); err != nil {
			return nil, err
		}
		info.CreatedAt = time.UnixMicro(us).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadEventsFrom loads up to limit logged envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, sm.dialect.Rebind(`
		SELECT sequence, command_type, idempotency_key, caller, payload, emitted,
		       state_hash, prev_hash, timestamp_us
		FROM events
		WHERE sequence >= ?
		ORDER BY sequence ASC
		LIMIT ?
	`), fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*event.EventEnvelope
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.Sequence, &r.CommandType, &r.IdempotencyKey, &r.Caller, &r.Payload, &r.Emitted,
			&r.StateHash, &r.PrevHash, &r.TimestampUs,
		); err != nil {
			return nil, err
		}
		env, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or 0 for an empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
