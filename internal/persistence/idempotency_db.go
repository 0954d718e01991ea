package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"FundLedger/internal/core"
)

// IdempotencyStore answers the engine's durable duplicate lookups from the
// unique (command_type, idempotency_key) index on the event log.
type IdempotencyStore struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

func NewIdempotencyStore(db *sql.DB, dialect Dialect) *IdempotencyStore {
	return &IdempotencyStore{db: db, dialect: dialect, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether a command with this type and key is logged.
func (s *IdempotencyStore) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT 1
		FROM events
		WHERE command_type = ? AND idempotency_key = ?
		LIMIT 1
	`), commandType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns composite keys of the last n logged commands, oldest
// first, for warming the engine's cache after a restart.
func (s *IdempotencyStore) RecentKeys(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT command_type, idempotency_key FROM events
		ORDER BY sequence DESC
		LIMIT ?
	`), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var typ, key string
		if err := rows.Scan(&typ, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(typ, key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}
