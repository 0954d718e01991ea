package persistence

import (
	"context"
	"fmt"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Recovery rebuilds engine state on startup and takes periodic snapshots.
type Recovery struct {
	snapshots *SnapshotManager
	store     *IdempotencyStore
	metrics   *observability.Metrics
	logger    zerolog.Logger
	pageSize  int
	warmKeys  int
}

func NewRecovery(snapshots *SnapshotManager, store *IdempotencyStore, metrics *observability.Metrics, logger zerolog.Logger) *Recovery {
	return &Recovery{
		snapshots: snapshots,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		pageSize:  1000,
		warmKeys:  10_000,
	}
}

// RecoveryStats summarizes one restore.
type RecoveryStats struct {
	SnapshotSequence int64
	Replayed         int
	Sequence         int64
}

// Restore loads the latest verified snapshot, if any, then replays every
// logged command after it. Replay verifies each logged state hash.
func (r *Recovery) Restore(ctx context.Context, eng *core.Engine) (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	snap, err := r.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return stats, err
	}
	if snap != nil {
		if err := eng.RestoreFromSnapshot(snap); err != nil {
			return stats, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		stats.SnapshotSequence = snap.Sequence
		r.logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	}

	from := stats.SnapshotSequence + 1
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		envs, err := r.snapshots.LoadEventsFrom(ctx, from, r.pageSize)
		if err != nil {
			return stats, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, env := range envs {
			if err := eng.Replay(env); err != nil {
				return stats, err
			}
			stats.Replayed++
		}
		if len(envs) < r.pageSize {
			break
		}
		from = envs[len(envs)-1].Sequence + 1
	}

	if r.store != nil {
		keys, err := r.store.RecentKeys(ctx, r.warmKeys)
		if err != nil {
			r.logger.Warn().Err(err).Msg("idempotency cache not warmed")
		} else {
			eng.WarmLRU(keys)
		}
	}

	stats.Sequence = eng.GetSequence()
	if r.metrics != nil {
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	r.logger.Info().Int64("from_snapshot", stats.SnapshotSequence).Int("replayed", stats.Replayed).
		Int64("sequence", stats.Sequence).Dur("took", time.Since(start)).Msg("state recovered")
	return stats, nil
}

// Snapshot saves the engine's current state and marks it verified once
// verify accepts it. It is skipped at sequence 0 and while the log has not
// caught up with the engine.
func (r *Recovery) Snapshot(ctx context.Context, eng *core.Engine, verify func(*core.SnapshotState) error) error {
	start := time.Now()
	snap := eng.CreateSnapshotState()
	if snap.Sequence == 0 {
		return nil
	}
	logged, err := r.snapshots.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if logged < snap.Sequence {
		r.logger.Debug().Int64("logged", logged).Int64("sequence", snap.Sequence).Msg("snapshot deferred")
		return nil
	}

	size, err := r.snapshots.SaveSnapshot(ctx, snap, start)
	if err != nil {
		return err
	}
	if verify != nil {
		if err := verify(snap); err != nil {
			return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
		}
	}
	if err := r.snapshots.MarkVerified(ctx, snap.Sequence); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.SnapshotTaken.Inc()
		r.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		r.metrics.SnapshotSizeBytes.Set(float64(size))
		r.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	r.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
