package persistence

import (
	"context"
	"database/sql"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the engine's persist channel and batch-writes the log.
// The engine sends on that channel blocking, so a slow worker stalls the
// engine rather than losing an event.
type Worker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastWritten int64
}

type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	MaxBackoff   time.Duration
}

func NewWorker(
	db *sql.DB,
	dialect Dialect,
	inputChan <-chan core.Output,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Worker{
		db:           db,
		writer:       NewEventLogWriter(dialect),
		inputChan:    inputChan,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		maxBackoff:   cfg.MaxBackoff,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches outputs and flushes when the batch is full or the flush timeout
// expires. Blocks until ctx is cancelled or the input channel is closed; the
// pending batch is written before returning.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	journalBatch := make([]JournalRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(eventBatch) == 0 {
			return
		}
		if err := w.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			w.logger.Error().Err(err).Str("reason", reason).Int("events", len(eventBatch)).Msg("batch flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			w.drainPending(&eventBatch, &journalBatch)
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			w.append(out, &eventBatch, &journalBatch)

			if len(eventBatch) >= w.batchSize {
				flush(ctx, "full")
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(w.flushTimeout)
		}
	}
}

// drainPending takes whatever the engine already queued without blocking.
func (w *Worker) drainPending(events *[]EventRow, journals *[]JournalRow) {
	for {
		select {
		case out, ok := <-w.inputChan:
			if !ok {
				return
			}
			w.append(out, events, journals)
		default:
			return
		}
	}
}

func (w *Worker) append(out core.Output, events *[]EventRow, journals *[]JournalRow) {
	row, js, err := RowsFromOutput(out)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("encode").Inc()
		}
		w.logger.Error().Err(err).Msg("unencodable output dropped")
		return
	}
	*events = append(*events, row)
	*journals = append(*journals, js...)
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
		}

		err := w.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		w.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

// flush writes events and journals in one transaction.
func (w *Worker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.fail("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.fail("write_events")
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		w.fail("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.fail("tx_commit")
		return err
	}

	w.lastWritten = events[len(events)-1].Sequence
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		w.metrics.PersistLastSequence.Set(float64(w.lastWritten))
	}
	return nil
}

func (w *Worker) fail(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
