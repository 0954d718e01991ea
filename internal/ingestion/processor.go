package ingestion

import (
	"context"
	"errors"

	"FundLedger/internal/command"
	"FundLedger/internal/core"
	"FundLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Executor runs one command. *core.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, cmd command.Command) (*core.Result, error)
}

// Processor drains received messages into the engine and settles each one.
// Undecodable messages are terminated and business rejections are acked.
// Failures that may clear on retry, including a halted engine, are nak'd.
type Processor struct {
	exec    Executor
	input   <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(exec Executor, input <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{exec: exec, input: input, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle processes one message.
func (p *Processor) Handle(ctx context.Context, raw RawCommand) {
	if p.metrics != nil {
		p.metrics.NATSMessagesReceived.WithLabelValues(raw.Subject).Inc()
	}

	cmd, err := ParseRawCommand(raw)
	if err != nil {
		if p.metrics != nil {
			p.metrics.NATSParseErrors.WithLabelValues(raw.Subject).Inc()
		}
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable command")
		settle(raw.Term)
		return
	}

	res, err := p.exec.Execute(ctx, cmd)
	switch {
	case err == nil:
		p.logger.Debug().Str("command_type", string(cmd.Type())).Int64("sequence", res.Sequence).
			Bool("duplicate", res.Duplicate).Msg("command processed")
		settle(raw.Ack)
	case errors.Is(err, core.ErrClockRegression):
		// Ordered delivery only lets this through for a command stamped
		// before one already applied; redelivery cannot fix it.
		p.logger.Warn().Err(err).Str("command_type", string(cmd.Type())).
			Str("key", cmd.IdempotencyKey()).Time("timestamp", cmd.Timestamp()).Msg("stale command dropped")
		settle(raw.Ack)
	case retryable(err):
		p.logger.Warn().Err(err).Str("command_type", string(cmd.Type())).Msg("command deferred")
		settle(raw.Nak)
	default:
		p.logger.Info().Err(err).Str("command_type", string(cmd.Type())).
			Str("key", cmd.IdempotencyKey()).Msg("command rejected")
		settle(raw.Ack)
	}
}

// retryable reports whether a failed command may succeed on redelivery.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrHalted) {
		return true
	}
	return core.Classify(err) == core.KindDependency
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
