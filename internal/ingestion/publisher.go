package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream  = "FUND_EVENTS"
	EventSubject = "fund.events"
)

// Publisher is the part of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes emitted events for downstream consumers on
// fund.events.<event_type>.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// OutboundEvent is the published message body.
type OutboundEvent struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Subject        string          `json:"subject"`
	Data           json.RawMessage `json:"data"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// MsgID deduplicates redelivered publications on the event stream.
func (e OutboundEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", e.Sequence, e.Index)
}

func (e OutboundEvent) NATSSubject() string {
	return EventSubject + "." + e.EventType
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// OutboundEvents flattens one accepted command into its published events.
func OutboundEvents(out core.Output) []OutboundEvent {
	env := out.Envelope
	if env == nil {
		return nil
	}
	hash := hex.EncodeToString(env.StateHash[:])
	events := make([]OutboundEvent, 0, len(env.Events))
	for i, rec := range env.Events {
		events = append(events, OutboundEvent{
			Sequence:       env.Sequence,
			Index:          i,
			CommandType:    env.CommandType,
			IdempotencyKey: env.IdempotencyKey,
			EventType:      rec.Type,
			Subject:        rec.Subject,
			Data:           rec.Data,
			StateHash:      hash,
			Timestamp:      env.Timestamp,
		})
	}
	return events
}

// Run publishes until ctx is cancelled or the input channel closes.
// Publication failures are logged and skipped; the event log stays the
// source of truth.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, evt := range OutboundEvents(out) {
				if err := op.publish(ctx, evt); err != nil {
					op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("event_type", evt.EventType).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt OutboundEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := op.js.Publish(ctx, evt.NATSSubject(), data, jetstream.WithMsgID(evt.MsgID())); err != nil {
		return err
	}
	if op.metrics != nil {
		op.metrics.NATSPublished.WithLabelValues(evt.EventType).Inc()
	}
	return nil
}
