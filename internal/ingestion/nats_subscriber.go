package ingestion

import (
	"context"
	"fmt"
	"time"

	"FundLedger/internal/command"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream  = "FUND_COMMANDS"
	CommandSubject = "fund.commands"
)

// NATSSubscriber consumes command subjects from JetStream and hands raw
// messages to the processor via commandChan.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	logger      zerolog.Logger
}

// RawCommand is a received message not yet decoded into a command.
type RawCommand struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func() // processed, or permanently rejected
	Nak      func() // redeliver later
	Term     func() // undecodable; never redeliver
}

// SubjectConfig binds a subject filter to its durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// CommandSubjectFor returns the subject a command type is published on.
func CommandSubjectFor(t command.Type) string {
	return CommandSubject + "." + string(t)
}

// DefaultSubjects returns the single durable consumer covering every command
// subject. One consumer keeps delivery in stream order across command types;
// the subject still selects the decoder.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{{
		Subject:      CommandSubject + ".>",
		ConsumerName: "fundledger-commands",
		StreamName:   CommandStream,
	}}
}

// ConsumerConfig is the JetStream consumer for cfg: explicit ACK,
// max_deliver=5, ack_wait=30s and one message in flight, so a nak'd command
// is redelivered before anything published after it.
func (cfg SubjectConfig) ConsumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		logger:      logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, cfg.ConsumerConfig())
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { _ = msg.Ack() },
				Nak:      func() { _ = msg.Nak() },
				Term:     func() { _ = msg.Term() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{CommandSubject + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubject + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("fundledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
