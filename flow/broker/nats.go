package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSConfig configures the JetStream binding.
type NATSConfig struct {
	// URL is the NATS server address.
	URL string

	// Stream and Subject name the JetStream stream and the subject
	// envelopes travel on.
	Stream  string
	Subject string

	// Consumer is the durable consumer name. Every runtime replica
	// shares it, so the stream load-balances steps across replicas.
	Consumer string

	// AckWait is how long JetStream waits for an Ack before
	// redelivering; it must exceed the slowest expected step.
	AckWait time.Duration

	// MaxDeliver bounds redeliveries of one message.
	MaxDeliver int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "FLOWMACH"
	}
	if c.Subject == "" {
		c.Subject = "flowmach.steps"
	}
	if c.Consumer == "" {
		c.Consumer = "flowmach-runtime"
	}
	if c.AckWait <= 0 {
		c.AckWait = 60 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	return c
}

// NATSBroker is the JetStream Broker binding. At-least-once delivery
// with explicit acks; the interpreter's idempotent step application
// absorbs the duplicates.
type NATSBroker struct {
	cfg  NATSConfig
	conn *nats.Conn
	js   jetstream.JetStream
	log  zerolog.Logger
}

// NewNATSBroker connects to NATS and ensures the stream exists.
func NewNATSBroker(cfg NATSConfig, log zerolog.Logger) (*NATSBroker, error) {
	cfg = cfg.withDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &NATSBroker{cfg: cfg, conn: conn, js: js, log: log}, nil
}

// Publish implements Publisher.
func (b *NATSBroker) Publish(ctx context.Context, data []byte) error {
	if _, err := b.js.Publish(ctx, b.cfg.Subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", b.cfg.Subject, err)
	}
	return nil
}

// Consume implements Broker. It creates (or reuses) the durable
// consumer and fetches messages until ctx is cancelled.
func (b *NATSBroker) Consume(ctx context.Context, handler Handler) error {
	stream, err := b.js.Stream(ctx, b.cfg.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", b.cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.cfg.Consumer,
		FilterSubject: b.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", b.cfg.Consumer, err)
	}

	b.log.Info().
		Str("stream", b.cfg.Stream).
		Str("consumer", b.cfg.Consumer).
		Str("subject", b.cfg.Subject).
		Msg("consuming steps")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				b.log.Debug().Err(err).Msg("fetch failed")
			}
			continue
		}
		for msg := range msgs.Messages() {
			handler(ctx, &Delivery{
				Data: msg.Data(),
				Ack:  msg.Ack,
				Nak:  msg.Nak,
			})
		}
		if ferr := msgs.Error(); ferr != nil && !errors.Is(ferr, context.DeadlineExceeded) {
			b.log.Warn().Err(ferr).Msg("fetch error")
		}
	}
}

// Close drains and closes the connection.
func (b *NATSBroker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
