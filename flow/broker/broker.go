// Package broker abstracts the message transport carrying resumption
// envelopes between steps. The production binding is NATS JetStream;
// the in-memory binding serves tests and single-process runs.
package broker

import "context"

// Delivery is one inbound envelope plus its acknowledgement handles.
// Ack confirms processing; Nak requests redelivery. The transport
// redelivers unacknowledged messages, so handlers must be idempotent.
type Delivery struct {
	Data []byte
	Ack  func() error
	Nak  func() error
}

// Publisher publishes resumption envelopes to the workflow subject.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// Handler processes one delivery. It owns acknowledgement: every path
// through a handler must end in exactly one Ack or Nak.
type Handler func(ctx context.Context, d *Delivery)

// Broker is a full transport binding: publish plus a consume loop.
type Broker interface {
	Publisher

	// Consume runs the delivery loop until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
}
