package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker backed by a buffered channel.
// Nak re-queues the message at the back of the buffer.
type MemoryBroker struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewMemoryBroker creates a broker buffering up to size messages.
func NewMemoryBroker(size int) *MemoryBroker {
	if size <= 0 {
		size = 256
	}
	return &MemoryBroker{ch: make(chan []byte, size)}
}

// Publish implements Publisher.
func (b *MemoryBroker) Publish(ctx context.Context, data []byte) error {
	dup := make([]byte, len(data))
	copy(dup, data)
	select {
	case b.ch <- dup:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Broker. It returns when ctx is cancelled.
func (b *MemoryBroker) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-b.ch:
			d := &Delivery{
				Data: data,
				Ack:  func() error { return nil },
				Nak: func() error {
					return b.Publish(ctx, data)
				},
			}
			handler(ctx, d)
		}
	}
}

// Pending reports the number of buffered messages; tests use it to
// drain the broker deterministically.
func (b *MemoryBroker) Pending() int {
	return len(b.ch)
}
