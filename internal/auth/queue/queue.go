// Package queue carries replication messages between the primary region's
// write path and the multi-region sync consumer. Delivery is at-least-once:
// consumers must apply messages idempotently.
package queue

import "context"

// Message is one queued replication message. Exactly one of Ack or Retry is
// called per processing attempt: Ack removes the message, Retry asks the
// queue to redeliver it later.
type Message interface {
	// ID is the queue-assigned identifier, for logs.
	ID() string

	// Payload is the raw message body.
	Payload() []byte

	// Ack removes the message from the queue.
	Ack(ctx context.Context) error

	// Retry requests redelivery after the queue's visibility timeout.
	Retry(ctx context.Context) error
}

// Source delivers batches of messages in arrival order.
type Source interface {
	// Next blocks until at least one message is available, the poll window
	// elapses (empty batch), or ctx is cancelled.
	Next(ctx context.Context) ([]Message, error)

	Close() error
}

// Producer publishes replication messages for consumption by every region's
// sync consumer.
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
}
