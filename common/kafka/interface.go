// Package kafka defines the message contracts the gateway uses on both
// sides of the broker. Implementations live in the producer and consumer
// subpackages.
package kafka

import (
	"context"
	"time"
)

// Message is a record read from a topic.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string][]byte
}

// Handler processes one record. A nil return marks the record consumed;
// an error leaves it uncommitted for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Consumer reads one or more topics until ctx is done or an unrecoverable
// error occurs.
type Consumer interface {
	Consume(ctx context.Context, topics []string, handler Handler) error
	Close() error
}

// Record is an outgoing message.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string][]byte
}

// Producer publishes records with the configured ack policy.
type Producer interface {
	Publish(ctx context.Context, rec Record) error
	// Ping refreshes cluster metadata to check the brokers are reachable.
	Ping(ctx context.Context) error
	Close() error
}
