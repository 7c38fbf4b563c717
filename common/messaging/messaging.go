// Package messaging provides abstractions for publishing harvest notifications
// to a message broker without coupling callers to a specific broker.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a message sent to a message broker.
type Message struct {
	// Subject is the topic the message is published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was built.
	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a payload to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with headers.
	PublishMsg(ctx context.Context, msg *Message) error

	// Close releases any resources held by the publisher.
	Close() error
}

// PublishJSON marshals v and publishes it to subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}

// NoopPublisher discards every message. It is used when the broker is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

func (NoopPublisher) PublishMsg(context.Context, *Message) error { return nil }

func (NoopPublisher) Close() error { return nil }
