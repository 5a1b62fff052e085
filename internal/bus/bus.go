// Package bus provides the async inbound queue between channels and the
// conversation service.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrFull is returned by TryPublishInbound when the queue is full.
var ErrFull = errors.New("inbound queue full")

// MetaKeySource names the intake path a fragment arrived through.
const MetaKeySource = "source"

// InboundMessage is one fragment from a channel. IdempotencyKey identifies
// redeliveries of the same fragment; empty disables deduplication.
type InboundMessage struct {
	Channel        string         `json:"channel"`
	SenderID       string         `json:"sender_id"`
	SenderName     string         `json:"sender_name,omitempty"`
	ChatID         string         `json:"chat_id"`
	TraceID        string         `json:"trace_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// EntityKey identifies the conversational entity: "<channel>:<sender>".
func (m *InboundMessage) EntityKey() string {
	return m.Channel + ":" + m.SenderID
}

// MessageBus decouples channel listeners from the conversation service.
type MessageBus struct {
	inbound chan *InboundMessage
}

// NewMessageBus creates a bus with the given queue capacity.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = 100
	}
	return &MessageBus{inbound: make(chan *InboundMessage, capacity)}
}

// PublishInbound queues a fragment, blocking while the queue is full or
// until ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishInbound queues a fragment without blocking. Event handlers of
// channel clients use it so a stalled consumer never blocks the client.
func (b *MessageBus) TryPublishInbound(msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	default:
		return ErrFull
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}
