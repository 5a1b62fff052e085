package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/salesclaw/internal/bus"
)

// Fragment is the intake record format. ID, when set, deduplicates
// redelivered records.
type Fragment struct {
	ID         string    `json:"id,omitempty"`
	Channel    string    `json:"channel"`
	EntityKey  string    `json:"entity_key,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	ChatID     string    `json:"chat_id,omitempty"`
	Text       string    `json:"text"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// IntakeConsumer moves intake records onto the inbound bus.
type IntakeConsumer struct {
	consumer Consumer
	bus      *bus.MessageBus
}

func NewIntakeConsumer(c Consumer, b *bus.MessageBus) *IntakeConsumer {
	return &IntakeConsumer{consumer: c, bus: b}
}

// Run consumes until ctx is done or the consumer closes. Malformed records
// are logged and skipped.
func (ic *IntakeConsumer) Run(ctx context.Context) error {
	if err := ic.consumer.Start(ctx); err != nil {
		return fmt.Errorf("intake consumer: %w", err)
	}
	slog.Info("Kafka intake started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Kafka intake stopped")
			return ctx.Err()
		case raw, ok := <-ic.consumer.Messages():
			if !ok {
				return nil
			}
			msg, err := DecodeFragment(raw.Value)
			if err != nil {
				slog.Warn("Intake record skipped", "topic", raw.Topic, "key", string(raw.Key), "error", err)
				continue
			}
			if err := ic.bus.PublishInbound(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// DecodeFragment validates a record and builds the inbound message. The
// sender comes from sender_id or, failing that, from entity_key
// ("<channel>:<sender>").
func DecodeFragment(data []byte) (*bus.InboundMessage, error) {
	var f Fragment
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fragment: %w", err)
	}
	f.Channel = strings.TrimSpace(f.Channel)
	if f.Channel == "" {
		return nil, fmt.Errorf("fragment: channel required")
	}
	if strings.TrimSpace(f.Text) == "" {
		return nil, fmt.Errorf("fragment: text required")
	}
	sender := strings.TrimSpace(f.SenderID)
	if sender == "" && f.EntityKey != "" {
		rest, ok := strings.CutPrefix(f.EntityKey, f.Channel+":")
		if !ok {
			return nil, fmt.Errorf("fragment: entity key %q does not belong to channel %q", f.EntityKey, f.Channel)
		}
		sender = rest
	}
	if sender == "" {
		return nil, fmt.Errorf("fragment: sender_id or entity_key required")
	}
	msg := &bus.InboundMessage{
		Channel:    f.Channel,
		SenderID:   sender,
		SenderName: f.SenderName,
		ChatID:     f.ChatID,
		TraceID:    f.TraceID,
		Content:    f.Text,
		Timestamp:  f.Timestamp,
		Metadata:   map[string]any{bus.MetaKeySource: "kafka"},
	}
	if id := strings.TrimSpace(f.ID); id != "" {
		msg.IdempotencyKey = "kafka:" + id
	}
	return msg, nil
}
