package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishConsume(t *testing.T) {
	b := NewMessageBus(2)
	ctx := context.Background()
	msg := &InboundMessage{Channel: "whatsapp", SenderID: "5511", Content: "oi"}
	if err := b.PublishInbound(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled")
	}
	if b.InboundSize() != 1 {
		t.Errorf("expected 1 queued, got %d", b.InboundSize())
	}
	got, err := b.ConsumeInbound(ctx)
	if err != nil || got.EntityKey() != "whatsapp:5511" {
		t.Fatalf("unexpected consume %+v, %v", got, err)
	}
}

func TestTryPublishFull(t *testing.T) {
	b := NewMessageBus(1)
	if err := b.TryPublishInbound(&InboundMessage{}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.TryPublishInbound(&InboundMessage{}); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
}

func TestConsumeCancelled(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeInbound(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
