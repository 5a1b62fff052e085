package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/salesclaw/internal/bus"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

func TestDecodeFragment(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		sender  string
		wantErr bool
	}{
		{"sender id", `{"channel":"whatsapp","sender_id":"5511","text":"oi"}`, "5511", false},
		{"entity key", `{"channel":"whatsapp","entity_key":"whatsapp:5511","text":"oi"}`, "5511", false},
		{"foreign key", `{"channel":"whatsapp","entity_key":"presale:9","text":"oi"}`, "", true},
		{"no sender", `{"channel":"whatsapp","text":"oi"}`, "", true},
		{"no channel", `{"sender_id":"1","text":"oi"}`, "", true},
		{"blank text", `{"channel":"whatsapp","sender_id":"1","text":"  "}`, "", true},
		{"not json", `oi`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeFragment([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if msg.SenderID != tt.sender || msg.EntityKey() != "whatsapp:"+tt.sender || msg.Metadata[bus.MetaKeySource] != "kafka" {
				t.Errorf("unexpected message %+v", msg)
			}
		})
	}
}

func TestDecodeFragmentIdempotencyKey(t *testing.T) {
	msg, err := DecodeFragment([]byte(`{"id":" 77 ","channel":"whatsapp","sender_id":"5511","text":"oi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.IdempotencyKey != "kafka:77" {
		t.Errorf("IdempotencyKey = %q, want kafka:77", msg.IdempotencyKey)
	}
	msg, err = DecodeFragment([]byte(`{"channel":"whatsapp","sender_id":"5511","text":"oi"}`))
	if err != nil || msg.IdempotencyKey != "" {
		t.Errorf("records without id must not be deduplicated, got %q %v", msg.IdempotencyKey, err)
	}
}

func TestIntakeConsumerPublishes(t *testing.T) {
	c := NewChannelConsumer()
	b := bus.NewMessageBus(10)
	ic := NewIntakeConsumer(c, b)

	c.Send(Message{Topic: "salesclaw.intake", Value: []byte(`{"channel":"whatsapp","sender_id":"5511","text":"quero orçamento"}`)})
	c.Send(Message{Topic: "salesclaw.intake", Value: []byte(`{broken`)})
	c.Send(Message{Topic: "salesclaw.intake", Value: []byte(`{"channel":"whatsapp","sender_id":"5511","text":"de uma janela"}`)})
	c.Close()

	if err := ic.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if b.InboundSize() != 2 {
		t.Fatalf("expected two fragments, malformed one skipped, got %d", b.InboundSize())
	}
	first, _ := b.ConsumeInbound(context.Background())
	if first.Content != "quero orçamento" {
		t.Errorf("expected records in order, got %q", first.Content)
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	keys    []string
	values  [][]byte
	headers []map[string]string
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	p.headers = append(p.headers, headers)
	return nil
}

func TestMirrorLog(t *testing.T) {
	tl, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tl.Close()
	pub := &recordingPublisher{}
	m := NewMirrorLog(tl, pub)
	ctx := context.Background()

	ex := &timeline.Exchange{
		TraceID:   "t-1",
		Channel:   "whatsapp",
		EntityKey: "whatsapp:5511",
		Direction: timeline.DirectionOutbound,
		Content:   "Fica R$ 540,00.",
		Status:    timeline.ExchangeStatusDelivered,
	}
	if err := m.AppendExchange(ctx, ex); err != nil {
		t.Fatal(err)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "whatsapp:5511" || pub.headers[0]["trace_id"] != "t-1" {
		t.Fatalf("unexpected publish %+v", pub.keys)
	}
	var got timeline.Exchange
	if err := json.Unmarshal(pub.values[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.ExchangeID == "" || got.ExchangeID != ex.ExchangeID || got.Content != ex.Content {
		t.Errorf("expected the stored exchange published, got %+v", got)
	}

	pub.err = errors.New("broker down")
	if err := m.AppendExchange(ctx, &timeline.Exchange{Channel: "whatsapp", EntityKey: "whatsapp:5511", Direction: timeline.DirectionInbound, Content: "oi", CreatedAt: time.Now()}); err != nil {
		t.Errorf("publish failures must not fail the durable write: %v", err)
	}
	exs, _ := tl.ListExchanges(ctx, timeline.ExchangeFilter{EntityKey: "whatsapp:5511"})
	if len(exs) != 2 {
		t.Errorf("expected both exchanges stored, got %d", len(exs))
	}
}
