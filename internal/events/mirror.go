package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/salesclaw/internal/timeline"
)

// ExchangeWriter is the durable log being mirrored.
type ExchangeWriter interface {
	AppendExchange(ctx context.Context, ex *timeline.Exchange) error
}

// Publisher writes one keyed record.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// MirrorLog writes exchanges to the durable log and then publishes them.
// The durable write decides the result; a failed publish is only logged.
type MirrorLog struct {
	log     ExchangeWriter
	pub     Publisher
	timeout time.Duration
}

func NewMirrorLog(log ExchangeWriter, pub Publisher) *MirrorLog {
	return &MirrorLog{log: log, pub: pub, timeout: 5 * time.Second}
}

func (m *MirrorLog) AppendExchange(ctx context.Context, ex *timeline.Exchange) error {
	if err := m.log.AppendExchange(ctx, ex); err != nil {
		return err
	}
	data, err := json.Marshal(ex)
	if err != nil {
		slog.Warn("Exchange mirror encode failed", "exchange_id", ex.ExchangeID, "error", err)
		return nil
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	headers := map[string]string{"direction": ex.Direction, "trace_id": ex.TraceID}
	if err := m.pub.Publish(pubCtx, ex.EntityKey, data, headers); err != nil {
		slog.Warn("Exchange mirror publish failed", "exchange_id", ex.ExchangeID, "error", err)
	}
	return nil
}

// KafkaPublisher publishes to one topic, keyed by entity so that one
// conversation stays on one partition.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string, sec Security) (*KafkaPublisher, error) {
	transport, err := sec.Transport()
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    transport,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now()}
	for k, v := range headers {
		if v != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
