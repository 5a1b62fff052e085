// Package events connects the conversation pipeline to Kafka: an intake
// consumer that turns topic records into inbound fragments and a log
// wrapper that mirrors durable exchanges to a topic.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Consumer reads raw records from one topic.
type Consumer interface {
	// Start begins consuming.
	Start(ctx context.Context) error
	// Messages returns the consumed records. It is closed by Close.
	Messages() <-chan Message
	Close() error
}

// Message is a raw record.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// KafkaConsumer reads one topic as a member of a consumer group.
type KafkaConsumer struct {
	brokers  []string
	groupID  string
	topic    string
	dialer   *kafka.Dialer
	reader   *kafka.Reader
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

// NewKafkaConsumer creates a consumer for topic.
func NewKafkaConsumer(brokers []string, groupID, topic string, sec Security) (*KafkaConsumer, error) {
	dialer, err := sec.Dialer()
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return &KafkaConsumer{
		brokers:  brokers,
		groupID:  groupID,
		topic:    topic,
		dialer:   dialer,
		messages: make(chan Message, 100),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the read loop.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    c.topic,
		GroupID:  c.groupID,
		Dialer:   c.dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer close(c.done)
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Kafka read error", "topic", c.topic, "error", err)
				continue
			}
			select {
			case c.messages <- Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (c *KafkaConsumer) Messages() <-chan Message { return c.messages }

// Close stops the reader. The read loop must have ended, which happens
// when the Start context is cancelled.
func (c *KafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		if c.reader != nil {
			err = c.reader.Close()
			<-c.done
		}
		close(c.messages)
	})
	return err
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch chan Message
}

func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan Message, 100)}
}

func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }
func (c *ChannelConsumer) Messages() <-chan Message        { return c.ch }

func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a record.
func (c *ChannelConsumer) Send(msg Message) {
	c.ch <- msg
}
