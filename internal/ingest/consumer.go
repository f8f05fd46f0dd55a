// Package ingest turns messages from external brokers into events.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Message is one consumed broker record.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Consumer abstracts the message source.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan Message
	Close() error
}

// KafkaConfig configures Kafka ingestion.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" split_words:"true"`
	Brokers       string   `json:"brokers" split_words:"true"`
	Topics        []string `json:"topics" split_words:"true"`
	ConsumerGroup string   `json:"consumerGroup" split_words:"true"`
}

// BrokerList splits the comma-separated broker list.
func (c KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// KafkaConsumer implements Consumer using segmentio/kafka-go, one reader
// per topic.
type KafkaConsumer struct {
	brokers       []string
	consumerGroup string
	topics        []string
	readers       []*kafka.Reader
	messages      chan Message
	wg            sync.WaitGroup
	mu            sync.Mutex
}

// NewKafkaConsumer creates a Kafka consumer for the configured topics.
func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	brokers := cfg.BrokerList()
	group := cfg.ConsumerGroup
	if group == "" {
		group = "autoflow"
	}
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: group,
		topics:        cfg.Topics,
		messages:      make(chan Message, 100),
	}
}

// Start begins consuming from all configured topics.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for _, topic := range c.topics {
		c.startReader(ctx, topic)
	}
	slog.Info("Kafka consumer started", "brokers", c.brokers, "topics", c.topics, "group", c.consumerGroup)
	return nil
}

func (c *KafkaConsumer) startReader(ctx context.Context, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func(r *kafka.Reader, t string) {
		defer c.wg.Done()
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Kafka read error", "topic", t, "error", err)
				continue
			}
			headers := make(map[string]string, len(msg.Headers))
			for _, h := range msg.Headers {
				headers[h.Key] = string(h.Value)
			}
			select {
			case c.messages <- Message{Topic: t, Key: msg.Key, Value: msg.Value, Headers: headers}:
			case <-ctx.Done():
				return
			}
		}
	}(reader, topic)
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan Message {
	return c.messages
}

// Close stops all readers. The context passed to Start must be cancelled
// first so the reader goroutines exit.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()
	for _, r := range readers {
		_ = r.Close()
	}
	c.wg.Wait()
	close(c.messages)
	return nil
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch chan Message
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan Message, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan Message { return c.ch }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a message into the channel consumer.
func (c *ChannelConsumer) Send(msg Message) {
	c.ch <- msg
}
