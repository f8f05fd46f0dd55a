package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/autoflow/internal/automation"
)

// DefaultSource is used for records that name no source.
const DefaultSource = "kafka"

// Header keys that override the event source and type.
const (
	HeaderSource = "source"
	HeaderType   = "type"
)

// Publisher queues events for dispatch.
type Publisher interface {
	PublishEvent(ctx context.Context, ev *automation.Event) error
}

// envelope is the optional wrapped record format.
type envelope struct {
	Source   string            `json:"source"`
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}

// Decode converts a record into an event. A JSON object carrying both
// "source" and "type" is taken as an envelope; anything else becomes the
// payload, with source and type from headers or the defaults.
func Decode(msg Message) (*automation.Event, error) {
	ev := &automation.Event{Metadata: map[string]string{"topic": msg.Topic}}
	if len(msg.Key) > 0 {
		ev.Metadata["key"] = string(msg.Key)
	}

	var env envelope
	if json.Unmarshal(msg.Value, &env) == nil && env.Source != "" && env.Type != "" {
		ev.Source, ev.Type, ev.Payload = env.Source, env.Type, env.Payload
		for k, v := range env.Metadata {
			ev.Metadata[k] = v
		}
		return ev, nil
	}

	ev.Source = firstNonEmpty(msg.Headers[HeaderSource], DefaultSource)
	ev.Type = firstNonEmpty(msg.Headers[HeaderType], msg.Topic)
	if ev.Type == "" {
		return nil, fmt.Errorf("record on %q has no event type", msg.Topic)
	}
	if json.Valid(msg.Value) {
		ev.Payload = json.RawMessage(msg.Value)
	} else {
		ev.Payload = automation.MustJSON(map[string]any{"raw": string(msg.Value)})
	}
	return ev, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Ingester persists consumed records as events and queues them.
type Ingester struct {
	consumer Consumer
	events   automation.EventStore
	pub      Publisher
}

// NewIngester creates an ingester.
func NewIngester(c Consumer, events automation.EventStore, pub Publisher) *Ingester {
	return &Ingester{consumer: c, events: events, pub: pub}
}

// Run starts the consumer and ingests until ctx is done or the message
// channel closes. Undecodable records are logged and skipped.
func (in *Ingester) Run(ctx context.Context) error {
	if err := in.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	msgs := in.consumer.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := in.ingest(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("Record not ingested", "topic", msg.Topic, "error", err)
			}
		}
	}
}

func (in *Ingester) ingest(ctx context.Context, msg Message) error {
	ev, err := Decode(msg)
	if err != nil {
		return err
	}
	if err := in.events.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	if err := in.pub.PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	slog.Debug("Event ingested", "event", ev.ID, "source", ev.Source, "type", ev.Type, "topic", msg.Topic)
	return nil
}
