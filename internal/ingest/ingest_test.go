package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/autoflow/internal/bus"
	"github.com/KafClaw/autoflow/internal/timeline"
)

func newTestTimeline(t *testing.T) *timeline.TimelineService {
	t.Helper()
	svc, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestDecodeEnvelope(t *testing.T) {
	ev, err := Decode(Message{Topic: "events", Key: []byte("k1"),
		Value: []byte(`{"source":"github","type":"pull_request.opened","payload":{"number":7},"metadata":{"delivery":"d1"}}`)})
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if ev.Source != "github" || ev.Type != "pull_request.opened" || string(ev.Payload) != `{"number":7}` {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Metadata["topic"] != "events" || ev.Metadata["key"] != "k1" || ev.Metadata["delivery"] != "d1" {
		t.Fatalf("unexpected metadata: %v", ev.Metadata)
	}
}

func TestDecodeBareRecord(t *testing.T) {
	ev, err := Decode(Message{Topic: "deploys", Value: []byte(`{"env":"prod"}`), Headers: map[string]string{"source": "argo"}})
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if ev.Source != "argo" || ev.Type != "deploys" || string(ev.Payload) != `{"env":"prod"}` {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev, _ = Decode(Message{Topic: "logs", Value: []byte("plain text")})
	if ev.Source != DefaultSource || string(ev.Payload) != `{"raw":"plain text"}` {
		t.Fatalf("unexpected raw event: %+v", ev)
	}
}

func TestIngesterPersistsAndQueues(t *testing.T) {
	tl := newTestTimeline(t)
	b := bus.NewMessageBus()
	c := NewChannelConsumer()
	in := NewIngester(c, tl, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	c.Send(Message{Topic: "events", Value: []byte(`{"source":"github","type":"push","payload":{}}`)})
	ev, err := b.ConsumeEvent(ctx)
	if err != nil {
		t.Fatalf("ConsumeEvent() error: %v", err)
	}
	if _, err := tl.GetEvent(ctx, ev.ID); err != nil {
		t.Fatalf("expected event persisted: %v", err)
	}

	_ = c.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run() should end cleanly when the consumer closes: %v", err)
	}
}

func TestNewKafkaConsumerParsesBrokers(t *testing.T) {
	c := NewKafkaConsumer(KafkaConfig{Brokers: "a:9092, b:9092,", Topics: []string{"events"}})
	if len(c.brokers) != 2 || c.brokers[1] != "b:9092" || c.consumerGroup != "autoflow" {
		t.Fatalf("unexpected consumer: %+v", c)
	}
}
