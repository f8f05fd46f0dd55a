package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
)

func TestEventRoundTrip(t *testing.T) {
	b := NewMessageBus()
	ctx := context.Background()
	if err := b.PublishEvent(ctx, &automation.Event{ID: "ev-1"}); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}
	if b.InboundSize() != 1 {
		t.Fatalf("expected one queued event, got %d", b.InboundSize())
	}
	ev, err := b.ConsumeEvent(ctx)
	if err != nil || ev.ID != "ev-1" {
		t.Fatalf("unexpected consume: %v %v", ev, err)
	}
}

func TestConsumeEventHonorsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeEvent(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPublishEventBlocksWhenFull(t *testing.T) {
	b := NewMessageBus()
	for i := 0; i < DefaultCapacity; i++ {
		if err := b.PublishEvent(context.Background(), &automation.Event{}); err != nil {
			t.Fatalf("PublishEvent() error: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.PublishEvent(ctx, &automation.Event{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected full queue to block, got %v", err)
	}
}

func TestNotificationFanOut(t *testing.T) {
	b := NewMessageBus()
	var got atomic.Int32
	b.Subscribe(func(n *Notification) { got.Add(1) })
	b.Subscribe(func(n *Notification) { got.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.DispatchOutbound(ctx)
		close(done)
	}()

	b.PublishNotification(&Notification{Kind: KindSkillCompleted})
	deadline := time.Now().Add(time.Second)
	for got.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got.Load() != 2 {
		t.Fatalf("expected both subscribers called, got %d", got.Load())
	}
}
