// Package bus provides the async event queue between event producers
// (scheduler, ingest, CLI) and the dispatcher, plus the outbound
// notification fan-out.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
)

// Notification kinds.
const (
	KindWorkflowCompleted = "workflow_completed"
	KindWorkflowFailed    = "workflow_failed"
	KindWorkflowWaiting   = "workflow_waiting"
	KindSkillCompleted    = "skill_completed"
	KindSkillFailed       = "skill_failed"
)

// Notification reports the outcome of a run.
type Notification struct {
	Kind          string    `json:"kind"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	EventID       string    `json:"eventId,omitempty"`
	SkillID       string    `json:"skillId,omitempty"`
	RunID         string    `json:"runId,omitempty"`
	WorkflowID    string    `json:"workflowId,omitempty"`
	WorkflowRunID string    `json:"workflowRunId,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// IsError reports whether the notification reports a failure.
func (n *Notification) IsError() bool {
	return n.Kind == KindWorkflowFailed || n.Kind == KindSkillFailed
}

// DefaultCapacity is the buffer size of both queues.
const DefaultCapacity = 100

// MessageBus decouples event producers from the dispatcher.
type MessageBus struct {
	inbound  chan *automation.Event
	outbound chan *Notification
	subs     []func(*Notification)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *automation.Event, DefaultCapacity),
		outbound: make(chan *Notification, DefaultCapacity),
	}
}

// PublishEvent queues an event for dispatch. It blocks while the queue is
// full until ctx is done.
func (b *MessageBus) PublishEvent(ctx context.Context, ev *automation.Event) error {
	select {
	case b.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeEvent blocks until an event is available or context is cancelled.
func (b *MessageBus) ConsumeEvent(ctx context.Context) (*automation.Event, error) {
	select {
	case ev := <-b.inbound:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishNotification queues a notification. A full queue drops it.
func (b *MessageBus) PublishNotification(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case b.outbound <- n:
	default:
		slog.Warn("Notification dropped: outbound queue full", "kind", n.Kind, "title", n.Title)
	}
}

// Subscribe registers a callback for every outbound notification.
func (b *MessageBus) Subscribe(callback func(*Notification)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, callback)
}

// DispatchOutbound runs the outbound notification dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(n)
			}
		}
	}
}

// InboundSize returns the number of pending events.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending notifications.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
