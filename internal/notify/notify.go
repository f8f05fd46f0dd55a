// Package notify delivers run notifications. Delivery is fire-and-forget:
// failures are logged and never reach the caller.
package notify

import (
	"context"
	"log/slog"

	"github.com/KafClaw/autoflow/internal/bus"
)

// Notification is the message delivered to every sink.
type Notification = bus.Notification

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Multi fans one notification out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) {}

// BusNotifier publishes notifications to the bus outbound queue.
type BusNotifier struct {
	bus *bus.MessageBus
}

// NewBusNotifier creates a BusNotifier.
func NewBusNotifier(b *bus.MessageBus) *BusNotifier {
	return &BusNotifier{bus: b}
}

// Notify implements Notifier.
func (b *BusNotifier) Notify(ctx context.Context, n Notification) {
	b.bus.PublishNotification(&n)
}

// Subscriber adapts n to a bus outbound subscriber so slow sinks run on
// the bus fan-out goroutine instead of the caller's.
func Subscriber(ctx context.Context, n Notifier) func(*bus.Notification) {
	return func(msg *bus.Notification) {
		n.Notify(ctx, *msg)
	}
}

// LogSubscriber writes bus notifications to the structured log.
func LogSubscriber(n *bus.Notification) {
	attrs := []any{"kind", n.Kind, "title", n.Title}
	if n.WorkflowRunID != "" {
		attrs = append(attrs, "workflowRun", n.WorkflowRunID)
	}
	if n.RunID != "" {
		attrs = append(attrs, "run", n.RunID)
	}
	if n.IsError() {
		slog.Warn("Notification", append(attrs, "error", n.Error)...)
		return
	}
	slog.Info("Notification", attrs...)
}
