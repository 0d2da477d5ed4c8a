// Package notify provides the change-notification sink used to push
// scheduled message updates to real-time observers (e.g. the web UI).
//
// Publishing is fire-and-forget: failures are logged and swallowed, never
// surfaced to the delivery path.
package notify

import (
	"context"
	"sync"
)

// Notifier publishes change events to observers.
type Notifier interface {
	// Publish sends payload to all subscribers of topic. Best-effort.
	Publish(ctx context.Context, topic string, payload interface{})
}

// TopicScheduledMessages is the topic scheduled message events are published
// on, suffixed with the company ID for tenant-scoped subscriptions.
const TopicScheduledMessages = "company:scheduled-messages:"

// MemoryNotifier records published events in memory. Used in tests and as
// the default sink when no Redis URL is configured.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded publication.
type Event struct {
	Topic   string
	Payload interface{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Publish(ctx context.Context, topic string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, Event{Topic: topic, Payload: payload})
}

// Events returns a copy of all recorded publications.
func (n *MemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}
