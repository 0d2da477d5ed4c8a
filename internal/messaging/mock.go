package messaging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SentRecord captures one SendMessage call made against MockSender, with
// start and end timestamps so tests can assert that sends on a channel never
// overlap.
type SentRecord struct {
	To      string
	Body    string
	Started time.Time
	Ended   time.Time
}

// MockSender implements Sender for tests. In tests, use NewMockSender instead
// of a real client to avoid WhatsApp connections.
type MockSender struct {
	mu   sync.Mutex
	sent []SentRecord

	// SendErr, when non-nil, is returned by SendMessage.
	SendErr error
	// SendDelay artificially lengthens each send, to surface overlap.
	SendDelay time.Duration
	// ResolveGroupFunc, when set, overrides ResolveGroup.
	ResolveGroupFunc func(ctx context.Context, name string) (string, error)
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	start := time.Now()
	if m.SendDelay > 0 {
		select {
		case <-time.After(m.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, SentRecord{To: to, Body: body, Started: start, Ended: time.Now()})
	m.mu.Unlock()
	return m.SendErr
}

func (m *MockSender) ResolveGroup(ctx context.Context, name string) (string, error) {
	if m.ResolveGroupFunc != nil {
		return m.ResolveGroupFunc(ctx, name)
	}
	return "", errors.New("mock sender: no group resolver configured")
}

// Sent returns a copy of all recorded sends.
func (m *MockSender) Sent() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.sent))
	copy(out, m.sent)
	return out
}
