// Package delivery implements the delivery executor and the per-channel
// send serializer for scheduled messages.
package delivery

import (
	"fmt"
	"log/slog"
	"sync"
)

// Serializer guarantees at most one in-flight task per channel at any time.
//
// Each channel has a FIFO chain: a new task waits for the previous task on
// the same channel to settle before running, regardless of which caller
// submitted it. Sending two messages concurrently on the same underlying
// WhatsApp connection corrupts ordering in the connection's own protocol, so
// sends are globally serialized per channel. Chains are self-healing: a
// failed or panicking task never blocks subsequent tasks.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSerializer creates an empty serializer.
func NewSerializer() *Serializer {
	return &Serializer{tails: make(map[string]chan struct{})}
}

// Run executes task after all previously submitted tasks for channelID have
// settled. It blocks the calling goroutine until the task itself settles and
// returns the task's result. Tasks for different channels run independently.
func (s *Serializer) Run(channelID string, task func() error) (err error) {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[channelID]
	s.tails[channelID] = done
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Serializer.Run: task panicked", "channelID", channelID, "panic", r)
			err = fmt.Errorf("serialized task panicked: %v", r)
		}
		close(done)
		// Drop the chain entry once the last task settles so idle channels
		// do not accumulate.
		s.mu.Lock()
		if s.tails[channelID] == done {
			delete(s.tails, channelID)
		}
		s.mu.Unlock()
	}()

	return task()
}

// PendingChannels reports how many channels currently have an active chain.
func (s *Serializer) PendingChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
