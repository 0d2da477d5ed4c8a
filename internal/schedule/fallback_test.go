package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// deliveryRecorder captures deliver and abandon invocations.
type deliveryRecorder struct {
	mu        sync.Mutex
	delivered []string
	abandoned []string
	err       error
	fired     chan string
}

func newDeliveryRecorder() *deliveryRecorder {
	return &deliveryRecorder{fired: make(chan string, 16)}
}

func (r *deliveryRecorder) deliver(ctx context.Context, id, companyID string) error {
	r.mu.Lock()
	r.delivered = append(r.delivered, id)
	err := r.err
	r.mu.Unlock()
	r.fired <- id
	return err
}

func (r *deliveryRecorder) abandon(ctx context.Context, id, companyID string) {
	r.mu.Lock()
	r.abandoned = append(r.abandoned, id)
	r.mu.Unlock()
}

func (r *deliveryRecorder) deliverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func (r *deliveryRecorder) abandonedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.abandoned))
	copy(out, r.abandoned)
	return out
}

func waitForFire(t *testing.T, r *deliveryRecorder, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-r.fired:
		return id
	case <-time.After(timeout):
		t.Fatal("Timer did not fire in time")
		return ""
	}
}

func TestFallback_DueMessageFires(t *testing.T) {
	rec := newDeliveryRecorder()
	b := NewFallbackBackend(rec.deliver, rec.abandon)
	defer b.Stop()

	msg := testMessage("sm_1")
	msg.SendAt = time.Now().Add(-time.Minute)
	if err := b.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Wait = base delay + per-ID jitter, both sub-second.
	if id := waitForFire(t, rec, 3*time.Second); id != "sm_1" {
		t.Errorf("Expected sm_1 to fire, got %q", id)
	}
	if n := b.ActiveTimers(); n != 0 {
		t.Errorf("Expected no armed timers after fire, got %d", n)
	}
}

func TestFallback_FailedDeliveryIsAbandoned(t *testing.T) {
	rec := newDeliveryRecorder()
	rec.err = errors.New("send failed")
	b := NewFallbackBackend(rec.deliver, rec.abandon)
	defer b.Stop()

	msg := testMessage("sm_1")
	msg.SendAt = time.Now().Add(-time.Minute)
	if err := b.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForFire(t, rec, 3*time.Second)

	// Abandon runs right after deliver returns; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.abandonedIDs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := rec.abandonedIDs(); len(got) != 1 || got[0] != "sm_1" {
		t.Errorf("Expected sm_1 to be abandoned, got %v", got)
	}
}

func TestFallback_CancelPreventsFire(t *testing.T) {
	rec := newDeliveryRecorder()
	b := NewFallbackBackend(rec.deliver, rec.abandon)
	defer b.Stop()

	msg := testMessage("sm_1")
	msg.SendAt = time.Now().Add(-time.Minute)
	if err := b.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := b.Cancel(context.Background(), "sm_1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case id := <-rec.fired:
		t.Errorf("Cancelled timer fired for %q", id)
	case <-time.After(2 * time.Second):
	}
	if n := b.ActiveTimers(); n != 0 {
		t.Errorf("Expected no armed timers after cancel, got %d", n)
	}
}

func TestFallback_ReenqueueReplacesTimer(t *testing.T) {
	rec := newDeliveryRecorder()
	b := NewFallbackBackend(rec.deliver, rec.abandon)
	defer b.Stop()

	msg := testMessage("sm_1")
	msg.SendAt = time.Now().Add(time.Hour)
	if err := b.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if n := b.ActiveTimers(); n != 1 {
		t.Fatalf("Expected 1 armed timer, got %d", n)
	}

	msg.SendAt = time.Now().Add(-time.Minute)
	if err := b.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Re-enqueue failed: %v", err)
	}
	if n := b.ActiveTimers(); n != 1 {
		t.Fatalf("Expected the timer to be replaced, got %d armed", n)
	}

	waitForFire(t, rec, 3*time.Second)
	// The far-future original must not fire a second time.
	if n := rec.deliverCount(); n != 1 {
		t.Errorf("Expected exactly 1 delivery, got %d", n)
	}
}

func TestFallback_StopCancelsEverything(t *testing.T) {
	rec := newDeliveryRecorder()
	b := NewFallbackBackend(rec.deliver, rec.abandon)

	for _, id := range []string{"sm_1", "sm_2", "sm_3"} {
		msg := testMessage(id)
		msg.SendAt = time.Now().Add(time.Hour)
		if err := b.Enqueue(context.Background(), msg); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	b.Stop()
	if n := b.ActiveTimers(); n != 0 {
		t.Errorf("Expected no armed timers after Stop, got %d", n)
	}
}

func TestJitter_DeterministicPerID(t *testing.T) {
	a, b := jitter("sm_abc"), jitter("sm_abc")
	if a != b {
		t.Errorf("Expected stable jitter for one ID, got %v and %v", a, b)
	}
	if a < 0 || a >= FallbackJitterRange {
		t.Errorf("Jitter %v outside [0, %v)", a, FallbackJitterRange)
	}
}
