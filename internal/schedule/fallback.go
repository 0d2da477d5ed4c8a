package schedule

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/atendezap/atendezap/internal/models"
)

// Fallback timer policy.
const (
	// FallbackBaseDelay is added to every fallback wait so a burst of
	// schedules created at the same instant never fires exactly together.
	FallbackBaseDelay = 500 * time.Millisecond
	// FallbackJitterRange bounds the deterministic per-message jitter.
	FallbackJitterRange = 500 * time.Millisecond
)

// Compile-time check that FallbackBackend implements Backend.
var _ Backend = (*FallbackBackend)(nil)

// FallbackBackend arms deliveries with in-process one-shot timers, used when
// the durable queue is unreachable or disabled. Timers do not survive a
// restart; the recovery sweeper re-arms anything lost. There is exactly one
// timer per message ID, so re-arming an ID replaces its previous timer.
type FallbackBackend struct {
	deliver DeliverFunc
	abandon AbandonFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewFallbackBackend creates an in-process timer backend.
func NewFallbackBackend(deliver DeliverFunc, abandon AbandonFunc) *FallbackBackend {
	return &FallbackBackend{
		deliver: deliver,
		abandon: abandon,
		timers:  make(map[string]*time.Timer),
	}
}

// Enqueue arms a one-shot timer for the message. The wait is
// max(sendAt-now, 0) + base delay + per-ID jitter; an already-due message
// therefore still fires promptly but bursts are desynchronized. The timer
// fires the executor directly; eligibility guards at fire time are the only
// cancellation check a stale timer gets.
func (b *FallbackBackend) Enqueue(ctx context.Context, msg *models.ScheduledMessage) error {
	delay := time.Until(msg.SendAt)
	if delay < 0 {
		delay = 0
	}
	wait := delay + FallbackBaseDelay + jitter(msg.ID)

	id, companyID := msg.ID, msg.CompanyID
	fire := func() {
		b.mu.Lock()
		delete(b.timers, id)
		b.mu.Unlock()
		if err := b.deliver(context.Background(), id, companyID); err != nil {
			// No further automatic retry on this path.
			slog.Error("FallbackBackend: delivery failed", "id", id, "error", err)
			if b.abandon != nil {
				b.abandon(context.Background(), id, companyID)
			}
		}
	}

	b.mu.Lock()
	if prev, ok := b.timers[id]; ok {
		prev.Stop()
	}
	b.timers[id] = time.AfterFunc(wait, fire)
	b.mu.Unlock()

	slog.Debug("FallbackBackend.Enqueue: timer armed", "id", id, "wait", wait)
	return nil
}

// Cancel stops and removes the timer for the message, if any.
func (b *FallbackBackend) Cancel(ctx context.Context, msgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[msgID]; ok {
		t.Stop()
		delete(b.timers, msgID)
		slog.Debug("FallbackBackend.Cancel: timer stopped", "id", msgID)
	}
	return nil
}

// Stop cancels all armed timers. Called on shutdown.
func (b *FallbackBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	slog.Info("FallbackBackend.Stop: all timers stopped")
}

// ActiveTimers reports how many timers are currently armed.
func (b *FallbackBackend) ActiveTimers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// jitter derives a deterministic sub-second delay from the message ID.
func jitter(id string) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(id))
	return time.Duration(h.Sum32()) % FallbackJitterRange
}
