package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atendezap/atendezap/internal/models"
)

// DefaultProbeInterval is how long a successful availability probe of the
// durable backend is trusted before re-checking.
const DefaultProbeInterval = 30 * time.Second

// Scheduler arms delayed delivery for scheduled messages, choosing between
// the durable queue and the in-process fallback.
//
// The durable backend is preferred whenever its availability probe passes;
// probe results are cached and invalidated on the first enqueue failure, so
// a flapping queue degrades to the fallback path instead of losing
// schedules. Scheduling failures never propagate to the create/update
// callers: the message stays PENDING and the recovery sweeper retries it.
type Scheduler struct {
	durable  Backend
	probe    func(ctx context.Context) error
	fallback Backend

	probeInterval time.Duration

	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
}

// NewScheduler creates a scheduler over an optional durable backend (nil
// means fallback-only) and a required fallback backend. probe reports
// durable availability and may be nil when durable is nil.
func NewScheduler(durable Backend, probe func(ctx context.Context) error, fallback Backend) *Scheduler {
	return &Scheduler{
		durable:       durable,
		probe:         probe,
		fallback:      fallback,
		probeInterval: DefaultProbeInterval,
	}
}

// NewDualScheduler wires a Redis durable backend and an in-process fallback.
func NewDualScheduler(durable *DurableBackend, fallback *FallbackBackend) *Scheduler {
	if durable == nil {
		return NewScheduler(nil, nil, fallback)
	}
	return NewScheduler(durable, durable.Ping, fallback)
}

// Schedule arms delivery of msg at msg.SendAt. It never fails from the
// caller's perspective: errors are logged and the message stays PENDING for
// the recovery sweeper.
func (s *Scheduler) Schedule(ctx context.Context, msg *models.ScheduledMessage) {
	if err := s.arm(ctx, msg); err != nil {
		slog.Error("Scheduler.Schedule: scheduling unavailable, message stays pending", "id", msg.ID, "error", err)
	}
}

// Reschedule cancels any outstanding work for the message (best-effort) and
// arms it again with the updated send time.
func (s *Scheduler) Reschedule(ctx context.Context, msg *models.ScheduledMessage) {
	s.Cancel(ctx, msg.ID)
	s.Schedule(ctx, msg)
}

// Rearm is Schedule with the failure surfaced; used by the recovery sweeper,
// which marks messages ERROR when re-arming fails.
func (s *Scheduler) Rearm(ctx context.Context, msg *models.ScheduledMessage) error {
	return s.arm(ctx, msg)
}

// Cancel removes outstanding work for the message on both paths.
// Best-effort: cancellation failures are logged, never returned.
func (s *Scheduler) Cancel(ctx context.Context, msgID string) {
	if s.durable != nil {
		if err := s.durable.Cancel(ctx, msgID); err != nil {
			slog.Warn("Scheduler.Cancel: durable cancel failed", "id", msgID, "error", err)
		}
	}
	if err := s.fallback.Cancel(ctx, msgID); err != nil {
		slog.Warn("Scheduler.Cancel: fallback cancel failed", "id", msgID, "error", err)
	}
}

func (s *Scheduler) arm(ctx context.Context, msg *models.ScheduledMessage) error {
	if s.durable != nil && s.durableAvailable(ctx) {
		err := s.durable.Enqueue(ctx, msg)
		if err == nil {
			return nil
		}
		slog.Warn("Scheduler.arm: durable enqueue failed, falling back to in-process timer", "id", msg.ID, "error", err)
		s.markUnavailable()
	}
	return s.fallback.Enqueue(ctx, msg)
}

// durableAvailable returns the cached probe result, re-probing when stale.
func (s *Scheduler) durableAvailable(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.checkedAt) < s.probeInterval {
		return s.healthy
	}

	err := error(nil)
	if s.probe != nil {
		err = s.probe(ctx)
	}
	s.healthy = err == nil
	s.checkedAt = time.Now()
	if err != nil {
		slog.Warn("Scheduler: durable backend probe failed", "error", err)
	}
	return s.healthy
}

func (s *Scheduler) markUnavailable() {
	s.mu.Lock()
	s.healthy = false
	s.checkedAt = time.Now()
	s.mu.Unlock()
}
