package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/store"
)

// Sweeper defaults.
const (
	// DefaultSweepInterval is how often the sweeper re-arms pending messages.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultSweepWindow bounds how far back the sweeper looks, so ancient
	// abandoned schedules are not resurrected.
	DefaultSweepWindow = 24 * time.Hour
)

// rearmer is the slice of the scheduler the sweeper needs.
type rearmer interface {
	Rearm(ctx context.Context, msg *models.ScheduledMessage) error
}

// Sweeper periodically re-arms every PENDING, unsent scheduled message with
// a send time inside the lookback window. In-process timers and per-channel
// chains do not survive a crash; the sweeper is what makes the system as a
// whole restart-resilient. Messages that cannot be re-armed are marked ERROR
// so they surface to operators instead of silently vanishing.
type Sweeper struct {
	store  store.ScheduledMessageRepo
	sched  rearmer
	window time.Duration
	cron   *cron.Cron
}

// NewSweeper creates a recovery sweeper over the store and scheduler.
func NewSweeper(st store.ScheduledMessageRepo, sched rearmer) *Sweeper {
	return &Sweeper{
		store:  st,
		sched:  sched,
		window: DefaultSweepWindow,
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}
}

// Start runs one immediate sweep (startup recovery) and then sweeps on the
// given interval until Stop is called.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s.Sweep(ctx)
	_, err := s.cron.AddFunc("@every "+interval.String(), func() { s.Sweep(context.Background()) })
	if err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Sweeper.Start: recovery sweeper running", "interval", interval, "window", s.window)
	return nil
}

// Stop stops the periodic sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep performs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	oldest := time.Now().Add(-s.window)
	msgs, err := s.store.ListPendingScheduledMessages(oldest)
	if err != nil {
		slog.Error("Sweeper.Sweep: listing pending messages failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	rearmed, failed := 0, 0
	for i := range msgs {
		msg := &msgs[i]
		if err := s.sched.Rearm(ctx, msg); err != nil {
			slog.Error("Sweeper.Sweep: re-arm failed, marking message ERROR", "id", msg.ID, "error", err)
			if markErr := s.store.MarkScheduledMessageError(msg.ID, msg.CompanyID); markErr != nil {
				slog.Error("Sweeper.Sweep: mark error failed", "id", msg.ID, "error", markErr)
			}
			failed++
			continue
		}
		rearmed++
	}
	slog.Info("Sweeper.Sweep: pass completed", "rearmed", rearmed, "failed", failed)
}
