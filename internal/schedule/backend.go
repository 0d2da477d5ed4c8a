package schedule

import (
	"context"

	"github.com/atendezap/atendezap/internal/models"
)

// DeliverFunc performs one delivery attempt for a scheduled message.
// Implemented by the delivery executor; ineligible messages are no-ops so
// double-firing across backends is harmless.
type DeliverFunc func(ctx context.Context, id, companyID string) error

// AbandonFunc marks a scheduled message as failed once no further automatic
// retry will happen.
type AbandonFunc func(ctx context.Context, id, companyID string)

// Backend arms delayed execution for a scheduled message. Two
// implementations exist: DurableBackend (external Redis queue with retry,
// survives restarts) and FallbackBackend (in-process timers, lost on crash
// and re-armed by the recovery sweeper).
type Backend interface {
	// Enqueue arms delivery of msg at msg.SendAt. Enqueueing an already-due
	// message arms it for immediate processing rather than dropping it.
	Enqueue(ctx context.Context, msg *models.ScheduledMessage) error

	// Cancel removes any outstanding work for the message. Best-effort:
	// absence of the job is not an error.
	Cancel(ctx context.Context, msgID string) error
}
