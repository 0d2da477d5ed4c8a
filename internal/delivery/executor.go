package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/atendezap/atendezap/internal/messaging"
	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/notify"
	"github.com/atendezap/atendezap/internal/store"
	"github.com/atendezap/atendezap/internal/util"
)

// DefaultSendTimeout bounds how long one send may block a channel's chain,
// independent of any transport-level timeout.
const DefaultSendTimeout = 30 * time.Second

// GroupIDPolicy decides whether a stored identifier is already a structural
// group ID and, when it is, returns the canonical send address for it. When
// it is not, the executor falls back to a lookup by name and persists the
// result. The rule is injectable because the true addressing scheme belongs
// to the external channel.
type GroupIDPolicy func(id string) (string, bool)

// defaultGroupIDPattern matches WhatsApp structural group identifiers,
// with or without the @g.us suffix.
var defaultGroupIDPattern = regexp.MustCompile(`^\d+(-\d+)?(@g\.us)?$`)

const groupJIDSuffix = "@g.us"

// DefaultGroupIDPolicy is the standard structural-ID check. Bare structural
// IDs get the group suffix appended so they address the group, not a user.
func DefaultGroupIDPolicy(id string) (string, bool) {
	if !defaultGroupIDPattern.MatchString(id) {
		return "", false
	}
	if !strings.Contains(id, "@") {
		id += groupJIDSuffix
	}
	return id, true
}

// Executor performs one delivery attempt for a scheduled message. It is the
// single choke point guarding against duplicate or late sends: every firing
// path (durable job, fallback timer, recovery sweep) funnels through Deliver,
// and the persisted record's sentAt/status is the authoritative exclusion
// check, re-verified inside the channel's serialized chain immediately
// before the send. Double-firing is therefore harmless even when the fires
// are concurrent.
type Executor struct {
	store       store.Store
	sender      messaging.Sender
	serializer  *Serializer
	notifier    notify.Notifier
	groupPolicy GroupIDPolicy
	sendTimeout time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGroupIDPolicy overrides the structural group-ID check.
func WithGroupIDPolicy(p GroupIDPolicy) ExecutorOption {
	return func(e *Executor) {
		e.groupPolicy = p
	}
}

// WithSendTimeout overrides the per-send timeout.
func WithSendTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.sendTimeout = d
	}
}

// WithClock overrides the executor's time source (tests only).
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates a delivery executor.
func NewExecutor(st store.Store, sender messaging.Sender, ser *Serializer, notifier notify.Notifier, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:       st,
		sender:      sender,
		serializer:  ser,
		notifier:    notifier,
		groupPolicy: DefaultGroupIDPolicy,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver performs exactly one delivery attempt for the given scheduled
// message. Ineligible messages (missing, already sent, not pending, not yet
// due) are silent no-ops; this is also the de-facto cancellation mechanism
// for stale fallback timers. A failed attempt is returned to the caller and
// the record stays PENDING so the durable job layer can retry; the firing
// path calls Fail when no further retry will happen. The executor itself
// never loops.
func (e *Executor) Deliver(ctx context.Context, id, companyID string) error {
	msg, err := e.store.GetScheduledMessage(id, companyID)
	if err == store.ErrNotFound {
		slog.Debug("Executor.Deliver: message gone, skipping", "id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scheduled message %s: %w", id, err)
	}

	if msg.Delivered() {
		slog.Debug("Executor.Deliver: already delivered, skipping", "id", id, "sentAt", msg.SentAt)
		return nil
	}
	if msg.Status != models.ScheduledStatusPending {
		slog.Debug("Executor.Deliver: not pending, skipping", "id", id, "status", msg.Status)
		return nil
	}
	now := e.now()
	if now.Before(msg.SendAt) {
		slog.Debug("Executor.Deliver: not yet due, skipping", "id", id, "sendAt", msg.SendAt)
		return nil
	}

	contact, err := e.store.GetContact(msg.ContactID, msg.CompanyID)
	if err != nil {
		return fmt.Errorf("resolve contact %s: %w", msg.ContactID, err)
	}

	address, err := e.resolveAddress(ctx, contact)
	if err != nil {
		return fmt.Errorf("resolve address for contact %s: %w", contact.ID, err)
	}

	sendErr := e.serializer.Run(contact.WhatsappID, func() error {
		// The guards above ran before this task reached the front of the
		// channel's chain; a competing fire (durable job plus a stale
		// fallback timer) may have settled the message in the meantime.
		// Re-checking here, under the chain, makes the guard and the send
		// atomic per channel.
		current, err := e.store.GetScheduledMessage(id, companyID)
		if err == store.ErrNotFound {
			slog.Debug("Executor.Deliver: message gone while queued, skipping", "id", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reload scheduled message %s: %w", id, err)
		}
		if current.Delivered() || current.Status != models.ScheduledStatusPending {
			slog.Debug("Executor.Deliver: settled while queued, skipping", "id", id, "status", current.Status)
			return nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		if err := e.sender.SendMessage(sendCtx, address, current.Body); err != nil {
			return err
		}
		e.recordDelivery(ctx, current, contact)
		return nil
	})
	if sendErr != nil {
		slog.Error("Executor.Deliver: send failed", "id", id, "channel", contact.WhatsappID, "error", sendErr)
		return fmt.Errorf("send scheduled message %s: %w", id, sendErr)
	}
	return nil
}

// resolveAddress computes the destination address. For groups with a
// non-structural stored identifier it asks the channel for the real group ID
// by name and persists it back onto the contact so the lookup is not
// repeated.
func (e *Executor) resolveAddress(ctx context.Context, contact *models.Contact) (string, error) {
	if !contact.IsGroup {
		return contact.Number, nil
	}

	jid := contact.GroupJID
	if jid != "" {
		if address, ok := e.groupPolicy(jid); ok {
			return address, nil
		}
	}

	name := contact.Name
	if jid != "" {
		// A non-structural stored identifier is treated as a display name.
		name = jid
	}
	resolved, err := e.sender.ResolveGroup(ctx, name)
	if err != nil {
		return "", err
	}
	if err := e.store.UpdateContactGroupJID(contact.ID, contact.CompanyID, resolved); err != nil {
		slog.Warn("Executor.resolveAddress: failed to persist resolved group JID", "contactID", contact.ID, "error", err)
	}
	return resolved, nil
}

// recordDelivery persists the outcome of a successful send: the outbound
// message record, the SENT transition, and the change notification.
func (e *Executor) recordDelivery(ctx context.Context, msg *models.ScheduledMessage, contact *models.Contact) {
	sentAt := e.now()

	ticketID := ""
	ticket, err := e.store.FindOrCreateTicket(contact.ID, msg.CompanyID, contact.WhatsappID)
	if err != nil {
		slog.Warn("Executor.recordDelivery: ticket resolution failed", "id", msg.ID, "error", err)
	} else {
		ticketID = ticket.ID
	}

	transitioned, err := e.store.MarkScheduledMessageSent(msg.ID, msg.CompanyID, sentAt, ticketID)
	if err != nil {
		slog.Error("Executor.recordDelivery: mark sent failed", "id", msg.ID, "error", err)
		return
	}
	if !transitioned {
		// A competing path outside this channel's chain settled the message
		// after the serialized re-check. The send already happened, so just
		// leave the record.
		slog.Warn("Executor.recordDelivery: message settled concurrently", "id", msg.ID)
		return
	}

	if ticketID != "" {
		record := &models.Message{
			ID:        util.GenerateMessageID(),
			TicketID:  ticketID,
			CompanyID: msg.CompanyID,
			ContactID: contact.ID,
			Body:      msg.Body,
			FromMe:    true,
			SentAt:    sentAt,
		}
		if err := e.store.CreateMessage(record); err != nil {
			slog.Error("Executor.recordDelivery: persist outbound message failed", "id", msg.ID, "error", err)
		}
	}

	msg.Status = models.ScheduledStatusSent
	msg.SentAt = &sentAt
	msg.TicketID = ticketID
	e.publish(ctx, msg)
	slog.Info("Executor.Deliver: delivered", "id", msg.ID, "ticketID", ticketID, "channel", contact.WhatsappID)
}

// Fail transitions a still-pending message to ERROR and notifies observers.
// Invoked by the firing path once delivery is abandoned: immediately after a
// fallback-timer attempt fails, or after the durable backend exhausts its
// retries. An ERROR record surfaces to operators and can be re-armed by the
// user rescheduling it.
func (e *Executor) Fail(ctx context.Context, id, companyID string) {
	if err := e.store.MarkScheduledMessageError(id, companyID); err != nil {
		slog.Error("Executor.Fail: mark error failed", "id", id, "error", err)
		return
	}
	msg, err := e.store.GetScheduledMessage(id, companyID)
	if err != nil {
		slog.Debug("Executor.Fail: message gone after error mark", "id", id)
		return
	}
	e.publish(ctx, msg)
}

func (e *Executor) publish(ctx context.Context, msg *models.ScheduledMessage) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(ctx, notify.TopicScheduledMessages+msg.CompanyID, models.ScheduledMessageEvent{
		Action:  models.EventActionUpdate,
		Message: msg,
	})
}
