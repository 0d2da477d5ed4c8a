package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/notify"
	"github.com/atendezap/atendezap/internal/store"
	"github.com/atendezap/atendezap/internal/util"
)

// ErrAlreadyDelivered is returned when an update is attempted on a message
// that has already been sent.
var ErrAlreadyDelivered = errors.New("scheduled message already delivered")

// ErrInvalidBody is returned when the message body violates the length
// bounds.
var ErrInvalidBody = errors.New("invalid message body")

// Body length bounds. The minimum applies at creation.
const (
	MinBodyChars = 5
	MaxBodyChars = 4096
)

// CreateScheduleRequest carries the client input for a new scheduled message.
type CreateScheduleRequest struct {
	Body      string `json:"body"`
	SendAt    string `json:"sendAt"`
	ContactID string `json:"contactId"`
	CompanyID string `json:"companyId"`
	UserID    string `json:"userId,omitempty"`
}

// UpdateSchedulePatch carries the mutable fields of a scheduled message.
// Nil fields are left unchanged.
type UpdateSchedulePatch struct {
	Body   *string `json:"body,omitempty"`
	SendAt *string `json:"sendAt,omitempty"`
}

// Service implements the exposed scheduling operations: create, update and
// get. All three enforce tenant isolation by company ID. The scheduling
// side-effect is absorbed: a created or updated schedule never fails merely
// because arming it failed.
type Service struct {
	store    store.Store
	norm     *Normalizer
	sched    *Scheduler
	notifier notify.Notifier

	// now is replaceable for tests.
	now func() time.Time
}

// NewService creates the scheduling service.
func NewService(st store.Store, norm *Normalizer, sched *Scheduler, notifier notify.Notifier) *Service {
	return &Service{
		store:    st,
		norm:     norm,
		sched:    sched,
		notifier: notifier,
		now:      time.Now,
	}
}

// CreateSchedule validates the request, normalizes the send time, persists
// the message in PENDING and arms delivery.
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*models.ScheduledMessage, error) {
	if err := validateBody(req.Body, true); err != nil {
		return nil, err
	}

	// The contact lookup doubles as the tenant check.
	if _, err := s.store.GetContact(req.ContactID, req.CompanyID); err != nil {
		return nil, err
	}

	now := s.now()
	sendAt, err := s.norm.Normalize(req.SendAt, now)
	if err != nil {
		return nil, err
	}

	msg := &models.ScheduledMessage{
		ID:        util.GenerateScheduleID(),
		Body:      req.Body,
		SendAt:    sendAt,
		Status:    models.ScheduledStatusPending,
		ContactID: req.ContactID,
		CompanyID: req.CompanyID,
		UserID:    req.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateScheduledMessage(msg); err != nil {
		return nil, fmt.Errorf("persist scheduled message: %w", err)
	}

	s.sched.Schedule(ctx, msg)
	s.publish(ctx, models.EventActionCreate, msg)
	slog.Info("Service.CreateSchedule: scheduled", "id", msg.ID, "sendAt", msg.SendAt, "companyID", msg.CompanyID)
	return msg, nil
}

// UpdateSchedule applies a patch to a not-yet-delivered message. Updating
// the send time of an ERROR message re-arms it: the status resets to
// PENDING and any outstanding job for the old time is cancelled.
func (s *Service) UpdateSchedule(ctx context.Context, id, companyID string, patch UpdateSchedulePatch) (*models.ScheduledMessage, error) {
	msg, err := s.store.GetScheduledMessage(id, companyID)
	if err != nil {
		return nil, err
	}
	if msg.Delivered() {
		return nil, ErrAlreadyDelivered
	}

	if patch.Body != nil {
		if err := validateBody(*patch.Body, false); err != nil {
			return nil, err
		}
		msg.Body = *patch.Body
	}

	rearmed := false
	if patch.SendAt != nil {
		sendAt, err := s.norm.Normalize(*patch.SendAt, s.now())
		if err != nil {
			return nil, err
		}
		msg.SendAt = sendAt
		msg.Status = models.ScheduledStatusPending
		rearmed = true
	}

	if err := s.store.UpdateScheduledMessage(msg); err != nil {
		// The store re-checks delivery under its own write, closing the race
		// between the eligibility check above and a concurrent send.
		if errors.Is(err, store.ErrDelivered) {
			return nil, ErrAlreadyDelivered
		}
		return nil, fmt.Errorf("persist schedule update: %w", err)
	}

	if rearmed {
		s.sched.Reschedule(ctx, msg)
	}
	s.publish(ctx, models.EventActionUpdate, msg)
	slog.Info("Service.UpdateSchedule: updated", "id", msg.ID, "sendAt", msg.SendAt, "rearmed", rearmed)
	return msg, nil
}

// GetSchedule retrieves a message within a company.
func (s *Service) GetSchedule(ctx context.Context, id, companyID string) (*models.ScheduledMessage, error) {
	return s.store.GetScheduledMessage(id, companyID)
}

func (s *Service) publish(ctx context.Context, action string, msg *models.ScheduledMessage) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, notify.TopicScheduledMessages+msg.CompanyID, models.ScheduledMessageEvent{
		Action:  action,
		Message: msg,
	})
}

func validateBody(body string, creating bool) error {
	n := utf8.RuneCountInString(body)
	if n == 0 || n > MaxBodyChars {
		return fmt.Errorf("%w: length %d outside 1..%d", ErrInvalidBody, n, MaxBodyChars)
	}
	if creating && n < MinBodyChars {
		return fmt.Errorf("%w: length %d below minimum %d", ErrInvalidBody, n, MinBodyChars)
	}
	return nil
}
