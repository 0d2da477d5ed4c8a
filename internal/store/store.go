// Package store provides the persistence layer for AtendeZap's scheduled
// message delivery subsystem.
//
// Two backends are supported: PostgreSQL (production) and SQLite (single-node
// deployments and tests). Every read and update is scoped by company ID; a
// cross-tenant lookup behaves exactly like a missing record.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/atendezap/atendezap/internal/models"
)

// ErrNotFound is returned when a record does not exist or belongs to a
// different company. The two cases are deliberately indistinguishable so the
// store never acts as a cross-tenant existence oracle.
var ErrNotFound = errors.New("record not found")

// ErrDelivered is returned when an update targets a message that has already
// been sent. The guard lives in the store so a stale update racing a
// delivery can never rewind a SENT record.
var ErrDelivered = errors.New("record already delivered")

// ScheduledMessageRepo defines persistence for scheduled messages.
type ScheduledMessageRepo interface {
	// CreateScheduledMessage inserts a new scheduled message.
	CreateScheduledMessage(m *models.ScheduledMessage) error

	// GetScheduledMessage retrieves a message by ID within a company.
	// Returns ErrNotFound on unknown ID or company mismatch.
	GetScheduledMessage(id, companyID string) (*models.ScheduledMessage, error)

	// UpdateScheduledMessage persists body, send time and status changes.
	// Only unsent records are updatable: a record with sentAt set is
	// immutable and the update fails with ErrDelivered. Returns ErrNotFound
	// on unknown ID or company mismatch.
	UpdateScheduledMessage(m *models.ScheduledMessage) error

	// MarkScheduledMessageSent transitions a message from PENDING to SENT and
	// records sentAt and the ticket it was attached to. The transition only
	// happens if the message is still PENDING and unsent; the returned bool
	// reports whether this call performed it. A false return with nil error
	// means another path already settled the message.
	MarkScheduledMessageSent(id, companyID string, sentAt time.Time, ticketID string) (bool, error)

	// MarkScheduledMessageError transitions a PENDING message to ERROR.
	MarkScheduledMessageError(id, companyID string) error

	// ListPendingScheduledMessages returns all PENDING, unsent messages whose
	// send time is at or after oldest, across all companies. Used by the
	// recovery sweeper with a bounded lookback window.
	ListPendingScheduledMessages(oldest time.Time) ([]models.ScheduledMessage, error)
}

// ContactRepo defines the contact reads and the single write-back this
// subsystem performs.
type ContactRepo interface {
	// GetContact retrieves a contact by ID within a company.
	// Returns ErrNotFound on unknown ID or company mismatch.
	GetContact(id, companyID string) (*models.Contact, error)

	// UpdateContactGroupJID persists a resolved group identifier so future
	// deliveries skip the lookup-by-name fallback.
	UpdateContactGroupJID(id, companyID, groupJID string) error
}

// TicketRepo defines ticket resolution for delivery.
type TicketRepo interface {
	// FindOrCreateTicket returns an existing non-closed ticket for the
	// contact on the given channel, creating one if none exists.
	FindOrCreateTicket(contactID, companyID, whatsappID string) (*models.Ticket, error)
}

// MessageRepo defines persistence for delivered outbound messages.
type MessageRepo interface {
	CreateMessage(m *models.Message) error
}

// Store combines all persistence concerns of the delivery subsystem.
type Store interface {
	ScheduledMessageRepo
	ContactRepo
	TicketRepo
	MessageRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-looking connection strings
// and "sqlite" otherwise (plain file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
