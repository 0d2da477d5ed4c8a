// Package store provides storage backends for AtendeZap.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateScheduledMessage(m *models.ScheduledMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_messages (id, body, send_at, sent_at, status, contact_id, company_id, user_id, ticket_id, created_at, updated_at)
		 VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.Body, m.SendAt, string(m.Status), m.ContactID, m.CompanyID,
		nilIfEmpty(m.UserID), nilIfEmpty(m.TicketID), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled message failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateScheduledMessage", "id", m.ID, "sendAt", m.SendAt)
	return nil
}

func (s *PostgresStore) GetScheduledMessage(id, companyID string) (*models.ScheduledMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+scheduledMessageColumns+` FROM scheduled_messages WHERE id = $1 AND company_id = $2`,
		id, companyID,
	)
	m, err := scanScheduledMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled message failed: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpdateScheduledMessage(m *models.ScheduledMessage) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE scheduled_messages SET body = $1, send_at = $2, status = $3, updated_at = $4
		 WHERE id = $5 AND company_id = $6 AND sent_at IS NULL`,
		m.Body, m.SendAt, string(m.Status), now, m.ID, m.CompanyID,
	)
	if err != nil {
		return fmt.Errorf("update scheduled message failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if existing, err := s.GetScheduledMessage(m.ID, m.CompanyID); err == nil && existing.Delivered() {
			return ErrDelivered
		}
		return ErrNotFound
	}
	m.UpdatedAt = now
	return nil
}

func (s *PostgresStore) MarkScheduledMessageSent(id, companyID string, sentAt time.Time, ticketID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = $1, sent_at = $2, ticket_id = $3, updated_at = $4
		 WHERE id = $5 AND company_id = $6 AND status = $7 AND sent_at IS NULL`,
		string(models.ScheduledStatusSent), sentAt, nilIfEmpty(ticketID), sentAt,
		id, companyID, string(models.ScheduledStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark scheduled message sent failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) MarkScheduledMessageError(id, companyID string) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = $1, updated_at = $2
		 WHERE id = $3 AND company_id = $4 AND status = $5 AND sent_at IS NULL`,
		string(models.ScheduledStatusError), time.Now(), id, companyID, string(models.ScheduledStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark scheduled message error failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingScheduledMessages(oldest time.Time) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+scheduledMessageColumns+` FROM scheduled_messages
		 WHERE status = $1 AND sent_at IS NULL AND send_at >= $2
		 ORDER BY send_at ASC`,
		string(models.ScheduledStatusPending), oldest,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending scheduled messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending scheduled messages iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) GetContact(id, companyID string) (*models.Contact, error) {
	row := s.db.QueryRow(
		`SELECT id, company_id, name, number, is_group, group_jid, whatsapp_id
		 FROM contacts WHERE id = $1 AND company_id = $2`,
		id, companyID,
	)
	c, err := scanContactRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact failed: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateContactGroupJID(id, companyID, groupJID string) error {
	res, err := s.db.Exec(
		`UPDATE contacts SET group_jid = $1 WHERE id = $2 AND company_id = $3`,
		groupJID, id, companyID,
	)
	if err != nil {
		return fmt.Errorf("update contact group jid failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindOrCreateTicket(contactID, companyID, whatsappID string) (*models.Ticket, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, company_id, whatsapp_id, status, created_at FROM tickets
		 WHERE contact_id = $1 AND company_id = $2 AND whatsapp_id = $3 AND status != $4
		 ORDER BY created_at DESC LIMIT 1`,
		contactID, companyID, whatsappID, string(models.TicketStatusClosed),
	)
	var t models.Ticket
	var status string
	err := row.Scan(&t.ID, &t.ContactID, &t.CompanyID, &t.WhatsappID, &status, &t.CreatedAt)
	if err == nil {
		t.Status = models.TicketStatus(status)
		return &t, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("find ticket failed: %w", err)
	}

	t = models.Ticket{
		ID:         util.GenerateTicketID(),
		ContactID:  contactID,
		CompanyID:  companyID,
		WhatsappID: whatsappID,
		Status:     models.TicketStatusPending,
		CreatedAt:  time.Now(),
	}
	_, err = s.db.Exec(
		`INSERT INTO tickets (id, contact_id, company_id, whatsapp_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.ContactID, t.CompanyID, t.WhatsappID, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create ticket failed: %w", err)
	}
	slog.Debug("PostgresStore.FindOrCreateTicket: created ticket", "id", t.ID, "contactID", contactID)
	return &t, nil
}

func (s *PostgresStore) CreateMessage(m *models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, ticket_id, company_id, contact_id, body, from_me, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.TicketID, m.CompanyID, m.ContactID, m.Body, m.FromMe, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
