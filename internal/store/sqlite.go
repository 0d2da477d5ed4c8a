// Package store provides storage backends for AtendeZap.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateScheduledMessage(m *models.ScheduledMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_messages (id, body, send_at, sent_at, status, contact_id, company_id, user_id, ticket_id, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Body, m.SendAt, string(m.Status), m.ContactID, m.CompanyID,
		nilIfEmpty(m.UserID), nilIfEmpty(m.TicketID), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled message failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateScheduledMessage", "id", m.ID, "sendAt", m.SendAt)
	return nil
}

func (s *SQLiteStore) GetScheduledMessage(id, companyID string) (*models.ScheduledMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+scheduledMessageColumns+` FROM scheduled_messages WHERE id = ? AND company_id = ?`,
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

func (s *SQLiteStore) UpdateScheduledMessage(m *models.ScheduledMessage) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE scheduled_messages SET body = ?, send_at = ?, status = ?, updated_at = ?
		 WHERE id = ? AND company_id = ? AND sent_at IS NULL`,
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

func (s *SQLiteStore) MarkScheduledMessageSent(id, companyID string, sentAt time.Time, ticketID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = ?, sent_at = ?, ticket_id = ?, updated_at = ?
		 WHERE id = ? AND company_id = ? AND status = ? AND sent_at IS NULL`,
		string(models.ScheduledStatusSent), sentAt, nilIfEmpty(ticketID), sentAt,
		id, companyID, string(models.ScheduledStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark scheduled message sent failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkScheduledMessageError(id, companyID string) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = ?, updated_at = ?
		 WHERE id = ? AND company_id = ? AND status = ? AND sent_at IS NULL`,
		string(models.ScheduledStatusError), time.Now(), id, companyID, string(models.ScheduledStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark scheduled message error failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingScheduledMessages(oldest time.Time) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+scheduledMessageColumns+` FROM scheduled_messages
		 WHERE status = ? AND sent_at IS NULL AND send_at >= ?
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

func (s *SQLiteStore) GetContact(id, companyID string) (*models.Contact, error) {
	row := s.db.QueryRow(
		`SELECT id, company_id, name, number, is_group, group_jid, whatsapp_id
		 FROM contacts WHERE id = ? AND company_id = ?`,
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

func (s *SQLiteStore) UpdateContactGroupJID(id, companyID, groupJID string) error {
	res, err := s.db.Exec(
		`UPDATE contacts SET group_jid = ? WHERE id = ? AND company_id = ?`,
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

func (s *SQLiteStore) FindOrCreateTicket(contactID, companyID, whatsappID string) (*models.Ticket, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, company_id, whatsapp_id, status, created_at FROM tickets
		 WHERE contact_id = ? AND company_id = ? AND whatsapp_id = ? AND status != ?
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
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContactID, t.CompanyID, t.WhatsappID, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create ticket failed: %w", err)
	}
	slog.Debug("SQLiteStore.FindOrCreateTicket: created ticket", "id", t.ID, "contactID", contactID)
	return &t, nil
}

func (s *SQLiteStore) CreateMessage(m *models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, ticket_id, company_id, contact_id, body, from_me, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TicketID, m.CompanyID, m.ContactID, m.Body, m.FromMe, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
