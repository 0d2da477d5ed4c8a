package store

import (
	"database/sql"
	"fmt"

	"github.com/atendezap/atendezap/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const scheduledMessageColumns = `id, body, send_at, sent_at, status, contact_id, company_id, user_id, ticket_id, created_at, updated_at`

// scanScheduledMessage scans a ScheduledMessage from sql.Rows.
func scanScheduledMessage(rows *sql.Rows) (models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	var sentAt sql.NullTime
	var userID, ticketID sql.NullString
	var status string
	err := rows.Scan(
		&m.ID, &m.Body, &m.SendAt, &sentAt, &status, &m.ContactID, &m.CompanyID,
		&userID, &ticketID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan scheduled message failed: %w", err)
	}
	m.Status = models.ScheduledMessageStatus(status)
	m.UserID = userID.String
	m.TicketID = ticketID.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return m, nil
}

// scanScheduledMessageRow scans a ScheduledMessage from a single sql.Row.
func scanScheduledMessageRow(row *sql.Row) (models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	var sentAt sql.NullTime
	var userID, ticketID sql.NullString
	var status string
	err := row.Scan(
		&m.ID, &m.Body, &m.SendAt, &sentAt, &status, &m.ContactID, &m.CompanyID,
		&userID, &ticketID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.Status = models.ScheduledMessageStatus(status)
	m.UserID = userID.String
	m.TicketID = ticketID.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return m, nil
}

// scanContactRow scans a Contact from a single sql.Row.
func scanContactRow(row *sql.Row) (models.Contact, error) {
	var c models.Contact
	var groupJID sql.NullString
	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Number, &c.IsGroup, &groupJID, &c.WhatsappID)
	if err != nil {
		return c, err
	}
	c.GroupJID = groupJID.String
	return c, nil
}
