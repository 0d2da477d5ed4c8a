// Package models defines the shared data types for AtendeZap.
//
// It includes the scheduled message entity, the contact and ticket references
// it points into, and the change-notification event envelope.
package models

import "time"

// ScheduledMessageStatus represents the lifecycle state of a scheduled message.
type ScheduledMessageStatus string

const (
	// ScheduledStatusPending is the only state from which delivery may be attempted.
	ScheduledStatusPending ScheduledMessageStatus = "PENDING"
	// ScheduledStatusSent is terminal; SentAt is set exactly once on transition.
	ScheduledStatusSent ScheduledMessageStatus = "SENT"
	// ScheduledStatusError marks an exhausted or fatal delivery attempt. The
	// record may be re-armed by updating SendAt, which resets it to PENDING.
	ScheduledStatusError ScheduledMessageStatus = "ERROR"
)

// ScheduledMessage is the persisted record for a message created to be sent
// later. It is the single source of truth shared by the scheduler, the
// delivery executor and the recovery sweeper; SentAt is the authoritative
// "already delivered" guard.
type ScheduledMessage struct {
	ID        string                 `json:"id"`
	Body      string                 `json:"body"`
	SendAt    time.Time              `json:"sendAt"`
	SentAt    *time.Time             `json:"sentAt,omitempty"`
	Status    ScheduledMessageStatus `json:"status"`
	ContactID string                 `json:"contactId"`
	CompanyID string                 `json:"companyId"`
	UserID    string                 `json:"userId,omitempty"`
	// TicketID is populated after the first successful send, pointing at the
	// ticket the delivery was attached to.
	TicketID  string    `json:"ticketId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Delivered reports whether the message has already been sent.
func (m *ScheduledMessage) Delivered() bool {
	return m.SentAt != nil
}

// Contact is the addressing reference a scheduled message points at. It is
// owned by the contact domain; this subsystem only reads it and writes back
// the resolved group identifier.
type Contact struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Name      string `json:"name"`
	// Number is the individual address (phone number) for non-group contacts.
	Number  string `json:"number"`
	IsGroup bool   `json:"isGroup"`
	// GroupJID holds the structural group identifier once resolved. For
	// imported contacts it may initially hold a display name instead.
	GroupJID string `json:"groupJid,omitempty"`
	// WhatsappID identifies the outbound channel (connection) sends for this
	// contact are serialized on.
	WhatsappID string `json:"whatsappId"`
}

// Address returns the destination the external send capability expects.
func (c *Contact) Address() string {
	if c.IsGroup {
		return c.GroupJID
	}
	return c.Number
}

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusClosed  TicketStatus = "closed"
)

// Ticket is the conversation record a delivered message is attached to.
// Tickets are owned by the ticket domain; this subsystem only finds or
// creates one at delivery time.
type Ticket struct {
	ID         string       `json:"id"`
	ContactID  string       `json:"contactId"`
	CompanyID  string       `json:"companyId"`
	WhatsappID string       `json:"whatsappId"`
	Status     TicketStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Message is the outbound message record persisted after a successful send.
type Message struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	CompanyID string    `json:"companyId"`
	ContactID string    `json:"contactId"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"fromMe"`
	SentAt    time.Time `json:"sentAt"`
}

// ScheduledMessageEvent is the payload published to change-notification
// observers whenever a scheduled message is created, updated or delivered.
type ScheduledMessageEvent struct {
	Action  string            `json:"action"`
	Message *ScheduledMessage `json:"scheduledMessage"`
}

// Event actions for scheduled message notifications.
const (
	EventActionCreate = "create"
	EventActionUpdate = "update"
	EventActionDelete = "delete"
)
