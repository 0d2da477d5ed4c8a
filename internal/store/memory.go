// Package store provides storage backends for AtendeZap.
//
// This file implements an in-memory store used by tests and by deployments
// without a configured database DSN.
package store

import (
	"sync"
	"time"

	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all records in process memory. Not crash-safe; the
// recovery sweeper cannot resurrect anything across restarts with it.
type InMemoryStore struct {
	mu        sync.RWMutex
	scheduled map[string]models.ScheduledMessage
	contacts  map[string]models.Contact
	tickets   map[string]models.Ticket
	messages  map[string]models.Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scheduled: make(map[string]models.ScheduledMessage),
		contacts:  make(map[string]models.Contact),
		tickets:   make(map[string]models.Ticket),
		messages:  make(map[string]models.Message),
	}
}

func (s *InMemoryStore) CreateScheduledMessage(m *models.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[m.ID] = *m
	return nil
}

func (s *InMemoryStore) GetScheduledMessage(id, companyID string) (*models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.scheduled[id]
	if !ok || m.CompanyID != companyID {
		return nil, ErrNotFound
	}
	cp := m
	return &cp, nil
}

func (s *InMemoryStore) UpdateScheduledMessage(m *models.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.scheduled[m.ID]
	if !ok || existing.CompanyID != m.CompanyID {
		return ErrNotFound
	}
	if existing.SentAt != nil {
		return ErrDelivered
	}
	existing.Body = m.Body
	existing.SendAt = m.SendAt
	existing.Status = m.Status
	existing.UpdatedAt = time.Now()
	s.scheduled[m.ID] = existing
	m.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *InMemoryStore) MarkScheduledMessageSent(id, companyID string, sentAt time.Time, ticketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scheduled[id]
	if !ok || m.CompanyID != companyID {
		return false, nil
	}
	if m.Status != models.ScheduledStatusPending || m.SentAt != nil {
		return false, nil
	}
	m.Status = models.ScheduledStatusSent
	m.SentAt = &sentAt
	m.TicketID = ticketID
	m.UpdatedAt = sentAt
	s.scheduled[id] = m
	return true, nil
}

func (s *InMemoryStore) MarkScheduledMessageError(id, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scheduled[id]
	if !ok || m.CompanyID != companyID {
		return nil
	}
	if m.Status != models.ScheduledStatusPending || m.SentAt != nil {
		return nil
	}
	m.Status = models.ScheduledStatusError
	m.UpdatedAt = time.Now()
	s.scheduled[id] = m
	return nil
}

func (s *InMemoryStore) ListPendingScheduledMessages(oldest time.Time) ([]models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []models.ScheduledMessage
	for _, m := range s.scheduled {
		if m.Status == models.ScheduledStatusPending && m.SentAt == nil && !m.SendAt.Before(oldest) {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (s *InMemoryStore) GetContact(id, companyID string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok || c.CompanyID != companyID {
		return nil, ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (s *InMemoryStore) UpdateContactGroupJID(id, companyID, groupJID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.CompanyID != companyID {
		return ErrNotFound
	}
	c.GroupJID = groupJID
	s.contacts[id] = c
	return nil
}

// PutContact seeds a contact. Only used by tests and fixtures.
func (s *InMemoryStore) PutContact(c models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *InMemoryStore) FindOrCreateTicket(contactID, companyID, whatsappID string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.ContactID == contactID && t.CompanyID == companyID && t.WhatsappID == whatsappID && t.Status != models.TicketStatusClosed {
			cp := t
			return &cp, nil
		}
	}
	t := models.Ticket{
		ID:         util.GenerateTicketID(),
		ContactID:  contactID,
		CompanyID:  companyID,
		WhatsappID: whatsappID,
		Status:     models.TicketStatusPending,
		CreatedAt:  time.Now(),
	}
	s.tickets[t.ID] = t
	cp := t
	return &cp, nil
}

func (s *InMemoryStore) CreateMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = *m
	return nil
}

// Messages returns all persisted outbound messages. Only used by tests.
func (s *InMemoryStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return out
}

func (s *InMemoryStore) Close() error {
	return nil
}
