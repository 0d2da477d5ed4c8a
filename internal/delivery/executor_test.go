package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atendezap/atendezap/internal/messaging"
	"github.com/atendezap/atendezap/internal/models"
	"github.com/atendezap/atendezap/internal/notify"
	"github.com/atendezap/atendezap/internal/store"
)

type executorFixture struct {
	store    *store.InMemoryStore
	sender   *messaging.MockSender
	notifier *notify.MemoryNotifier
	executor *Executor
}

func newExecutorFixture(t *testing.T, opts ...ExecutorOption) *executorFixture {
	t.Helper()
	f := &executorFixture{
		store:    store.NewInMemoryStore(),
		sender:   messaging.NewMockSender(),
		notifier: notify.NewMemoryNotifier(),
	}
	f.executor = NewExecutor(f.store, f.sender, NewSerializer(), f.notifier, opts...)
	return f
}

// seedMessage persists a due pending message with a matching contact and
// returns it.
func (f *executorFixture) seedMessage(t *testing.T, id, companyID string) *models.ScheduledMessage {
	t.Helper()
	f.store.PutContact(models.Contact{
		ID:         "contact-1",
		CompanyID:  companyID,
		Name:       "Alice",
		Number:     "5511999990000",
		WhatsappID: "wa-conn-1",
	})
	msg := &models.ScheduledMessage{
		ID:        id,
		Body:      "Hello from the future",
		SendAt:    time.Now().Add(-time.Minute),
		Status:    models.ScheduledStatusPending,
		ContactID: "contact-1",
		CompanyID: companyID,
		UserID:    "user-1",
		CreatedAt: time.Now(),
	}
	if err := f.store.CreateScheduledMessage(msg); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	return msg
}

func TestDeliver_Success(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")

	if err := f.executor.Deliver(context.Background(), "sm_1", "co-1"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	sent := f.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(sent))
	}
	if sent[0].To != "5511999990000" || sent[0].Body != "Hello from the future" {
		t.Errorf("Unexpected send: %+v", sent[0])
	}

	msg, err := f.store.GetScheduledMessage("sm_1", "co-1")
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if msg.Status != models.ScheduledStatusSent {
		t.Errorf("Expected status SENT, got %s", msg.Status)
	}
	if msg.SentAt == nil {
		t.Error("Expected sentAt to be set")
	}
	if msg.TicketID == "" {
		t.Error("Expected a ticket to be attached")
	}

	records := f.store.Messages()
	if len(records) != 1 {
		t.Fatalf("Expected 1 outbound message record, got %d", len(records))
	}
	if records[0].TicketID != msg.TicketID || !records[0].FromMe {
		t.Errorf("Unexpected outbound record: %+v", records[0])
	}

	events := f.notifier.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(events))
	}
	if want := notify.TopicScheduledMessages + "co-1"; events[0].Topic != want {
		t.Errorf("Expected topic %q, got %q", want, events[0].Topic)
	}
}

func TestDeliver_DoubleFireSendsOnce(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")

	for i := 0; i < 3; i++ {
		if err := f.executor.Deliver(context.Background(), "sm_1", "co-1"); err != nil {
			t.Fatalf("Deliver attempt %d failed: %v", i, err)
		}
	}
	if n := len(f.sender.Sent()); n != 1 {
		t.Errorf("Expected exactly 1 send across repeated fires, got %d", n)
	}
}

func TestDeliver_ConcurrentFiresSendOnce(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")
	// Lengthen the send so both fires pass the pre-chain guards before
	// either of them has settled the record.
	f.sender.SendDelay = 100 * time.Millisecond

	const fires = 4
	errs := make([]error, fires)
	var wg sync.WaitGroup
	for i := 0; i < fires; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.executor.Deliver(context.Background(), "sm_1", "co-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Deliver fire %d failed: %v", i, err)
		}
	}
	if n := len(f.sender.Sent()); n != 1 {
		t.Errorf("Expected exactly 1 send across concurrent fires, got %d", n)
	}
	msg, err := f.store.GetScheduledMessage("sm_1", "co-1")
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if msg.Status != models.ScheduledStatusSent || msg.SentAt == nil {
		t.Errorf("Expected a single SENT settlement, got status %s sentAt %v", msg.Status, msg.SentAt)
	}
}

func TestDeliver_MissingMessageIsNoop(t *testing.T) {
	f := newExecutorFixture(t)

	if err := f.executor.Deliver(context.Background(), "sm_gone", "co-1"); err != nil {
		t.Fatalf("Expected nil for a missing message, got %v", err)
	}
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("Expected no sends, got %d", n)
	}
}

func TestDeliver_WrongCompanyIsNoop(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")

	if err := f.executor.Deliver(context.Background(), "sm_1", "co-other"); err != nil {
		t.Fatalf("Expected nil for a cross-tenant fire, got %v", err)
	}
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("Expected no sends, got %d", n)
	}
}

func TestDeliver_NotYetDueIsNoop(t *testing.T) {
	f := newExecutorFixture(t)
	msg := f.seedMessage(t, "sm_1", "co-1")
	msg.SendAt = time.Now().Add(time.Hour)
	if err := f.store.UpdateScheduledMessage(msg); err != nil {
		t.Fatalf("UpdateScheduledMessage failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_1", "co-1"); err != nil {
		t.Fatalf("Expected nil for a premature fire, got %v", err)
	}
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("Expected no sends, got %d", n)
	}
	got, _ := f.store.GetScheduledMessage("sm_1", "co-1")
	if got.Status != models.ScheduledStatusPending {
		t.Errorf("Expected message to stay PENDING, got %s", got.Status)
	}
}

func TestDeliver_ErrorStatusIsNoop(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")
	if err := f.store.MarkScheduledMessageError("sm_1", "co-1"); err != nil {
		t.Fatalf("MarkScheduledMessageError failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_1", "co-1"); err != nil {
		t.Fatalf("Expected nil for an ERROR message, got %v", err)
	}
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("Expected no sends, got %d", n)
	}
}

func TestDeliver_SendFailureLeavesMessagePending(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")
	f.sender.SendErr = errors.New("connection reset")

	err := f.executor.Deliver(context.Background(), "sm_1", "co-1")
	if err == nil {
		t.Fatal("Expected Deliver to surface the send failure")
	}

	msg, _ := f.store.GetScheduledMessage("sm_1", "co-1")
	if msg.Status != models.ScheduledStatusPending {
		t.Errorf("Expected message to stay PENDING for retry, got %s", msg.Status)
	}
	if msg.SentAt != nil {
		t.Error("Expected sentAt to stay unset after a failed send")
	}
}

func TestFail_MarksErrorAndNotifies(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")

	f.executor.Fail(context.Background(), "sm_1", "co-1")

	msg, _ := f.store.GetScheduledMessage("sm_1", "co-1")
	if msg.Status != models.ScheduledStatusError {
		t.Errorf("Expected status ERROR, got %s", msg.Status)
	}
	if n := len(f.notifier.Events()); n != 1 {
		t.Errorf("Expected 1 notification, got %d", n)
	}
}

func TestFail_DeliveredMessageIsUntouched(t *testing.T) {
	f := newExecutorFixture(t)
	f.seedMessage(t, "sm_1", "co-1")
	if err := f.executor.Deliver(context.Background(), "sm_1", "co-1"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	f.executor.Fail(context.Background(), "sm_1", "co-1")

	msg, _ := f.store.GetScheduledMessage("sm_1", "co-1")
	if msg.Status != models.ScheduledStatusSent {
		t.Errorf("Expected delivered message to stay SENT, got %s", msg.Status)
	}
}

func TestDeliver_GroupWithStructuralJID(t *testing.T) {
	f := newExecutorFixture(t)
	f.store.PutContact(models.Contact{
		ID:         "contact-g",
		CompanyID:  "co-1",
		Name:       "Support Crew",
		IsGroup:    true,
		GroupJID:   "123456789-987654@g.us",
		WhatsappID: "wa-conn-1",
	})
	msg := &models.ScheduledMessage{
		ID:        "sm_g",
		Body:      "Standup in five",
		SendAt:    time.Now().Add(-time.Minute),
		Status:    models.ScheduledStatusPending,
		ContactID: "contact-g",
		CompanyID: "co-1",
	}
	if err := f.store.CreateScheduledMessage(msg); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_g", "co-1"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].To != "123456789-987654@g.us" {
		t.Fatalf("Expected send to the stored group JID, got %+v", sent)
	}
}

func TestDeliver_GroupBareStructuralID(t *testing.T) {
	f := newExecutorFixture(t)
	f.store.PutContact(models.Contact{
		ID:         "contact-g",
		CompanyID:  "co-1",
		IsGroup:    true,
		GroupJID:   "123456789-987654",
		WhatsappID: "wa-conn-1",
	})
	msg := &models.ScheduledMessage{
		ID:        "sm_g",
		Body:      "Standup in five",
		SendAt:    time.Now().Add(-time.Minute),
		Status:    models.ScheduledStatusPending,
		ContactID: "contact-g",
		CompanyID: "co-1",
	}
	if err := f.store.CreateScheduledMessage(msg); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_g", "co-1"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].To != "123456789-987654@g.us" {
		t.Fatalf("Expected the bare ID to gain the group suffix, got %+v", sent)
	}
}

func TestDeliver_GroupNameResolvedAndPersisted(t *testing.T) {
	f := newExecutorFixture(t)
	f.sender.ResolveGroupFunc = func(ctx context.Context, name string) (string, error) {
		if name != "Support Crew" {
			t.Errorf("Expected lookup by stored identifier, got %q", name)
		}
		return "555000111@g.us", nil
	}
	f.store.PutContact(models.Contact{
		ID:         "contact-g",
		CompanyID:  "co-1",
		Name:       "ignored",
		IsGroup:    true,
		GroupJID:   "Support Crew",
		WhatsappID: "wa-conn-1",
	})
	msg := &models.ScheduledMessage{
		ID:        "sm_g",
		Body:      "Standup in five",
		SendAt:    time.Now().Add(-time.Minute),
		Status:    models.ScheduledStatusPending,
		ContactID: "contact-g",
		CompanyID: "co-1",
	}
	if err := f.store.CreateScheduledMessage(msg); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_g", "co-1"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].To != "555000111@g.us" {
		t.Fatalf("Expected send to the resolved JID, got %+v", sent)
	}
	contact, err := f.store.GetContact("contact-g", "co-1")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if contact.GroupJID != "555000111@g.us" {
		t.Errorf("Expected resolved JID to be persisted, got %q", contact.GroupJID)
	}
}

func TestDeliver_GroupResolutionFailure(t *testing.T) {
	f := newExecutorFixture(t)
	f.sender.ResolveGroupFunc = func(ctx context.Context, name string) (string, error) {
		return "", errors.New("group not found")
	}
	f.store.PutContact(models.Contact{
		ID:         "contact-g",
		CompanyID:  "co-1",
		Name:       "Support Crew",
		IsGroup:    true,
		WhatsappID: "wa-conn-1",
	})
	msg := &models.ScheduledMessage{
		ID:        "sm_g",
		Body:      "Standup in five",
		SendAt:    time.Now().Add(-time.Minute),
		Status:    models.ScheduledStatusPending,
		ContactID: "contact-g",
		CompanyID: "co-1",
	}
	if err := f.store.CreateScheduledMessage(msg); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_g", "co-1"); err == nil {
		t.Fatal("Expected Deliver to surface the resolution failure")
	}
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("Expected no sends after resolution failure, got %d", n)
	}
}

func TestDeliver_CustomGroupIDPolicy(t *testing.T) {
	resolved := false
	f := newExecutorFixture(t, WithGroupIDPolicy(func(id string) (string, bool) { return id, true }))
	f.sender.ResolveGroupFunc = func(ctx context.Context, name string) (string, error) {
		resolved = true
		return "", errors.New("should not be called")
	}
	f.store.PutContact(models.Contact{
		ID:         "contact-g",
		CompanyID:  "co-1",
		IsGroup:    true,
		GroupJID:   "anything-goes",
		WhatsappID: "wa-conn-1",
	})
	msg := &models.ScheduledMessage{
		ID:        "sm_g",
		Body:      "Standup in five",
		SendAt:    time.Now().Add(-time.Minute),
		Status:    models.ScheduledStatusPending,
		ContactID: "contact-g",
		CompanyID: "co-1",
	}
	if err := f.store.CreateScheduledMessage(msg); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	if err := f.executor.Deliver(context.Background(), "sm_g", "co-1"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if resolved {
		t.Error("Expected the permissive policy to skip group resolution")
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].To != "anything-goes" {
		t.Fatalf("Expected send to the stored identifier, got %+v", sent)
	}
}

func TestDefaultGroupIDPolicy(t *testing.T) {
	cases := []struct {
		id         string
		want       string
		structural bool
	}{
		{"123456789@g.us", "123456789@g.us", true},
		{"123456789-987654@g.us", "123456789-987654@g.us", true},
		{"123456789", "123456789@g.us", true},
		{"123456789-987654", "123456789-987654@g.us", true},
		{"Support Crew", "", false},
		{"", "", false},
		{"abc@g.us", "", false},
	}
	for _, c := range cases {
		got, ok := DefaultGroupIDPolicy(c.id)
		if ok != c.structural || got != c.want {
			t.Errorf("DefaultGroupIDPolicy(%q) = (%q, %v), want (%q, %v)", c.id, got, ok, c.want, c.structural)
		}
	}
}
