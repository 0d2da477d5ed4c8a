package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func clearTwilioEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	clearTwilioEnv(t)

	if _, err := NewClient(); err == nil {
		t.Error("Expected an error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token")); err == nil {
		t.Error("Expected an error without a from number")
	}
}

func TestNewClient_OptionsAndEnvFallback(t *testing.T) {
	clearTwilioEnv(t)

	c, err := NewClient(
		WithAccountSID("AC123"),
		WithAuthToken("token"),
		WithFromWhats("whatsapp:+15550001111"),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550001111" {
		t.Errorf("Unexpected from number %q", c.fromWhats)
	}

	t.Setenv("TWILIO_ACCOUNT_SID", "AC456")
	t.Setenv("TWILIO_AUTH_TOKEN", "token2")
	t.Setenv("TWILIO_FROM_NUMBER", "whatsapp:+15550002222")
	c, err = NewClient()
	if err != nil {
		t.Fatalf("NewClient with env config failed: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550002222" {
		t.Errorf("Unexpected from number %q", c.fromWhats)
	}
}

func TestResolveGroup_Unsupported(t *testing.T) {
	clearTwilioEnv(t)

	c, err := NewClient(
		WithAccountSID("AC123"),
		WithAuthToken("token"),
		WithFromWhats("whatsapp:+15550001111"),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.ResolveGroup(context.Background(), "Support Crew"); !errors.Is(err, ErrGroupsUnsupported) {
		t.Errorf("Expected ErrGroupsUnsupported, got %v", err)
	}
}
