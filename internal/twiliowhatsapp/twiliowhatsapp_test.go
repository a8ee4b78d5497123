package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "+15551234567", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message sid")
	}
	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", msgs[0].Body)
	}
}

func TestAddress(t *testing.T) {
	if got := Address("+15551234567"); got != "whatsapp:+15551234567" {
		t.Errorf("Address = %q", got)
	}
	if got := Address("whatsapp:+15551234567"); got != "whatsapp:+15551234567" {
		t.Errorf("Address should not double the prefix, got %q", got)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sender number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+15550000000"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550000000" {
		t.Errorf("unexpected sender %q", c.fromWhats)
	}
}

func TestValidatorRejectsBadSignature(t *testing.T) {
	v := NewValidator("secret")
	params := map[string]string{"From": "whatsapp:+15551234567", "Body": "1"}
	if v.Validate("https://example.com/webhook/twilio", params, "bogus") {
		t.Error("bogus signature accepted")
	}
}
