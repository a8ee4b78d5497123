package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/presenter"
	"github.com/BTreeMap/EmotionPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without replying inline.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service over Twilio's WhatsApp API in text mode.
type TwilioService struct {
	inbox
	client     twiliowhatsapp.Sender
	presenter  *presenter.Presenter
	validator  twiliowhatsapp.Validator
	webhookURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation verifies X-Twilio-Signature against the public webhook URL.
func WithSignatureValidation(v twiliowhatsapp.Validator, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender, p *presenter.Presenter, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, presenter: p}
	s.init("TwilioService")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel implements Service.
func (s *TwilioService) Channel() string { return ChannelTwilio }

// TextMode implements Service.
func (s *TwilioService) TextMode() bool { return true }

// Start is a no-op for Twilio (inbound arrives via webhook)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.close()
	slog.Info("TwilioService stopped")
	return nil
}

// Acknowledge is a no-op; Twilio has no callback acknowledgement.
func (s *TwilioService) Acknowledge(ctx context.Context, in Inbound) error {
	return nil
}

// Render always sends a new message; WhatsApp messages cannot be edited.
func (s *TwilioService) Render(ctx context.Context, chatID, editRef string, intent diary.RenderIntent) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return s.client.SendMessage(ctx, chatID, s.presenter.PlainText(intent))
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// them as text-mode Inbound updates.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.Validate(s.webhookURL, formParams(r), r.Header.Get(TwilioSignatureHeader)) {
		slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := strings.TrimPrefix(r.PostFormValue("From"), twiliowhatsapp.AddressPrefix)
	sid := r.PostFormValue("MessageSid")
	if from == "" || sid == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from_set", from != "", "sid_set", sid != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", from, "sid", sid)
	s.emit(Inbound{
		Channel:    ChannelTwilio,
		ChatID:     from,
		MessageID:  sid,
		Text:       r.PostFormValue("Body"),
		ReceivedAt: time.Now(),
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// formParams flattens the POST form for signature validation.
func formParams(r *http.Request) map[string]string {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}
