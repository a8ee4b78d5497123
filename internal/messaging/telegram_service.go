package messaging

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/presenter"
	"github.com/BTreeMap/EmotionPipe/internal/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramService implements Service over the Bot API with inline keyboards.
type TelegramService struct {
	inbox
	client      telegram.Sender
	presenter   *presenter.Presenter
	secretToken string
}

// TelegramOption configures a TelegramService.
type TelegramOption func(*TelegramService)

// WithSecretToken rejects webhook calls that do not carry token.
func WithSecretToken(token string) TelegramOption {
	return func(s *TelegramService) { s.secretToken = token }
}

// NewTelegramService creates a TelegramService.
func NewTelegramService(client telegram.Sender, p *presenter.Presenter, opts ...TelegramOption) *TelegramService {
	s := &TelegramService{client: client, presenter: p}
	s.init("TelegramService")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel implements Service.
func (s *TelegramService) Channel() string { return ChannelTelegram }

// TextMode implements Service.
func (s *TelegramService) TextMode() bool { return false }

// Start is a no-op; updates arrive through WebhookHandler.
func (s *TelegramService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TelegramService) Stop() error {
	s.close()
	slog.Info("TelegramService stopped")
	return nil
}

// Acknowledge answers the callback query so the client stops its spinner.
func (s *TelegramService) Acknowledge(ctx context.Context, in Inbound) error {
	if !in.IsCallback() {
		return nil
	}
	return s.client.AnswerCallback(ctx, in.CallbackID)
}

// Render edits editRef when the intent replaces the wizard message, and
// falls back to a new message when there is nothing to edit or the edit fails.
func (s *TelegramService) Render(ctx context.Context, chatID, editRef string, intent diary.RenderIntent) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	screen := s.presenter.Screen(intent)
	keyboard := telegram.Keyboard(screen.Buttons)

	if screen.InPlace && editRef != "" {
		if messageID, convErr := strconv.Atoi(editRef); convErr == nil {
			err := s.client.EditText(ctx, id, messageID, screen.Text, keyboard)
			if err == nil || errors.Is(err, telegram.ErrNotModified) {
				return editRef, nil
			}
			slog.Warn("TelegramService.Render: edit failed, sending new message", "chat_id", chatID, "message_id", messageID, "error", err)
		}
	}

	messageID, err := s.client.SendText(ctx, id, screen.Text, keyboard)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(messageID), nil
}

// WebhookHandler receives Bot API updates. It always answers 200 for well
// formed updates so Telegram does not redeliver them.
func (s *TelegramService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.secretToken != "" {
		got := r.Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secretToken)) != 1 {
			slog.Warn("TelegramService.WebhookHandler: bad secret token", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		slog.Warn("TelegramService.WebhookHandler: invalid update", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if in, ok := s.inboundFromUpdate(update); ok {
		s.emit(in)
	} else {
		slog.Debug("TelegramService.WebhookHandler: ignoring update without chat", "update_id", update.UpdateID)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *TelegramService) inboundFromUpdate(update tgbotapi.Update) (Inbound, bool) {
	decoded, ok := telegram.DecodeUpdate(update)
	if !ok {
		return Inbound{}, false
	}
	in := Inbound{
		Channel:    ChannelTelegram,
		ChatID:     strconv.FormatInt(decoded.ChatID, 10),
		MessageID:  strconv.Itoa(decoded.UpdateID),
		Event:      decoded.Event,
		Text:       decoded.Text,
		CallbackID: decoded.CallbackID,
		ReceivedAt: decoded.ReceivedAt,
	}
	if decoded.CallbackID != "" {
		in.SourceRef = strconv.Itoa(decoded.MessageID)
	}
	return in, true
}
