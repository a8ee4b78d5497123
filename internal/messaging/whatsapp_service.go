package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/presenter"
	"github.com/BTreeMap/EmotionPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is implemented by *whatsapp.Client.
type eventSource interface {
	AddEventHandler(handler func(evt interface{})) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service using the whatsmeow client in text mode.
type WhatsAppService struct {
	inbox
	client    whatsapp.Sender
	events    eventSource
	presenter *presenter.Presenter
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender, p *presenter.Presenter) *WhatsAppService {
	s := &WhatsAppService{client: client, presenter: p}
	s.init("WhatsAppService")
	if src, ok := client.(eventSource); ok {
		s.events = src
		slog.Debug("WhatsAppService created with event source")
	} else {
		slog.Debug("WhatsAppService created without event source (likely mock)")
	}
	return s
}

// Channel implements Service.
func (s *WhatsAppService) Channel() string { return ChannelWhatsApp }

// TextMode implements Service.
func (s *WhatsAppService) TextMode() bool { return true }

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService.Start: no event source, skipping event handling")
		return nil
	}
	s.handlerID = s.events.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unregisters the handler and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	if s.events != nil && s.handlerID != 0 {
		s.events.RemoveEventHandler(s.handlerID)
	}
	s.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// Acknowledge is a no-op for WhatsApp.
func (s *WhatsAppService) Acknowledge(ctx context.Context, in Inbound) error {
	return nil
}

// Render sends the plain-text rendering of intent as a new message.
func (s *WhatsAppService) Render(ctx context.Context, chatID, editRef string, intent diary.RenderIntent) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return s.client.SendMessage(ctx, chatID, s.presenter.PlainText(intent))
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	if in, ok := inboundFromMessage(msg); ok {
		s.emit(in)
	}
}

// inboundFromMessage converts a whatsmeow message into an Inbound update.
// Messages sent by this account and group messages are skipped.
func inboundFromMessage(evt *events.Message) (Inbound, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return Inbound{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	receivedAt := evt.Info.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return Inbound{
		Channel:    ChannelWhatsApp,
		ChatID:     evt.Info.Sender.User,
		MessageID:  string(evt.Info.ID),
		Text:       text,
		ReceivedAt: receivedAt,
	}, true
}
