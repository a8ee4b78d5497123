// Package messaging connects chat transports to the diary engine.
//
// Each transport is a Service that emits Inbound updates and renders intents.
// The Dispatcher serializes updates per conversation and drives the engine.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Channel names.
const (
	ChannelTelegram = "tg"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "wa"
)

// ErrServiceStopped is returned when a stopped service is asked to deliver.
var ErrServiceStopped = errors.New("service stopped")

// Inbound is one update received from a transport.
type Inbound struct {
	Channel string
	ChatID  string
	// MessageID identifies the update within its channel for deduplication.
	MessageID string
	// Event is the decoded action, or nil for text-mode transports.
	Event diary.Event
	Text  string
	// SourceRef is the message carrying the pressed button, for callbacks.
	SourceRef  string
	CallbackID string
	ReceivedAt time.Time
}

// ConversationID keys the session for this update.
func (in Inbound) ConversationID() string {
	return in.Channel + ":" + in.ChatID
}

// DedupKey is unique across channels.
func (in Inbound) DedupKey() string {
	return in.Channel + ":" + in.MessageID
}

// IsCallback reports whether the update came from a button press.
func (in Inbound) IsCallback() bool {
	return in.CallbackID != ""
}

// Service is a pluggable chat transport.
type Service interface {
	// Channel returns the channel name used in conversation ids.
	Channel() string
	// TextMode is true when the transport has no buttons and emits raw text.
	TextMode() bool
	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error
	// Stop stops background processing and closes the inbound channel.
	Stop() error
	// Inbound returns the channel of received updates.
	Inbound() <-chan Inbound
	// Acknowledge confirms receipt of a button press, if the transport needs it.
	Acknowledge(ctx context.Context, in Inbound) error
	// Render shows intent to the chat. editRef names a message that may be
	// replaced in place. It returns the ref of the message written.
	Render(ctx context.Context, chatID, editRef string, intent diary.RenderIntent) (string, error)
}

// inbox is the inbound channel shared by every service.
type inbox struct {
	name    string
	mu      sync.RWMutex
	ch      chan Inbound
	stopped bool
}

func (b *inbox) init(name string) {
	b.name = name
	b.ch = make(chan Inbound, DefaultChannelBufferSize)
}

// Inbound implements Service.
func (b *inbox) Inbound() <-chan Inbound {
	return b.ch
}

// emit pushes in to the channel, dropping it when the service is stopped or
// the channel stays full for DefaultChannelTimeout.
func (b *inbox) emit(in Inbound) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+": dropping inbound update (service stopped)", "chat_id", in.ChatID)
		return false
	}
	select {
	case b.ch <- in:
		slog.Debug(b.name+": inbound update emitted", "chat_id", in.ChatID, "message_id", in.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+": inbound channel blocked, dropping update", "chat_id", in.ChatID, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close marks the inbox stopped and closes the channel. It is idempotent.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}
