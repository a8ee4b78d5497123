// Package telegram wraps the Telegram Bot API for EmotionPipe.
//
// It provides a small client for sending, editing and acknowledging messages,
// and a codec between diary events and inline keyboard callback data.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/util"
	"github.com/cenkalti/backoff"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Constants for Telegram client configuration
const (
	// DefaultAttempts is how many times a Bot API call is tried
	DefaultAttempts = 3
	// DefaultRequestTimeout bounds each Bot API attempt
	DefaultRequestTimeout = 10 * time.Second
	// ParseMode is used for all outgoing text
	ParseMode = tgbotapi.ModeHTML
)

// ErrNotModified is returned by EditText when the message already has the requested content.
var ErrNotModified = errors.New("message is not modified")

// Sender is the subset of the Bot API used by the Telegram channel.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, keyboard *tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// botAPI is implemented by *tgbotapi.BotAPI.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token      string
	Endpoint   string
	HTTPClient *http.Client
	Attempts   int
	Debug      bool
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithEndpoint overrides the Bot API endpoint, e.g. for a local Bot API server.
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for Bot API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithAttempts sets how many times a failed call is tried.
func WithAttempts(n int) Option {
	return func(o *Opts) { o.Attempts = n }
}

// WithDebug enables tgbotapi request logging.
func WithDebug() Option {
	return func(o *Opts) { o.Debug = true }
}

// Client sends messages through the Bot API.
type Client struct {
	api      botAPI
	attempts int
	interval time.Duration
	timeout  time.Duration
}

// NewClient authenticates with the Bot API.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Endpoint: tgbotapi.APIEndpoint, Attempts: DefaultAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	slog.Info("telegram.NewClient: authorized", "bot", bot.Self.UserName)
	return newClient(bot, cfg.Attempts), nil
}

func newClient(api botAPI, attempts int) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{api: api, attempts: attempts, interval: util.DefaultRetryInterval, timeout: DefaultRequestTimeout}
}

// SendText sends a new HTML message and returns its message id.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = ParseMode
	if keyboard != nil {
		msg.ReplyMarkup = *keyboard
	}

	sent, err := call(ctx, c, "telegram.SendText", func() (tgbotapi.Message, error) {
		return c.api.Send(msg)
	})
	if err != nil {
		slog.Error("Client.SendText: send failed", "chat_id", chatID, "error", err)
		return 0, fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	slog.Debug("Client.SendText: sent", "chat_id", chatID, "message_id", sent.MessageID)
	return sent.MessageID, nil
}

// EditText replaces the text and keyboard of an existing message.
func (c *Client) EditText(ctx context.Context, chatID int64, messageID int, text string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	var edit tgbotapi.EditMessageTextConfig
	if keyboard != nil {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *keyboard)
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	edit.ParseMode = ParseMode

	_, err := call(ctx, c, "telegram.EditText", func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(edit)
	})
	if err != nil {
		if isNotModified(err) {
			return ErrNotModified
		}
		slog.Warn("Client.EditText: edit failed", "chat_id", chatID, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to edit message %d in %d: %w", messageID, chatID, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	if callbackID == "" {
		return nil
	}
	_, err := call(ctx, c, "telegram.AnswerCallback", func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(tgbotapi.NewCallback(callbackID, ""))
	})
	if err != nil {
		return fmt.Errorf("failed to answer callback: %w", err)
	}
	return nil
}

// SetWebhook registers url as the bot's webhook. A non-empty secret is sent
// back by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	if _, err := tgbotapi.NewWebhook(url); err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	params := tgbotapi.Params{"url": url}
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return fmt.Errorf("failed to encode allowed updates: %w", err)
	}
	params.AddNonEmpty("secret_token", secret)

	_, err := call(ctx, c, "telegram.SetWebhook", func() (*tgbotapi.APIResponse, error) {
		return c.api.MakeRequest("setWebhook", params)
	})
	if err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	slog.Info("Client.SetWebhook: webhook registered", "url", url, "secret", secret != "")
	return nil
}

// call runs op with retries; each attempt gets its own c.timeout while ctx
// bounds the whole call. API errors other than rate limits and server errors
// are not retried.
func call[T any](ctx context.Context, c *Client, name string, op func() (T, error)) (T, error) {
	var out T
	err := util.Retry(ctx, name, c.attempts, c.interval, func(int) error {
		v, err := attempt(ctx, c.timeout, op)
		if err == nil {
			out = v
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	})
	return out, err
}

type result[T any] struct {
	v   T
	err error
}

// attempt runs op once. tgbotapi calls take no context, so an attempt that
// outlives timeout is abandoned; the HTTP client timeout ends it eventually.
func attempt[T any](ctx context.Context, timeout time.Duration, op func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := make(chan result[T], 1)
	go func() {
		v, err := op()
		ch <- result[T]{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("bot api attempt abandoned: %w", ctx.Err())
	}
}

func retryable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	// Transport failures carry no API error code.
	return true
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
	Keyboard  *tgbotapi.InlineKeyboardMarkup
	Edited    bool
}

// MockClient records calls instead of contacting Telegram.
type MockClient struct {
	mu       sync.Mutex
	nextID   int
	Messages []SentMessage
	Answered []string
	SendErr  error
	EditErr  error
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{nextID: 100}
}

// SendText implements Sender.
func (m *MockClient) SendText(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return 0, m.SendErr
	}
	m.nextID++
	m.Messages = append(m.Messages, SentMessage{ChatID: chatID, MessageID: m.nextID, Text: text, Keyboard: keyboard})
	return m.nextID, nil
}

// EditText implements Sender.
func (m *MockClient) EditText(ctx context.Context, chatID int64, messageID int, text string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return m.EditErr
	}
	m.Messages = append(m.Messages, SentMessage{ChatID: chatID, MessageID: messageID, Text: text, Keyboard: keyboard, Edited: true})
	return nil
}

// AnswerCallback implements Sender.
func (m *MockClient) AnswerCallback(ctx context.Context, callbackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Answered = append(m.Answered, callbackID)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Messages...)
}

// Last returns the most recent message, if any.
func (m *MockClient) Last() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return SentMessage{}, false
	}
	return m.Messages[len(m.Messages)-1], true
}
