// Package api wires the EmotionPipe components together and serves the HTTP
// endpoints: transport webhooks, health and stored entries.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/messaging"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
	"github.com/BTreeMap/EmotionPipe/internal/presenter"
	"github.com/BTreeMap/EmotionPipe/internal/session"
	"github.com/BTreeMap/EmotionPipe/internal/store"
	"github.com/BTreeMap/EmotionPipe/internal/telegram"
	"github.com/BTreeMap/EmotionPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/EmotionPipe/internal/util"
	"github.com/BTreeMap/EmotionPipe/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

// Default server settings.
const (
	DefaultServerAddress      = ":8080"
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultDedupRetention     = 24 * time.Hour
	DefaultDedupPruneInterval = time.Hour
	DefaultPersistAttempts    = 3
	DefaultPersistTimeout     = 30 * time.Second
	DefaultReadHeaderTimeout  = 10 * time.Second
)

// Webhook routes.
const (
	TelegramWebhookPath = "/webhook/telegram"
	TwilioWebhookPath   = "/webhook/twilio"
)

// Persistence backends accepted by PersistConfig.Backend.
const (
	BackendStore      = "store"
	BackendSheets     = "sheets"
	BackendAppsScript = "appsscript"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	SessionTTL      time.Duration
	JanitorInterval time.Duration
	ShutdownTimeout time.Duration
	DedupRetention  time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSessionTTL evicts sessions idle for longer than ttl. Zero disables eviction.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

// WithJanitorInterval sets how often idle sessions are swept.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *Opts) { o.JanitorInterval = d }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithDedupRetention sets how long inbound update ids are remembered.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// PersistConfig selects where finalized entries go.
type PersistConfig struct {
	Backend       string
	SheetsOpts    []persist.SheetsOption
	AppsScriptURL string
	// MirrorStore also records entries in the local store when Backend is external.
	MirrorStore bool
	Attempts    int
}

// TelegramConfig enables the Telegram transport. ClientOpts must carry the bot token.
type TelegramConfig struct {
	Enabled    bool
	ClientOpts []telegram.Option
	WebhookURL string
	Secret     string
}

// TwilioConfig enables the Twilio WhatsApp transport.
type TwilioConfig struct {
	Enabled    bool
	ClientOpts []twiliowhatsapp.Option
	// WebhookURL is the public URL Twilio posts to; with AuthToken it enables signature checks.
	WebhookURL string
	AuthToken  string
}

// WhatsAppConfig enables the whatsmeow transport.
type WhatsAppConfig struct {
	Enabled    bool
	ClientOpts []whatsapp.Option
}

// Config collects everything Run needs.
type Config struct {
	StoreDSN string // empty selects the in-memory store
	Catalog  *emotion.Catalog
	Timezone string
	Persist  PersistConfig
	Telegram TelegramConfig
	Twilio   TwilioConfig
	WhatsApp WhatsAppConfig
}

// Server exposes the HTTP endpoints and runs the background loops.
type Server struct {
	opts       Opts
	store      store.Store
	sessions   *session.Store
	dispatcher *messaging.Dispatcher
	catalog    *emotion.Catalog
	started    time.Time

	channels []string
	webhooks map[string]http.HandlerFunc
}

// NewServer creates a server around already constructed components.
func NewServer(st store.Store, sessions *session.Store, dispatcher *messaging.Dispatcher, catalog *emotion.Catalog, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultServerAddress,
		JanitorInterval: session.DefaultJanitorInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
		DedupRetention:  DefaultDedupRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if catalog == nil {
		catalog = emotion.DefaultCatalog()
	}
	return &Server{
		opts:       cfg,
		store:      st,
		sessions:   sessions,
		dispatcher: dispatcher,
		catalog:    catalog,
		started:    time.Now(),
		webhooks:   make(map[string]http.HandlerFunc),
	}
}

// Register adds a transport to the dispatcher and mounts its webhook, if it has one.
func (s *Server) Register(svc messaging.Service) {
	s.dispatcher.Register(svc)
	s.channels = append(s.channels, svc.Channel())
	switch t := svc.(type) {
	case *messaging.TelegramService:
		s.webhooks[TelegramWebhookPath] = t.WebhookHandler
	case *messaging.TwilioService:
		s.webhooks[TwilioWebhookPath] = t.TwilioWebhookHandler
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.rootHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/entries", s.entriesHandler)
	mux.HandleFunc("/entries/", s.entryHandler)
	for path, h := range s.webhooks {
		mux.HandleFunc(path, h)
		slog.Debug("Server.Handler: webhook mounted", "path", path)
	}
	return mux
}

// Serve starts the dispatcher, the HTTP listener, the session janitor and the
// dedup pruner, and shuts everything down when ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Serve: listening", "addr", s.opts.Addr, "channels", s.channels)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.sessions.RunJanitor(gctx, s.opts.JanitorInterval, s.opts.SessionTTL)
		return nil
	})
	g.Go(func() error {
		s.pruneDedup(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Server.Serve: shutting down", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), s.dispatcher.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func (s *Server) pruneDedup(ctx context.Context) {
	if s.opts.DedupRetention <= 0 {
		return
	}
	ticker := time.NewTicker(DefaultDedupPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PruneDedup(time.Now().Add(-s.opts.DedupRetention))
			if err != nil {
				slog.Warn("Server.pruneDedup: prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Server.pruneDedup: pruned update ids", "count", n)
			}
		}
	}
}

// Run builds every component from cfg and serves until SIGINT, SIGTERM or ctx is done.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("api.Run: store close failed", "error", err)
		}
	}()

	catalog := cfg.Catalog
	if catalog == nil {
		catalog = emotion.DefaultCatalog()
	}
	formatter := persist.NewFormatter(catalog, persist.LoadLocation(cfg.Timezone))
	pres := presenter.New(catalog, formatter)

	gateway, err := buildGateway(ctx, cfg.Persist, st, formatter)
	if err != nil {
		return err
	}

	sessions := session.NewStore()
	dispatcher := messaging.NewDispatcher(diary.NewEngine(catalog), sessions, gateway, messaging.WithDedup(st))
	srv := NewServer(st, sessions, dispatcher, catalog, opts...)

	cleanup, err := srv.registerTransports(ctx, cfg, pres)
	defer cleanup()
	if err != nil {
		return err
	}
	if len(srv.channels) == 0 {
		slog.Warn("api.Run: no transport enabled, only the HTTP API is served")
	}
	return srv.Serve(ctx)
}

func openStore(dsn string) (store.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		slog.Info("api.openStore: no database configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	st, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	slog.Info("api.openStore: store opened", "type", store.DetectDSNType(dsn))
	return st, nil
}

// buildGateway assembles the persistence chain: backend, optional store
// mirror, per-attempt timeout and retries.
func buildGateway(ctx context.Context, cfg PersistConfig, st store.Store, formatter persist.Formatter) (persist.Gateway, error) {
	var primary persist.Gateway
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendStore:
		backend = BackendStore
		primary = persist.NewStoreGateway(st)
	case BackendSheets:
		g, err := persist.NewSheetsGateway(ctx, formatter, cfg.SheetsOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create sheets gateway: %w", err)
		}
		primary = g
	case BackendAppsScript:
		g, err := persist.NewAppsScriptGateway(cfg.AppsScriptURL, formatter, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create apps script gateway: %w", err)
		}
		primary = g
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
	if cfg.MirrorStore && backend != BackendStore {
		primary = persist.Multi(primary, persist.NewStoreGateway(st))
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultPersistAttempts
	}
	slog.Info("api.buildGateway: persistence configured", "backend", backend, "mirror_store", cfg.MirrorStore, "attempts", attempts)
	return persist.WithRetry(persist.WithTimeout(primary, DefaultPersistTimeout), attempts, util.DefaultRetryInterval), nil
}

// registerTransports creates the enabled transports. The returned cleanup is
// always safe to call.
func (s *Server) registerTransports(ctx context.Context, cfg Config, pres *presenter.Presenter) (func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Telegram.Enabled {
		client, err := telegram.NewClient(cfg.Telegram.ClientOpts...)
		if err != nil {
			return cleanup, fmt.Errorf("failed to create telegram client: %w", err)
		}
		if cfg.Telegram.WebhookURL != "" {
			if err := client.SetWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.Secret); err != nil {
				return cleanup, err
			}
		} else {
			slog.Warn("Server.registerTransports: TELEGRAM_WEBHOOK_URL not set, webhook must be registered manually")
		}
		s.Register(messaging.NewTelegramService(client, pres, messaging.WithSecretToken(cfg.Telegram.Secret)))
	}

	if cfg.Twilio.Enabled {
		client, err := twiliowhatsapp.NewClient(cfg.Twilio.ClientOpts...)
		if err != nil {
			return cleanup, fmt.Errorf("failed to create twilio client: %w", err)
		}
		var twOpts []messaging.TwilioOption
		if cfg.Twilio.WebhookURL != "" && cfg.Twilio.AuthToken != "" {
			twOpts = append(twOpts, messaging.WithSignatureValidation(twiliowhatsapp.NewValidator(cfg.Twilio.AuthToken), cfg.Twilio.WebhookURL))
		} else {
			slog.Warn("Server.registerTransports: twilio signature validation disabled")
		}
		s.Register(messaging.NewTwilioService(client, pres, twOpts...))
	}

	if cfg.WhatsApp.Enabled {
		client, err := whatsapp.NewClient(ctx, cfg.WhatsApp.ClientOpts...)
		if err != nil {
			return cleanup, fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		closers = append(closers, client.Disconnect)
		s.Register(messaging.NewWhatsAppService(client, pres))
	}
	return cleanup, nil
}
