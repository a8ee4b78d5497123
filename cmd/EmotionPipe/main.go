package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/api"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/lockfile"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
	"github.com/BTreeMap/EmotionPipe/internal/store"
	"github.com/BTreeMap/EmotionPipe/internal/telegram"
	"github.com/BTreeMap/EmotionPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/EmotionPipe/internal/util"
	"github.com/BTreeMap/EmotionPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for EmotionPipe state data
	DefaultStateDir = "/var/lib/emotionpipe"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultAppDBFileName is the entry and dedup database filename
	DefaultAppDBFileName = "emotionpipe.db"
	// InMemoryDSN selects the in-memory store instead of a database
	InMemoryDSN = "memory"
)

func main() {
	// Debug until the configured level is known
	initializeLogger("debug")

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.Acquire(config.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runCfg, err := buildRunConfig(config)
	if err != nil {
		lock.Release()
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	apiOpts := buildAPIOptions(config)

	slog.Info("Bootstrapping EmotionPipe",
		"telegram", runCfg.Telegram.Enabled,
		"twilio", runCfg.Twilio.Enabled,
		"whatsapp", runCfg.WhatsApp.Enabled,
		"persist_backend", runCfg.Persist.Backend,
		"store", storeKind(runCfg.StoreDSN))
	err = api.Run(context.Background(), runCfg, apiOpts...)
	if releaseErr := lock.Release(); releaseErr != nil {
		slog.Warn("Failed to release state directory lock", "error", releaseErr)
	}
	if err != nil {
		slog.Error("EmotionPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("EmotionPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	APIAddr          string
	LogLevel         string

	TelegramToken         string
	TelegramWebhookURL    string
	TelegramWebhookSecret string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string

	UseWhatsApp     bool
	WhatsAppQRPath  string
	WhatsAppNumeric bool

	GoogleSheetID         string
	GoogleCredentialsFile string
	SheetsTab             string
	AppsScriptURL         string
	PersistBackend        string
	PersistMirrorStore    bool
	PersistAttempts       int

	SessionTTL     time.Duration
	Timezone       string
	EmotionCatalog string

	// Set when the DSNs were derived from StateDir rather than configured.
	whatsAppDSNDefaulted bool
	appDSNDefaulted      bool
}

// initializeLogger sets up structured logging on stdout at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("EMOTIONPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: util.FirstEnv("DATABASE_DSN", "DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),

		TelegramToken:         util.FirstEnv("TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"),
		TelegramWebhookURL:    os.Getenv("TELEGRAM_WEBHOOK_URL"),
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		UseWhatsApp: util.ParseBoolEnv("USE_WHATSAPP", false),

		GoogleSheetID:         os.Getenv("GOOGLE_SHEET_ID"),
		GoogleCredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		SheetsTab:             os.Getenv("SHEETS_TAB"),
		AppsScriptURL:         os.Getenv("APPS_SCRIPT_URL"),
		PersistBackend:        os.Getenv("PERSIST_BACKEND"),
		PersistMirrorStore:    util.ParseBoolEnv("PERSIST_MIRROR_STORE", true),
		PersistAttempts:       util.ParseIntEnv("PERSIST_ATTEMPTS", api.DefaultPersistAttempts),

		SessionTTL:     util.ParseDurationEnv("SESSION_TTL", 24*time.Hour),
		Timezone:       os.Getenv("TIMEZONE"),
		EmotionCatalog: os.Getenv("EMOTION_CATALOG"),
	}

	if config.APIAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			config.APIAddr = ":" + port
		}
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No EMOTIONPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		config.whatsAppDSNDefaulted = true
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		config.appDSNDefaulted = true
	}

	if config.PersistBackend == "" {
		switch {
		case config.GoogleSheetID != "":
			config.PersistBackend = api.BackendSheets
		case config.AppsScriptURL != "":
			config.PersistBackend = api.BackendAppsScript
		default:
			config.PersistBackend = api.BackendStore
		}
	}

	slog.Debug("environment variables loaded",
		"EMOTIONPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", !config.whatsAppDSNDefaulted,
		"DATABASE_DSN_SET", !config.appDSNDefaulted,
		"API_ADDR", config.APIAddr,
		"TELEGRAM_TOKEN_SET", config.TelegramToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"USE_WHATSAPP", config.UseWhatsApp,
		"PERSIST_BACKEND", config.PersistBackend,
		"SESSION_TTL", config.SessionTTL)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags applies command line overrides on top of the environment.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("emotionpipe", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for EmotionPipe data (overrides $EMOTIONPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.ApplicationDBDSN, "entry database DSN, SQLite path or PostgreSQL URL, \"memory\" for none (overrides $DATABASE_DSN)")
	waDSN := fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	logLevel := fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	backend := fs.String("persist-backend", config.PersistBackend, "store, sheets or appsscript (overrides $PERSIST_BACKEND)")
	sessionTTL := fs.Duration("session-ttl", config.SessionTTL, "evict sessions idle this long, 0 disables (overrides $SESSION_TTL)")
	useWhatsApp := fs.Bool("whatsapp", config.UseWhatsApp, "enable the WhatsApp transport (overrides $USE_WHATSAPP)")
	qrOutput := fs.String("qr-output", config.WhatsAppQRPath, "path to write the WhatsApp login QR code")
	numeric := fs.Bool("numeric-code", config.WhatsAppNumeric, "use numeric login code instead of QR code")
	catalog := fs.String("catalog", config.EmotionCatalog, "YAML emotion catalog file (overrides $EMOTION_CATALOG)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	if *stateDir != config.StateDir {
		// DSNs derived from the old state directory follow the new one.
		if config.appDSNDefaulted && *dbDSN == config.ApplicationDBDSN {
			*dbDSN = filepath.Join(*stateDir, DefaultAppDBFileName)
		}
		if config.whatsAppDSNDefaulted && *waDSN == config.WhatsAppDBDSN {
			*waDSN = defaultWhatsAppDSN(*stateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *stateDir)
	}

	config.StateDir = *stateDir
	config.ApplicationDBDSN = *dbDSN
	config.WhatsAppDBDSN = *waDSN
	config.APIAddr = *apiAddr
	config.LogLevel = *logLevel
	config.PersistBackend = *backend
	config.SessionTTL = *sessionTTL
	config.UseWhatsApp = *useWhatsApp
	config.WhatsAppQRPath = *qrOutput
	config.WhatsAppNumeric = *numeric
	config.EmotionCatalog = *catalog

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.ApplicationDBDSN != "",
		"apiAddr", config.APIAddr,
		"persistBackend", config.PersistBackend,
		"whatsapp", config.UseWhatsApp)
	return config, nil
}

// sqliteFilePath returns the file behind a SQLite DSN, or "" for PostgreSQL
// and in-memory DSNs.
func sqliteFilePath(dsn string) string {
	if dsn == "" || dsn == InMemoryDSN || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == ":memory:" {
		return ""
	}
	return path
}

// ensureDirectoriesExist creates the state directory and the parents of SQLite files.
func ensureDirectoriesExist(config Config) error {
	dirs := []string{config.StateDir}
	if p := sqliteFilePath(config.ApplicationDBDSN); p != "" {
		dirs = append(dirs, filepath.Dir(p))
	}
	if config.UseWhatsApp {
		if p := sqliteFilePath(config.WhatsAppDBDSN); p != "" {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("Directory ready", "dir", dir)
	}
	return nil
}

func storeKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return store.DetectDSNType(dsn)
}

// buildRunConfig translates Config into the api.Run configuration.
func buildRunConfig(config Config) (api.Config, error) {
	cfg := api.Config{
		Timezone: config.Timezone,
		Persist:  buildPersistConfig(config),
		Telegram: api.TelegramConfig{
			Enabled:    config.TelegramToken != "",
			ClientOpts: buildTelegramOptions(config),
			WebhookURL: config.TelegramWebhookURL,
			Secret:     config.TelegramWebhookSecret,
		},
		Twilio: api.TwilioConfig{
			Enabled:    config.TwilioAccountSID != "" && config.TwilioAuthToken != "" && config.TwilioFromNumber != "",
			ClientOpts: buildTwilioOptions(config),
			WebhookURL: config.TwilioWebhookURL,
			AuthToken:  config.TwilioAuthToken,
		},
		WhatsApp: api.WhatsAppConfig{
			Enabled:    config.UseWhatsApp,
			ClientOpts: buildWhatsAppOptions(config),
		},
	}
	if config.ApplicationDBDSN != InMemoryDSN {
		cfg.StoreDSN = config.ApplicationDBDSN
	}
	if config.EmotionCatalog != "" {
		catalog, err := emotion.LoadFile(config.EmotionCatalog)
		if err != nil {
			return cfg, fmt.Errorf("failed to load emotion catalog: %w", err)
		}
		cfg.Catalog = catalog
		slog.Info("Loaded emotion catalog", "path", config.EmotionCatalog, "emotions", catalog.Len())
	}
	return cfg, nil
}

// buildPersistConfig constructs the persistence configuration
func buildPersistConfig(config Config) api.PersistConfig {
	pc := api.PersistConfig{
		Backend:       config.PersistBackend,
		AppsScriptURL: config.AppsScriptURL,
		MirrorStore:   config.PersistMirrorStore,
		Attempts:      config.PersistAttempts,
	}
	if config.GoogleSheetID != "" {
		pc.SheetsOpts = append(pc.SheetsOpts, persist.WithSpreadsheetID(config.GoogleSheetID))
	}
	if config.SheetsTab != "" {
		pc.SheetsOpts = append(pc.SheetsOpts, persist.WithSheetTab(config.SheetsTab))
	}
	if config.GoogleCredentialsFile != "" {
		pc.SheetsOpts = append(pc.SheetsOpts, persist.WithCredentialsFile(config.GoogleCredentialsFile))
	}
	return pc
}

// buildTelegramOptions constructs Telegram client options
func buildTelegramOptions(config Config) []telegram.Option {
	var opts []telegram.Option
	if config.TelegramToken != "" {
		opts = append(opts, telegram.WithToken(config.TelegramToken))
	}
	return opts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.WhatsAppQRPath != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.WhatsAppQRPath))
	}
	if config.WhatsAppNumeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	apiOpts := []api.Option{api.WithSessionTTL(config.SessionTTL)}
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	return apiOpts
}
