// Package store provides storage backends for EmotionPipe.
//
// It persists finalized diary entries and inbound update ids used for
// de-duplication. Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/google/uuid"
)

// ErrEntryNotFound is returned when an entry id does not exist.
var ErrEntryNotFound = errors.New("entry not found")

// StoredEntry is a finalized entry together with its storage id.
type StoredEntry struct {
	ID string `json:"id"`
	diary.FinalizedEntry
}

// Store is the interface implemented by all storage backends.
type Store interface {
	DedupRepo

	// AddEntry stores a finalized entry and returns its id.
	AddEntry(entry diary.FinalizedEntry) (string, error)
	// GetEntry returns a single entry by id.
	GetEntry(id string) (*StoredEntry, error)
	// ListEntries returns entries newest first. An empty conversationID lists all
	// conversations; limit <= 0 means no limit.
	ListEntries(conversationID string, limit int) ([]StoredEntry, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for the SQL backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (file paths or file: URIs).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// key=value form, e.g. "host=localhost user=app dbname=diary"
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns a SQLite or PostgreSQL store depending on the DSN.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

func newEntryID() string {
	return uuid.NewString()
}

// InMemoryStore is a simple in-memory store, used in tests and when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []StoredEntry
	dedup   map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{dedup: make(map[string]*DedupRecord)}
}

func (s *InMemoryStore) AddEntry(entry diary.FinalizedEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := newEntryID()
	entry.Selections = append([]diary.Selection(nil), entry.Selections...)
	s.entries = append(s.entries, StoredEntry{ID: id, FinalizedEntry: entry})
	return id, nil
}

func (s *InMemoryStore) GetEntry(id string) (*StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			out := e
			return &out, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (s *InMemoryStore) ListEntries(conversationID string, limit int) ([]StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredEntry
	for _, e := range s.entries {
		if conversationID == "" || e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneDedup(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(olderThan) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
