// Package session keeps in-progress diary sessions in memory, keyed by conversation.
//
// The store only guards its own map. Callers are expected to serialize work per
// conversation (see messaging.Dispatcher) so that get-apply-put sequences for one
// key never interleave.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
)

// DefaultJanitorInterval is how often RunJanitor scans for idle sessions.
const DefaultJanitorInterval = time.Minute

type entry struct {
	session *diary.Session
	touched time.Time
}

// Store is a concurrency-safe map of conversation id to session.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to track idle time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the session for id, or nil when the conversation is Idle.
func (s *Store) Get(id string) *diary.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return e.session.Clone()
}

// Put stores a copy of sess under id. A nil session removes the entry.
func (s *Store) Put(id string, sess *diary.Session) {
	if sess == nil {
		s.Remove(id)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry{session: sess.Clone(), touched: s.now()}
}

// Remove deletes the session for id, if any.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CountByState returns the number of active sessions per state.
func (s *Store) CountByState() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range s.entries {
		counts[e.session.State().String()]++
	}
	return counts
}

// EvictIdle removes sessions untouched for longer than ttl and returns how many were removed.
func (s *Store) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.entries {
		if e.touched.Before(cutoff) {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// RunJanitor evicts idle sessions every interval until ctx is cancelled.
// A non-positive ttl disables eviction and returns immediately.
func (s *Store) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	if ttl <= 0 {
		slog.Debug("Store.RunJanitor: session eviction disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Store.RunJanitor: started", "interval", interval, "ttl", ttl)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Store.RunJanitor: stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			if n := s.EvictIdle(ttl); n > 0 {
				slog.Info("Store.RunJanitor: evicted idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
