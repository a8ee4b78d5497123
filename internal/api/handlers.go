package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/models"
	"github.com/BTreeMap/EmotionPipe/internal/store"
)

// Entry listing limits.
const (
	DefaultEntriesLimit = 50
	MaxEntriesLimit     = 500
)

const healthCheckTimeout = 5 * time.Second

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeText(w, http.StatusOK, "text/plain; charset=utf-8", "🤖 EmotionPipe emotion diary bot is running\n")
}

// healthHandler reports liveness and session metrics; 503 when the store is unreachable.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := models.HealthStatus{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		ActiveSessions: s.sessions.Len(),
		SessionsByStep: s.sessions.CountByState(),
		Channels:       append([]string{}, s.channels...),
		Pending:        s.dispatcher.Pending(),
	}
	statusCode := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("Server.healthHandler: store ping failed", "error", err)
		health.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, health)
}

// entriesHandler lists stored entries, newest first: GET /entries?conversation=tg:42&limit=10
func (s *Server) entriesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := DefaultEntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxEntriesLimit)
	}
	conversation := strings.TrimSpace(r.URL.Query().Get("conversation"))

	entries, err := s.store.ListEntries(conversation, limit)
	if err != nil {
		slog.Error("Server.entriesHandler: list failed", "conversation", conversation, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list entries")
		return
	}
	views := make([]models.EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, s.entryView(e))
	}
	slog.Debug("Server.entriesHandler: entries listed", "conversation", conversation, "count", len(views))
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

// entryHandler returns one entry: GET /entries/{id}
func (s *Server) entryHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/entries/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "entry id is required")
		return
	}
	entry, err := s.store.GetEntry(id)
	if errors.Is(err, store.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "Entry not found")
		return
	}
	if err != nil {
		slog.Error("Server.entryHandler: get failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load entry")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.entryView(*entry)))
}

func (s *Server) entryView(e store.StoredEntry) models.EntryView {
	view := models.EntryView{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		CapturedAt:     e.CapturedAt,
		Reason:         e.Reason,
		ValenceSum:     e.ValenceSum,
		Emotions:       make([]models.EntryEmotion, 0, len(e.Selections)),
	}
	for _, sel := range e.Selections {
		label := string(sel.Emotion)
		if em, err := s.catalog.Lookup(sel.Emotion); err == nil {
			label = em.Display()
		}
		view.Emotions = append(view.Emotions, models.EntryEmotion{
			ID:        string(sel.Emotion),
			Label:     label,
			Intensity: int(sel.Intensity),
			Band:      emotion.BandOf(sel.Intensity).String(),
		})
	}
	return view
}
