package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/messaging"
	"github.com/BTreeMap/EmotionPipe/internal/models"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
	"github.com/BTreeMap/EmotionPipe/internal/presenter"
	"github.com/BTreeMap/EmotionPipe/internal/session"
	"github.com/BTreeMap/EmotionPipe/internal/store"
	"github.com/BTreeMap/EmotionPipe/internal/telegram"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// pingFailStore is an in-memory store whose backend is unreachable.
type pingFailStore struct {
	*store.InMemoryStore
}

func (pingFailStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, st store.Store, opts ...Option) *Server {
	t.Helper()
	catalog := emotion.DefaultCatalog()
	sessions := session.NewStore()
	d := messaging.NewDispatcher(diary.NewEngine(catalog), sessions, persist.NewStoreGateway(st), messaging.WithDedup(st))
	return NewServer(st, sessions, d, catalog, opts...)
}

func testPresenter() *presenter.Presenter {
	return presenter.New(emotion.DefaultCatalog(), persist.NewFormatter(nil, time.UTC))
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func sampleEntry(conv string, at time.Time) diary.FinalizedEntry {
	return diary.FinalizedEntry{
		ConversationID: conv,
		Selections:     []diary.Selection{{Emotion: "joy", Intensity: 8}, {Emotion: "fear", Intensity: 2}},
		Reason:         "exam passed",
		CapturedAt:     at,
		ValenceSum:     60,
	}
}

func TestRootHandler(t *testing.T) {
	h := newTestServer(t, store.NewInMemoryStore()).Handler()

	rec := doRequest(h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "EmotionPipe") {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}
	if rec := doRequest(h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
	rec = doRequest(h, http.MethodPost, "/", "")
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodGet {
		t.Errorf("POST / = %d allow=%q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore())
	srv.sessions.Put("tg:1", &diary.Session{Step: diary.Selecting{}})
	srv.sessions.Put("tg:2", &diary.Session{Step: diary.Reasoning{}})

	rec := doRequest(srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "healthy" || got.ActiveSessions != 2 {
		t.Errorf("unexpected health %+v", got)
	}
	if len(got.SessionsByStep) != 2 {
		t.Errorf("expected two states, got %v", got.SessionsByStep)
	}
}

func TestHealthHandlerDegraded(t *testing.T) {
	srv := newTestServer(t, pingFailStore{store.NewInMemoryStore()})
	rec := doRequest(srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestEntriesHandlers(t *testing.T) {
	st := store.NewInMemoryStore()
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	id, _ := st.AddEntry(sampleEntry("tg:1", base))
	st.AddEntry(sampleEntry("tg:2", base.Add(time.Minute)))
	st.AddEntry(sampleEntry("tg:1", base.Add(2*time.Minute)))
	h := newTestServer(t, st).Handler()

	tests := []struct {
		name   string
		target string
		code   int
		count  int
	}{
		{"all", "/entries", http.StatusOK, 3},
		{"by conversation", "/entries?conversation=tg:1", http.StatusOK, 2},
		{"limited", "/entries?limit=1", http.StatusOK, 1},
		{"bad limit", "/entries?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "/entries?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tt.target, "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp struct {
				Status string             `json:"status"`
				Result []models.EntryView `json:"result"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if len(resp.Result) != tt.count {
				t.Errorf("got %d entries, want %d", len(resp.Result), tt.count)
			}
		})
	}

	rec := doRequest(h, http.MethodGet, "/entries/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET entry status = %d", rec.Code)
	}
	var one struct {
		Result models.EntryView `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&one); err != nil {
		t.Fatal(err)
	}
	want := []models.EntryEmotion{
		{ID: "joy", Label: "😊 Радость", Intensity: 8, Band: "strong"},
		{ID: "fear", Label: "😰 Страх", Intensity: 2, Band: "weak"},
	}
	if diff := cmp.Diff(want, one.Result.Emotions); diff != "" {
		t.Errorf("emotions mismatch (-want +got):\n%s", diff)
	}
	if rec := doRequest(h, http.MethodGet, "/entries/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d", rec.Code)
	}
}

func TestTelegramWebhookRunsConversation(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewInMemoryStore()
	srv := newTestServer(t, st)
	client := telegram.NewMockClient()
	srv.Register(messaging.NewTelegramService(client, testPresenter()))
	h := srv.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.dispatcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.dispatcher.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	body := `{"update_id":1,"message":{"message_id":5,"text":"/start","chat":{"id":42,"type":"private"},"entities":[{"type":"bot_command","offset":0,"length":6}]}}`
	if rec := doRequest(h, http.MethodPost, TelegramWebhookPath, body); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(client.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply sent")
		}
		time.Sleep(time.Millisecond)
	}
	msg, _ := client.Last()
	if msg.ChatID != 42 || !strings.Contains(msg.Text, "Какие эмоции") {
		t.Errorf("unexpected reply %+v", msg)
	}
	if sess := srv.sessions.Get("tg:42"); sess == nil || sess.State() != diary.StateSelectingEmotions {
		t.Errorf("expected selecting session, got %+v", sess)
	}
	// The Twilio route is not mounted without a Twilio service.
	if rec := doRequest(h, http.MethodPost, TwilioWebhookPath, ""); rec.Code != http.StatusNotFound {
		t.Errorf("twilio webhook status = %d, want 404", rec.Code)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newTestServer(t, store.NewInMemoryStore(), WithAddr("127.0.0.1:0"), WithSessionTTL(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestBuildGateway(t *testing.T) {
	ctx := context.Background()
	formatter := persist.NewFormatter(nil, time.UTC)

	if _, err := buildGateway(ctx, PersistConfig{Backend: "ftp"}, store.NewInMemoryStore(), formatter); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := buildGateway(ctx, PersistConfig{Backend: BackendAppsScript}, store.NewInMemoryStore(), formatter); err == nil {
		t.Error("expected error for apps script without url")
	}

	st := store.NewInMemoryStore()
	g, err := buildGateway(ctx, PersistConfig{}, st, formatter)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Append(ctx, sampleEntry("tg:1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if entries, _ := st.ListEntries("", 0); len(entries) != 1 {
		t.Errorf("default backend should write to the store, got %d entries", len(entries))
	}
}

func TestBuildGatewayMirrorsAppsScriptToStore(t *testing.T) {
	script := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	defer script.Close()

	st := store.NewInMemoryStore()
	cfg := PersistConfig{Backend: BackendAppsScript, AppsScriptURL: script.URL, MirrorStore: true, Attempts: 1}
	g, err := buildGateway(context.Background(), cfg, st, persist.NewFormatter(nil, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Append(context.Background(), sampleEntry("wa:1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if entries, _ := st.ListEntries("wa:1", 0); len(entries) != 1 {
		t.Errorf("expected mirrored entry, got %d", len(entries))
	}
}

func TestOpenStore(t *testing.T) {
	st, err := openStore("  ")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*store.InMemoryStore); !ok {
		t.Errorf("expected in-memory store, got %T", st)
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec.Body.String() != string(fallbackErrorResponse) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("missing Cache-Control")
	}

	rec = httptest.NewRecorder()
	writeError(rec, http.StatusTeapot, "short and stout")
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusTeapot || resp.Status != string(models.APIStatusError) || resp.Message != "short and stout" {
		t.Errorf("unexpected error response %d %+v", rec.Code, resp)
	}
}
