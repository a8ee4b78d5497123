package persist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/store"
	"github.com/google/go-cmp/cmp"
)

func testFormatter(t *testing.T) Formatter {
	t.Helper()
	loc := time.FixedZone("MSK", 3*60*60)
	return NewFormatter(emotion.DefaultCatalog(), loc)
}

func testEntry() diary.FinalizedEntry {
	return diary.FinalizedEntry{
		ConversationID: "tg:7",
		Selections:     []diary.Selection{{Emotion: "joy", Intensity: 6}, {Emotion: "fear", Intensity: 2}},
		Reason:         "deadline",
		CapturedAt:     time.Date(2025, 3, 14, 6, 5, 9, 0, time.UTC),
		ValenceSum:     40,
	}
}

func TestFormatterRows(t *testing.T) {
	f := testFormatter(t)
	got := f.Rows(testEntry())
	want := [][]interface{}{
		{"14.03.2025, 09:05:09", "😊 Радость", 6, "🟡 средняя", "deadline", 40},
		{"14.03.2025, 09:05:09", "😰 Страх", 2, "🟢 слабая", "deadline", 40},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadLocationFallback(t *testing.T) {
	if loc := LoadLocation("Not/AZone"); loc != time.UTC {
		t.Errorf("expected UTC fallback, got %v", loc)
	}
}

// fakeSheets records calls made by SheetsGateway.
type fakeSheets struct {
	mu        sync.Mutex
	header    []string
	rows      [][]interface{}
	merges    [][2]int64
	appendErr error
	reads     int
}

func (f *fakeSheets) ReadHeader(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.header, nil
}

func (f *fakeSheets) WriteHeader(ctx context.Context, header []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.header = append([]string(nil), header...)
	return nil
}

func (f *fakeSheets) AppendRows(ctx context.Context, rows [][]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return "", f.appendErr
	}
	first := len(f.rows) + 2 // row 1 is the header
	f.rows = append(f.rows, rows...)
	last := len(f.rows) + 1
	return "'Лист1'!A" + strconv.Itoa(first) + ":F" + strconv.Itoa(last), nil
}

func (f *fakeSheets) MergeRows(ctx context.Context, firstRow, lastRow int64, columns []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, [2]int64{firstRow, lastRow})
	return nil
}

func TestSheetsGatewayWritesHeaderOnce(t *testing.T) {
	backend := &fakeSheets{}
	g := newSheetsGateway(backend, testFormatter(t))

	if err := g.Append(context.Background(), testEntry()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	single := testEntry()
	single.Selections = single.Selections[:1]
	if err := g.Append(context.Background(), single); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if diff := cmp.Diff(SheetHeader, backend.header); diff != "" {
		t.Errorf("header mismatch:\n%s", diff)
	}
	if backend.reads != 1 {
		t.Errorf("header read %d times, want 1", backend.reads)
	}
	if len(backend.rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(backend.rows))
	}
	// Only the two-row entry is merged.
	if diff := cmp.Diff([][2]int64{{2, 3}}, backend.merges); diff != "" {
		t.Errorf("merges mismatch:\n%s", diff)
	}
}

func TestSheetsGatewayKeepsExistingHeader(t *testing.T) {
	backend := &fakeSheets{header: []string{"Дата и время", "custom"}}
	g := newSheetsGateway(backend, testFormatter(t))
	if err := g.Append(context.Background(), testEntry()); err != nil {
		t.Fatal(err)
	}
	if len(backend.header) != 2 {
		t.Errorf("existing header was overwritten: %v", backend.header)
	}
}

func TestSheetsGatewayAppendFailure(t *testing.T) {
	backend := &fakeSheets{appendErr: errors.New("quota exceeded")}
	g := newSheetsGateway(backend, testFormatter(t))
	err := g.Append(context.Background(), testEntry())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(backend.merges) != 0 {
		t.Error("no merge expected after failed append")
	}
}

func TestParseRowSpan(t *testing.T) {
	tests := []struct {
		in          string
		first, last int64
		wantErr     bool
	}{
		{"'Лист1'!A5:F6", 5, 6, false},
		{"Sheet1!A10:F10", 10, 10, false},
		{"A3", 3, 3, false},
		{"Sheet1!$A$7:$F$9", 7, 9, false},
		{"Sheet1!A:F", 0, 0, true},
		{"", 0, 0, true},
		{"Sheet1!A9:F2", 0, 0, true},
	}
	for _, tt := range tests {
		first, last, err := parseRowSpan(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRowSpan(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if first != tt.first || last != tt.last {
			t.Errorf("parseRowSpan(%q) = %d,%d want %d,%d", tt.in, first, last, tt.first, tt.last)
		}
	}
}

func TestAppsScriptGateway(t *testing.T) {
	var got AppsScriptPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	g, err := NewAppsScriptGateway(srv.URL, testFormatter(t), srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Append(context.Background(), testEntry()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := AppsScriptPayload{
		Action:    "save_emotion",
		Timestamp: "14.03.2025, 09:05:09",
		Reason:    "deadline",
		Valence:   40,
		Emotions: []AppsScriptEmotion{
			{Emotion: "😊 Радость", Intensity: 6, Band: "🟡 средняя"},
			{Emotion: "😰 Страх", Intensity: 2, Band: "🟢 слабая"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestAppsScriptGatewayRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, _ := strconv.Atoi(r.URL.Query().Get("status"))
		http.Error(w, "nope", status)
	}))
	defer srv.Close()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
	}
	for _, tt := range tests {
		g, _ := NewAppsScriptGateway(srv.URL+"?status="+strconv.Itoa(tt.status), testFormatter(t), srv.Client())
		err := g.Append(context.Background(), testEntry())
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("status %d: expected ErrPersistence, got %v", tt.status, err)
		}
		if errors.Is(err, ErrPermanent) != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, !tt.permanent, tt.permanent)
		}
	}
	if _, err := NewAppsScriptGateway("", testFormatter(t), nil); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestStoreGateway(t *testing.T) {
	st := store.NewInMemoryStore()
	g := NewStoreGateway(st)
	if err := g.Append(context.Background(), testEntry()); err != nil {
		t.Fatal(err)
	}
	entries, _ := st.ListEntries("tg:7", 0)
	if len(entries) != 1 || entries[0].Reason != "deadline" {
		t.Errorf("unexpected stored entries %+v", entries)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Append(ctx, testEntry()); !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence on cancelled context, got %v", err)
	}
}

func TestMultiReportsPrimaryOnly(t *testing.T) {
	var mirrored int
	ok := GatewayFunc(func(context.Context, diary.FinalizedEntry) error { return nil })
	bad := GatewayFunc(func(context.Context, diary.FinalizedEntry) error { return errors.New("down") })
	count := GatewayFunc(func(context.Context, diary.FinalizedEntry) error { mirrored++; return nil })

	if err := Multi(ok, bad, count).Append(context.Background(), testEntry()); err != nil {
		t.Errorf("mirror failure must not fail the append: %v", err)
	}
	if mirrored != 1 {
		t.Errorf("later mirrors should still run, got %d", mirrored)
	}
	if err := Multi(bad, count).Append(context.Background(), testEntry()); err == nil {
		t.Error("primary failure must be reported")
	}
	if mirrored != 1 {
		t.Error("mirrors must not run after primary failure")
	}
}

func TestWithRetry(t *testing.T) {
	calls := 0
	flaky := GatewayFunc(func(context.Context, diary.FinalizedEntry) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err := WithRetry(flaky, 3, time.Millisecond).Append(context.Background(), testEntry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}

	calls = 0
	if err := WithRetry(flaky, 1, time.Millisecond).Append(context.Background(), testEntry()); err == nil {
		t.Error("single attempt should surface the first failure")
	}
}

func TestWithRetryStopsOnPermanentFailure(t *testing.T) {
	sheets := newSheetsGateway(&fakeSheets{}, testFormatter(t))
	calls := 0
	g := WithRetry(GatewayFunc(func(ctx context.Context, e diary.FinalizedEntry) error {
		calls++
		return sheets.Append(ctx, e)
	}), 3, time.Millisecond)

	empty := testEntry()
	empty.Selections = nil
	err := g.Append(context.Background(), empty)
	if !errors.Is(err, ErrPermanent) || !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected permanent persistence failure, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent failure retried: %d calls", calls)
	}
}

func TestWithTimeout(t *testing.T) {
	slow := GatewayFunc(func(ctx context.Context, _ diary.FinalizedEntry) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := WithTimeout(slow, 10*time.Millisecond).Append(context.Background(), testEntry())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
