// Package testutil provides common test utilities and helpers for EmotionPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/api"
	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/messaging"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
	"github.com/BTreeMap/EmotionPipe/internal/session"
	"github.com/BTreeMap/EmotionPipe/internal/store"
)

// TB is the subset of testing.TB used by the helpers, so they can be tested with a fake.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewTestServer creates an API server backed by an in-memory store and no transports.
func NewTestServer(opts ...api.Option) (*api.Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	catalog := emotion.DefaultCatalog()
	sessions := session.NewStore()
	d := messaging.NewDispatcher(diary.NewEngine(catalog), sessions, persist.NewStoreGateway(st), messaging.WithDedup(st))
	return api.NewServer(st, sessions, d, catalog, opts...), st
}

// SampleEntry returns a two-emotion entry captured at at.
func SampleEntry(conversationID string, at time.Time) diary.FinalizedEntry {
	return diary.FinalizedEntry{
		ConversationID: conversationID,
		Selections:     []diary.Selection{{Emotion: "joy", Intensity: 6}, {Emotion: "fear", Intensity: 2}},
		Reason:         "test reason",
		CapturedAt:     at,
		ValenceSum:     40,
	}
}

// SeedEntries adds n sample entries for conversationID, one minute apart, and returns their ids.
func SeedEntries(t TB, st store.Store, conversationID string, n int) []string {
	t.Helper()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.AddEntry(SampleEntry(conversationID, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("failed to add test entry: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

// AssertEntryCount validates the number of stored entries for conversationID.
func AssertEntryCount(t TB, st store.Store, conversationID string, expected int, context string) {
	t.Helper()
	entries, err := st.ListEntries(conversationID, 0)
	if err != nil {
		t.Fatalf("%s: failed to list entries: %v", context, err)
	}
	if len(entries) != expected {
		t.Errorf("%s: expected %d entries, got %d", context, expected, len(entries))
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request, as sent by Twilio webhooks.
func CreateFormRequest(t TB, target string, form map[string]string) *http.Request {
	t.Helper()
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
