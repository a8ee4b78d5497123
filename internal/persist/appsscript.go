package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
)

// DefaultAppsScriptTimeout bounds a single webhook call.
const DefaultAppsScriptTimeout = 10 * time.Second

// AppsScriptPayload is the JSON body posted to the Apps Script web app.
type AppsScriptPayload struct {
	Action    string              `json:"action"`
	Timestamp string              `json:"timestamp"`
	Reason    string              `json:"reason"`
	Valence   int                 `json:"valence"`
	Emotions  []AppsScriptEmotion `json:"emotions"`
}

// AppsScriptEmotion is one selection in AppsScriptPayload.
type AppsScriptEmotion struct {
	Emotion   string `json:"emotion"`
	Intensity int    `json:"intensity"`
	Band      string `json:"band"`
}

// AppsScriptGateway posts entries to a Google Apps Script web app that writes the sheet.
type AppsScriptGateway struct {
	url       string
	client    *http.Client
	formatter Formatter
}

// NewAppsScriptGateway creates a gateway for the given deployment URL.
// A nil client gets DefaultAppsScriptTimeout.
func NewAppsScriptGateway(url string, formatter Formatter, client *http.Client) (*AppsScriptGateway, error) {
	if url == "" {
		return nil, fmt.Errorf("apps script url must be provided")
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultAppsScriptTimeout}
	}
	return &AppsScriptGateway{url: url, client: client, formatter: formatter}, nil
}

// Payload builds the request body for entry.
func (g *AppsScriptGateway) Payload(entry diary.FinalizedEntry) AppsScriptPayload {
	p := AppsScriptPayload{
		Action:    "save_emotion",
		Timestamp: g.formatter.Timestamp(entry.CapturedAt),
		Reason:    entry.Reason,
		Valence:   entry.ValenceSum,
		Emotions:  make([]AppsScriptEmotion, 0, len(entry.Selections)),
	}
	for _, sel := range entry.Selections {
		p.Emotions = append(p.Emotions, AppsScriptEmotion{
			Emotion:   g.formatter.EmotionLabel(sel.Emotion),
			Intensity: int(sel.Intensity),
			Band:      BandLabel(sel.Intensity),
		})
	}
	return p
}

// Append posts the entry. Any non-2xx response is a failure.
func (g *AppsScriptGateway) Append(ctx context.Context, entry diary.FinalizedEntry) error {
	body, err := json.Marshal(g.Payload(entry))
	if err != nil {
		return permanentErr("apps script", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return permanentErr("apps script", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		slog.Error("AppsScriptGateway.Append: request failed", "conversation", entry.ConversationID, "error", err)
		return wrapErr("apps script", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("AppsScriptGateway.Append: unexpected status", "status", resp.StatusCode, "body", string(snippet))
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if permanentStatus(resp.StatusCode) {
			return permanentErr("apps script", err)
		}
		return wrapErr("apps script", err)
	}
	slog.Info("AppsScriptGateway.Append: entry posted", "conversation", entry.ConversationID, "selections", len(entry.Selections))
	return nil
}

// permanentStatus reports client errors other than timeouts and rate limits.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
