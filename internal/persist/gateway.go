// Package persist records finalized diary entries in external storage.
//
// A Gateway accepts whole entries only: an append either happened or it did
// not. Retry policy lives here (WithRetry), never in the conversation engine.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/util"
	"github.com/cenkalti/backoff"
)

// DefaultTimezone is used to format timestamps when none is configured.
const DefaultTimezone = "Europe/Moscow"

// TimestampLayout is the display format for entry timestamps.
const TimestampLayout = "02.01.2006, 15:04:05"

// ErrPersistence wraps every failure returned by a gateway.
var ErrPersistence = errors.New("persistence failure")

// ErrPermanent marks failures that retrying the same entry cannot fix.
var ErrPermanent = errors.New("permanent")

// Gateway durably records one finalized entry.
type Gateway interface {
	Append(ctx context.Context, entry diary.FinalizedEntry) error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, entry diary.FinalizedEntry) error

// Append implements Gateway.
func (f GatewayFunc) Append(ctx context.Context, entry diary.FinalizedEntry) error {
	return f(ctx, entry)
}

// Formatter turns entries into display values shared by the spreadsheet backends.
type Formatter struct {
	catalog  *emotion.Catalog
	location *time.Location
}

// NewFormatter creates a formatter. A nil location falls back to UTC.
func NewFormatter(catalog *emotion.Catalog, loc *time.Location) Formatter {
	if catalog == nil {
		catalog = emotion.DefaultCatalog()
	}
	if loc == nil {
		loc = time.UTC
	}
	return Formatter{catalog: catalog, location: loc}
}

// LoadLocation resolves a timezone name, falling back to UTC with a warning.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("persist.LoadLocation: unknown timezone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// Timestamp formats t in the formatter's timezone.
func (f Formatter) Timestamp(t time.Time) string {
	return t.In(f.location).Format(TimestampLayout)
}

// EmotionLabel returns the emoji and label for id, or the raw id when unknown.
func (f Formatter) EmotionLabel(id emotion.ID) string {
	e, err := f.catalog.Lookup(id)
	if err != nil {
		return string(id)
	}
	return e.Display()
}

// BandLabel returns e.g. "🟡 средняя".
func BandLabel(i emotion.Intensity) string {
	b := emotion.BandOf(i)
	return b.Glyph() + " " + b.Label()
}

// SheetHeader is the header row written to empty spreadsheets.
var SheetHeader = []string{"Дата и время", "Эмоция", "Интенсивность", "Уровень", "Причина", "Валентность"}

// Column positions within SheetHeader.
const (
	ColTimestamp = iota
	ColEmotion
	ColIntensity
	ColBand
	ColReason
	ColValence
)

// MergeColumns are the per-entry columns merged vertically when an entry spans several rows.
var MergeColumns = []int64{ColTimestamp, ColReason, ColValence}

// Rows renders one row per selection, in selection order.
func (f Formatter) Rows(entry diary.FinalizedEntry) [][]interface{} {
	ts := f.Timestamp(entry.CapturedAt)
	rows := make([][]interface{}, 0, len(entry.Selections))
	for _, sel := range entry.Selections {
		rows = append(rows, []interface{}{
			ts,
			f.EmotionLabel(sel.Emotion),
			int(sel.Intensity),
			BandLabel(sel.Intensity),
			entry.Reason,
			entry.ValenceSum,
		})
	}
	return rows
}

// Multi appends to primary and then to each mirror. Only the primary's
// outcome is reported; mirror failures are logged.
func Multi(primary Gateway, mirrors ...Gateway) Gateway {
	return GatewayFunc(func(ctx context.Context, entry diary.FinalizedEntry) error {
		if err := primary.Append(ctx, entry); err != nil {
			return err
		}
		for i, m := range mirrors {
			if err := m.Append(ctx, entry); err != nil {
				slog.Warn("persist.Multi: mirror append failed", "mirror", i, "conversation", entry.ConversationID, "error", err)
			}
		}
		return nil
	})
}

// WithRetry retries failed appends up to attempts times with exponential backoff.
// Failures wrapping ErrPermanent are returned at once.
func WithRetry(g Gateway, attempts int, initial time.Duration) Gateway {
	if attempts <= 1 {
		return g
	}
	return GatewayFunc(func(ctx context.Context, entry diary.FinalizedEntry) error {
		return util.Retry(ctx, "persist.Append", attempts, initial, func(int) error {
			err := g.Append(ctx, entry)
			if errors.Is(err, ErrPermanent) {
				return backoff.Permanent(err)
			}
			return err
		})
	})
}

// WithTimeout bounds each append.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return g
	}
	return GatewayFunc(func(ctx context.Context, entry diary.FinalizedEntry) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return g.Append(ctx, entry)
	})
}

func wrapErr(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, backend, err)
}

func permanentErr(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w: %w", ErrPersistence, backend, ErrPermanent, err)
}
