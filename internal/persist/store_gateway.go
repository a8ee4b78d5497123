package persist

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/store"
)

// EntryStore is the part of store.Store used by StoreGateway.
type EntryStore interface {
	AddEntry(entry diary.FinalizedEntry) (string, error)
}

// StoreGateway writes entries to the local database.
type StoreGateway struct {
	st EntryStore
}

// NewStoreGateway wraps a store.
func NewStoreGateway(st EntryStore) *StoreGateway {
	return &StoreGateway{st: st}
}

// Compile-time check that store.Store satisfies EntryStore.
var _ EntryStore = (store.Store)(nil)

// Append implements Gateway.
func (g *StoreGateway) Append(ctx context.Context, entry diary.FinalizedEntry) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("store", err)
	}
	id, err := g.st.AddEntry(entry)
	if err != nil {
		return wrapErr("store", err)
	}
	slog.Debug("StoreGateway.Append: entry stored", "id", id, "conversation", entry.ConversationID)
	return nil
}
