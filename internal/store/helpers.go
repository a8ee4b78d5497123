package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
)

// entryQueries holds the dialect-specific SQL used by the shared entry helpers.
type entryQueries struct {
	insertEntry     string
	insertSelection string
	selectEntry     string
	listAll         string
	listByConv      string
	selectSelection string
}

var sqliteQueries = entryQueries{
	insertEntry:     `INSERT INTO entries (id, conversation_id, captured_at, reason, valence_sum) VALUES (?, ?, ?, ?, ?)`,
	insertSelection: `INSERT INTO entry_selections (entry_id, position, emotion, intensity) VALUES (?, ?, ?, ?)`,
	selectEntry:     `SELECT id, conversation_id, captured_at, reason, valence_sum FROM entries WHERE id = ?`,
	listAll:         `SELECT id, conversation_id, captured_at, reason, valence_sum FROM entries ORDER BY captured_at DESC LIMIT ?`,
	listByConv:      `SELECT id, conversation_id, captured_at, reason, valence_sum FROM entries WHERE conversation_id = ? ORDER BY captured_at DESC LIMIT ?`,
	selectSelection: `SELECT emotion, intensity FROM entry_selections WHERE entry_id = ? ORDER BY position`,
}

var postgresQueries = entryQueries{
	insertEntry:     `INSERT INTO entries (id, conversation_id, captured_at, reason, valence_sum) VALUES ($1, $2, $3, $4, $5)`,
	insertSelection: `INSERT INTO entry_selections (entry_id, position, emotion, intensity) VALUES ($1, $2, $3, $4)`,
	selectEntry:     `SELECT id, conversation_id, captured_at, reason, valence_sum FROM entries WHERE id = $1`,
	listAll:         `SELECT id, conversation_id, captured_at, reason, valence_sum FROM entries ORDER BY captured_at DESC LIMIT $1`,
	listByConv:      `SELECT id, conversation_id, captured_at, reason, valence_sum FROM entries WHERE conversation_id = $1 ORDER BY captured_at DESC LIMIT $2`,
	selectSelection: `SELECT emotion, intensity FROM entry_selections WHERE entry_id = $1 ORDER BY position`,
}

// noLimit stands in for "no LIMIT" since both dialects accept a bound parameter there.
const noLimit = 1 << 30

// insertEntry writes the entry and its selections in one transaction.
func insertEntry(db *sql.DB, q entryQueries, entry diary.FinalizedEntry) (string, error) {
	id := newEntryID()
	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin entry transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(q.insertEntry, id, entry.ConversationID, entry.CapturedAt.UTC(), entry.Reason, entry.ValenceSum); err != nil {
		return "", fmt.Errorf("failed to insert entry for %s: %w", entry.ConversationID, err)
	}
	for i, sel := range entry.Selections {
		if _, err := tx.Exec(q.insertSelection, id, i, string(sel.Emotion), int(sel.Intensity)); err != nil {
			return "", fmt.Errorf("failed to insert selection %d of entry %s: %w", i, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit entry %s: %w", id, err)
	}
	return id, nil
}

func getEntry(db *sql.DB, q entryQueries, id string) (*StoredEntry, error) {
	var e StoredEntry
	err := db.QueryRow(q.selectEntry, id).Scan(&e.ID, &e.ConversationID, &e.CapturedAt, &e.Reason, &e.ValenceSum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry %s: %w", id, err)
	}
	if e.Selections, err = loadSelections(db, q, e.ID); err != nil {
		return nil, err
	}
	return &e, nil
}

func listEntries(db *sql.DB, q entryQueries, conversationID string, limit int) ([]StoredEntry, error) {
	if limit <= 0 {
		limit = noLimit
	}
	var rows *sql.Rows
	var err error
	if conversationID == "" {
		rows, err = db.Query(q.listAll, limit)
	} else {
		rows, err = db.Query(q.listByConv, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []StoredEntry
	for rows.Next() {
		var e StoredEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.CapturedAt, &e.Reason, &e.ValenceSum); err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entry rows: %w", err)
	}
	rows.Close()

	for i := range entries {
		if entries[i].Selections, err = loadSelections(db, q, entries[i].ID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func loadSelections(db *sql.DB, q entryQueries, entryID string) ([]diary.Selection, error) {
	rows, err := db.Query(q.selectSelection, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query selections of entry %s: %w", entryID, err)
	}
	defer rows.Close()

	var out []diary.Selection
	for rows.Next() {
		var id string
		var intensity int
		if err := rows.Scan(&id, &intensity); err != nil {
			return nil, fmt.Errorf("failed to scan selection row: %w", err)
		}
		out = append(out, diary.Selection{Emotion: emotion.ID(id), Intensity: emotion.Intensity(intensity)})
	}
	return out, rows.Err()
}
