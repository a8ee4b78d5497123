// Package store provides the DedupRepo interface for inbound update deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound update deduplication record.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound update deduplication.
// Transports redeliver updates they believe were not acknowledged; the
// dispatcher records each update id before acting on it.
type DedupRepo interface {
	// IsDuplicate checks if an update id has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// update was already recorded (duplicate).
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for an update.
	MarkProcessed(messageID string) error

	// PruneDedup deletes records received before olderThan and returns how many were removed.
	PruneDedup(olderThan time.Time) (int64, error)
}
