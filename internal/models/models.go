// Package models defines the JSON shapes served by the EmotionPipe HTTP API.
package models

import "time"

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// HealthStatus is the result of GET /health.
type HealthStatus struct {
	Status         string         `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Uptime         string         `json:"uptime"`
	ActiveSessions int            `json:"active_sessions"`
	SessionsByStep map[string]int `json:"sessions_by_step,omitempty"`
	Channels       []string       `json:"channels"`
	Pending        int            `json:"pending_conversations"`
}

// EntryEmotion is one rated emotion of an EntryView.
type EntryEmotion struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Intensity int    `json:"intensity"`
	Band      string `json:"band"`
}

// EntryView is a stored diary entry as returned by GET /entries.
type EntryView struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	CapturedAt     time.Time      `json:"captured_at"`
	Reason         string         `json:"reason"`
	ValenceSum     int            `json:"valence_sum"`
	Emotions       []EntryEmotion `json:"emotions"`
}
