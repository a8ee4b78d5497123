// Package diary implements the per-conversation emotion diary state machine.
//
// A conversation moves through Idle → SelectingEmotions → SettingIntensity →
// EnteringReason and back to Idle once the entry is finalized or cancelled.
// The Engine is pure: it maps (session, event) to a new session plus render and
// persist intents, and never performs I/O itself.
package diary

import (
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/emotion"
)

// StateKind names the externally visible state of a conversation.
type StateKind int

const (
	StateIdle StateKind = iota
	StateSelectingEmotions
	StateSettingIntensity
	StateEnteringReason
)

func (s StateKind) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelectingEmotions:
		return "selecting_emotions"
	case StateSettingIntensity:
		return "setting_intensity"
	case StateEnteringReason:
		return "entering_reason"
	default:
		return "unknown"
	}
}

// Step carries the data that only exists in a particular state.
// Implementations are Selecting, Rating and Reasoning.
type Step interface {
	Kind() StateKind
}

// Selecting is the multi-select emotion picker step.
type Selecting struct{}

// Kind implements Step.
func (Selecting) Kind() StateKind { return StateSelectingEmotions }

// Rating asks for the intensity of Selections[Cursor].
type Rating struct {
	Cursor int
}

// Kind implements Step.
func (Rating) Kind() StateKind { return StateSettingIntensity }

// Reasoning waits for the free-text reason.
type Reasoning struct{}

// Kind implements Step.
func (Reasoning) Kind() StateKind { return StateEnteringReason }

// Selection pairs a chosen emotion with its intensity. Intensity 0 means unset.
type Selection struct {
	Emotion   emotion.ID        `json:"emotion"`
	Intensity emotion.Intensity `json:"intensity"`
}

// Rated reports whether an intensity has been chosen.
func (s Selection) Rated() bool {
	return s.Intensity.Valid()
}

// Session is the in-progress state of one conversation. A nil *Session is Idle.
type Session struct {
	Step       Step
	Selections []Selection
	// MessageRef points at the transport message that renders the current step,
	// so it can be edited in place. Empty when no such message exists yet.
	MessageRef string
}

// State returns the state kind of s, treating nil as Idle.
func (s *Session) State() StateKind {
	if s == nil || s.Step == nil {
		return StateIdle
	}
	return s.Step.Kind()
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Selections != nil {
		c.Selections = make([]Selection, len(s.Selections))
		copy(c.Selections, s.Selections)
	}
	return &c
}

// Cursor returns the rating cursor, or -1 outside SettingIntensity.
func (s *Session) Cursor() int {
	if s == nil {
		return -1
	}
	if r, ok := s.Step.(Rating); ok {
		return r.Cursor
	}
	return -1
}

// IndexOf returns the position of id in the selection list, or -1.
func (s *Session) IndexOf(id emotion.ID) int {
	if s == nil {
		return -1
	}
	for i, sel := range s.Selections {
		if sel.Emotion == id {
			return i
		}
	}
	return -1
}

// SelectedIDs returns the selected emotion ids in selection order.
func (s *Session) SelectedIDs() []emotion.ID {
	if s == nil {
		return nil
	}
	ids := make([]emotion.ID, len(s.Selections))
	for i, sel := range s.Selections {
		ids[i] = sel.Emotion
	}
	return ids
}

// FinalizedEntry is the immutable record produced when a conversation completes.
type FinalizedEntry struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	Selections     []Selection `json:"selections"`
	Reason         string      `json:"reason"`
	CapturedAt     time.Time   `json:"captured_at"`
	ValenceSum     int         `json:"valence_sum"`
}

// ValenceSum computes Σ coefficient(e) × intensity(e) over the selections.
func ValenceSum(catalog *emotion.Catalog, selections []Selection) int {
	sum := 0
	for _, sel := range selections {
		sum += catalog.Coefficient(sel.Emotion) * int(sel.Intensity)
	}
	return sum
}
