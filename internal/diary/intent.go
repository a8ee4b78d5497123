package diary

import "github.com/BTreeMap/EmotionPipe/internal/emotion"

// RenderIntent describes what the user should see next. Transports decide how.
type RenderIntent interface {
	Name() string
}

// EmotionPicker shows the multi-select emotion list with the current marks.
type EmotionPicker struct {
	Selected []emotion.ID
}

// IntensityPicker asks for the intensity of one emotion.
type IntensityPicker struct {
	Emotion  emotion.ID
	Position int // 1-based
	Total    int
}

// ReasonPrompt asks for the free-text reason, summarising the ratings.
type ReasonPrompt struct {
	Selections []Selection
}

// Cancelled confirms that the in-progress entry was discarded.
type Cancelled struct{}

// UseButtonsHint tells the user to start with the buttons.
type UseButtonsHint struct{}

// EntrySaved confirms a persisted entry.
type EntrySaved struct {
	Entry FinalizedEntry
}

// SaveFailed reports a persistence failure; the reason can be sent again.
type SaveFailed struct{}

func (EmotionPicker) Name() string   { return "emotion_picker" }
func (IntensityPicker) Name() string { return "intensity_picker" }
func (ReasonPrompt) Name() string    { return "reason_prompt" }
func (Cancelled) Name() string       { return "cancelled" }
func (UseButtonsHint) Name() string  { return "use_buttons_hint" }
func (EntrySaved) Name() string      { return "entry_saved" }
func (SaveFailed) Name() string      { return "save_failed" }

// InPlace reports whether intent replaces the current wizard message rather
// than arriving as a new one.
func InPlace(intent RenderIntent) bool {
	switch intent.(type) {
	case EmotionPicker, IntensityPicker, ReasonPrompt, Cancelled:
		return true
	}
	return false
}
