package diary

import "github.com/BTreeMap/EmotionPipe/internal/emotion"

// EventKind discriminates inbound events.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventToggleEmotion
	EventConfirmSelections
	EventChooseIntensity
	EventBack
	EventCancel
	EventReasonText
	EventUnrecognized
	EventDecorative
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventToggleEmotion:
		return "toggle_emotion"
	case EventConfirmSelections:
		return "confirm_selections"
	case EventChooseIntensity:
		return "choose_intensity"
	case EventBack:
		return "back"
	case EventCancel:
		return "cancel"
	case EventReasonText:
		return "reason_text"
	case EventUnrecognized:
		return "unrecognized"
	case EventDecorative:
		return "decorative"
	default:
		return "unknown"
	}
}

// Event is a transport-neutral user action.
type Event interface {
	Kind() EventKind
}

// StartCommand begins a new entry, discarding any in-progress one.
type StartCommand struct{}

// ToggleEmotion adds or removes an emotion from the selection.
type ToggleEmotion struct {
	Emotion emotion.ID
}

// ConfirmSelections finishes the selection step.
type ConfirmSelections struct{}

// ChooseIntensity rates the emotion under the cursor.
type ChooseIntensity struct {
	Value int
}

// Back steps to the previous step.
type Back struct{}

// Cancel abandons the in-progress entry.
type Cancel struct{}

// ReasonText carries free text typed by the user.
type ReasonText struct {
	Text string
}

// Unrecognized is any inbound content the transport could not classify.
type Unrecognized struct{}

// Decorative is a press on a non-actionable button, such as a band header.
type Decorative struct{}

func (StartCommand) Kind() EventKind      { return EventStart }
func (ToggleEmotion) Kind() EventKind     { return EventToggleEmotion }
func (ConfirmSelections) Kind() EventKind { return EventConfirmSelections }
func (ChooseIntensity) Kind() EventKind   { return EventChooseIntensity }
func (Back) Kind() EventKind              { return EventBack }
func (Cancel) Kind() EventKind            { return EventCancel }
func (ReasonText) Kind() EventKind        { return EventReasonText }
func (Unrecognized) Kind() EventKind      { return EventUnrecognized }
func (Decorative) Kind() EventKind        { return EventDecorative }
