package diary

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/emotion"
)

// Error categories produced by Apply. Both leave the session untouched.
var (
	// ErrProtocolViolation marks an event that is not valid in the current state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrValidation marks an event that is valid in form but fails a content check.
	ErrValidation = errors.New("validation failure")
)

// Result is the outcome of applying one event.
type Result struct {
	// Session is the next session; nil means the conversation returns to Idle.
	Session *Session
	// Changed is false when the event left the session exactly as it was.
	Changed bool
	// Render is what to show the user, if anything.
	Render RenderIntent
	// Persist is set when the conversation finalized an entry.
	Persist *FinalizedEntry
	// Err is a wrapped ErrProtocolViolation or ErrValidation.
	Err error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used to stamp finalized entries.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine applies events to sessions. It is safe for concurrent use.
type Engine struct {
	catalog *emotion.Catalog
	now     func() time.Time
}

// NewEngine creates an engine over the given catalog.
func NewEngine(catalog *emotion.Catalog, opts ...EngineOption) *Engine {
	if catalog == nil {
		catalog = emotion.DefaultCatalog()
	}
	e := &Engine{catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog the engine validates against.
func (e *Engine) Catalog() *emotion.Catalog {
	return e.catalog
}

type transitionKey struct {
	state StateKind
	event EventKind
}

// transitionFunc receives a private copy of the current session.
type transitionFunc func(e *Engine, s *Session, ev Event) Result

var transitions = map[transitionKey]transitionFunc{
	{StateSelectingEmotions, EventToggleEmotion}:     (*Engine).toggleEmotion,
	{StateSelectingEmotions, EventConfirmSelections}: (*Engine).confirmSelections,
	{StateSettingIntensity, EventChooseIntensity}:    (*Engine).chooseIntensity,
	{StateSettingIntensity, EventBack}:               (*Engine).backFromRating,
	{StateEnteringReason, EventBack}:                 (*Engine).backFromReasoning,
	{StateEnteringReason, EventReasonText}:           (*Engine).finalize,
}

// anyState transitions apply when no state-specific transition matches.
var anyState = map[EventKind]transitionFunc{
	EventStart:        (*Engine).start,
	EventCancel:       (*Engine).cancel,
	EventDecorative:   (*Engine).noop,
	EventUnrecognized: (*Engine).hint,
	EventReasonText:   (*Engine).hint,
}

// Apply computes the transition for ev from current. current is never modified.
func (e *Engine) Apply(current *Session, ev Event) Result {
	if ev == nil {
		return violation(current, "nil event")
	}
	state := current.State()
	if fn, ok := transitions[transitionKey{state, ev.Kind()}]; ok {
		return fn(e, current.Clone(), ev)
	}
	if fn, ok := anyState[ev.Kind()]; ok {
		return fn(e, current.Clone(), ev)
	}
	return violation(current, fmt.Sprintf("%s not allowed in %s", ev.Kind(), state))
}

func violation(current *Session, msg string) Result {
	return Result{Session: current, Err: fmt.Errorf("%w: %s", ErrProtocolViolation, msg)}
}

func invalid(current *Session, msg string) Result {
	return Result{Session: current, Err: fmt.Errorf("%w: %s", ErrValidation, msg)}
}

func (e *Engine) start(s *Session, _ Event) Result {
	return Result{
		Session: &Session{Step: Selecting{}},
		Changed: true,
		Render:  EmotionPicker{},
	}
}

func (e *Engine) cancel(_ *Session, _ Event) Result {
	return Result{Session: nil, Changed: true, Render: Cancelled{}}
}

func (e *Engine) noop(s *Session, _ Event) Result {
	return Result{Session: s}
}

func (e *Engine) hint(s *Session, _ Event) Result {
	return Result{Session: s, Render: UseButtonsHint{}}
}

func (e *Engine) toggleEmotion(s *Session, ev Event) Result {
	id := ev.(ToggleEmotion).Emotion
	if !e.catalog.Contains(id) {
		return violation(s, fmt.Sprintf("unknown emotion %q", id))
	}
	if i := s.IndexOf(id); i >= 0 {
		s.Selections = append(s.Selections[:i], s.Selections[i+1:]...)
	} else {
		s.Selections = append(s.Selections, Selection{Emotion: id})
	}
	return Result{Session: s, Changed: true, Render: EmotionPicker{Selected: s.SelectedIDs()}}
}

func (e *Engine) confirmSelections(s *Session, _ Event) Result {
	if len(s.Selections) == 0 {
		return invalid(s, "no emotions selected")
	}
	s.Step = Rating{Cursor: 0}
	return Result{Session: s, Changed: true, Render: e.intensityPicker(s, 0)}
}

func (e *Engine) chooseIntensity(s *Session, ev Event) Result {
	v := emotion.Intensity(ev.(ChooseIntensity).Value)
	if !v.Valid() {
		return violation(s, fmt.Sprintf("intensity %d out of range", v))
	}
	cursor := s.Cursor()
	if cursor < 0 || cursor >= len(s.Selections) {
		return violation(s, fmt.Sprintf("cursor %d outside selections", cursor))
	}
	s.Selections[cursor].Intensity = v

	next := nextUnrated(s.Selections, cursor)
	if next < 0 {
		s.Step = Reasoning{}
		return Result{Session: s, Changed: true, Render: ReasonPrompt{Selections: cloneSelections(s.Selections)}}
	}
	s.Step = Rating{Cursor: next}
	return Result{Session: s, Changed: true, Render: e.intensityPicker(s, next)}
}

func (e *Engine) backFromRating(s *Session, _ Event) Result {
	cursor := s.Cursor()
	if cursor <= 0 {
		for i := range s.Selections {
			s.Selections[i].Intensity = 0
		}
		s.Step = Selecting{}
		return Result{Session: s, Changed: true, Render: EmotionPicker{Selected: s.SelectedIDs()}}
	}
	cursor--
	s.Selections[cursor].Intensity = 0
	s.Step = Rating{Cursor: cursor}
	return Result{Session: s, Changed: true, Render: e.intensityPicker(s, cursor)}
}

func (e *Engine) backFromReasoning(s *Session, _ Event) Result {
	if len(s.Selections) == 0 {
		return violation(s, "no selections to rate")
	}
	for i := range s.Selections {
		s.Selections[i].Intensity = 0
	}
	last := len(s.Selections) - 1
	s.Step = Rating{Cursor: last}
	return Result{Session: s, Changed: true, Render: e.intensityPicker(s, last)}
}

func (e *Engine) finalize(s *Session, ev Event) Result {
	reason := strings.TrimSpace(ev.(ReasonText).Text)
	if reason == "" {
		return invalid(s, "empty reason")
	}
	if len(s.Selections) == 0 {
		return violation(s, "no selections")
	}
	for _, sel := range s.Selections {
		if !sel.Rated() {
			return violation(s, fmt.Sprintf("emotion %q has no intensity", sel.Emotion))
		}
	}
	entry := &FinalizedEntry{
		Selections: cloneSelections(s.Selections),
		Reason:     reason,
		CapturedAt: e.now(),
		ValenceSum: ValenceSum(e.catalog, s.Selections),
	}
	return Result{Session: nil, Changed: true, Persist: entry}
}

// View returns the intent that re-renders the current step of s, or nil when Idle.
func (e *Engine) View(s *Session) RenderIntent {
	switch s.State() {
	case StateSelectingEmotions:
		return EmotionPicker{Selected: s.SelectedIDs()}
	case StateSettingIntensity:
		cursor := s.Cursor()
		if cursor < 0 || cursor >= len(s.Selections) {
			return nil
		}
		return e.intensityPicker(s, cursor)
	case StateEnteringReason:
		return ReasonPrompt{Selections: cloneSelections(s.Selections)}
	}
	return nil
}

func (e *Engine) intensityPicker(s *Session, cursor int) IntensityPicker {
	return IntensityPicker{
		Emotion:  s.Selections[cursor].Emotion,
		Position: cursor + 1,
		Total:    len(s.Selections),
	}
}

// nextUnrated returns the first unrated index after cursor, wrapping to the
// start of the list, or -1 when every selection is rated.
func nextUnrated(sel []Selection, cursor int) int {
	for i := cursor + 1; i < len(sel); i++ {
		if !sel[i].Rated() {
			return i
		}
	}
	for i := 0; i <= cursor && i < len(sel); i++ {
		if !sel[i].Rated() {
			return i
		}
	}
	return -1
}

func cloneSelections(sel []Selection) []Selection {
	out := make([]Selection, len(sel))
	copy(out, sel)
	return out
}
