package messaging

import (
	"slices"
	"strconv"
	"strings"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
)

// Typed commands understood by text-mode transports, lower-cased.
var (
	startWords   = []string{"start", "/start", "старт", "новая", "запись"}
	cancelWords  = []string{"cancel", "/cancel", "отмена"}
	backWords    = []string{"back", "/back", "назад"}
	confirmWords = []string{"done", "готово", "далее"}
)

// DecodeText turns a text-mode message into an event. Numbers select
// emotions while selecting and intensities while rating; anywhere else text
// is treated as free text.
func DecodeText(text string, state diary.StateKind, catalog *emotion.Catalog) diary.Event {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return diary.Unrecognized{}
	}
	word := strings.ToLower(trimmed)

	switch {
	case slices.Contains(startWords, word):
		return diary.StartCommand{}
	case slices.Contains(cancelWords, word) && state != diary.StateIdle:
		return diary.Cancel{}
	case slices.Contains(backWords, word) && state != diary.StateIdle:
		return diary.Back{}
	}

	switch state {
	case diary.StateSelectingEmotions:
		if slices.Contains(confirmWords, word) {
			return diary.ConfirmSelections{}
		}
		if n, err := strconv.Atoi(word); err == nil {
			if e, ok := catalog.At(n); ok {
				return diary.ToggleEmotion{Emotion: e.ID}
			}
			// Out of range: let the engine reject it as an unknown emotion.
			return diary.ToggleEmotion{Emotion: emotion.ID("#" + word)}
		}
	case diary.StateSettingIntensity:
		if n, err := strconv.Atoi(word); err == nil {
			return diary.ChooseIntensity{Value: n}
		}
	}
	return diary.ReasonText{Text: trimmed}
}
