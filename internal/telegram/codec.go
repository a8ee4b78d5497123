package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/presenter"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback data values.
const (
	DataStart           = "add_entry"
	DataConfirm         = "confirm"
	DataBack            = "back"
	DataCancel          = "cancel"
	DataIgnore          = "ignore"
	DataEmotionPrefix   = "emotion_"
	DataIntensityPrefix = "intensity_"
)

// maxCallbackData is the Bot API limit on callback_data, in bytes.
const maxCallbackData = 64

// EncodeEvent returns the callback data for ev.
func EncodeEvent(ev diary.Event) string {
	switch e := ev.(type) {
	case diary.StartCommand:
		return DataStart
	case diary.ToggleEmotion:
		return DataEmotionPrefix + string(e.Emotion)
	case diary.ConfirmSelections:
		return DataConfirm
	case diary.ChooseIntensity:
		return DataIntensityPrefix + strconv.Itoa(e.Value)
	case diary.Back:
		return DataBack
	case diary.Cancel:
		return DataCancel
	default:
		return DataIgnore
	}
}

// DecodeCallback maps callback data back to an event. Unknown data decodes
// to Decorative so stray buttons are acknowledged and otherwise ignored.
func DecodeCallback(data string) diary.Event {
	switch data {
	case DataStart:
		return diary.StartCommand{}
	case DataConfirm:
		return diary.ConfirmSelections{}
	case DataBack:
		return diary.Back{}
	case DataCancel:
		return diary.Cancel{}
	}
	if id, ok := strings.CutPrefix(data, DataEmotionPrefix); ok && id != "" {
		return diary.ToggleEmotion{Emotion: emotion.ID(id)}
	}
	if raw, ok := strings.CutPrefix(data, DataIntensityPrefix); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			return diary.ChooseIntensity{Value: n}
		}
	}
	return diary.Decorative{}
}

// Keyboard converts presenter buttons to an inline keyboard. It returns nil for no buttons.
func Keyboard(rows [][]presenter.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			data := EncodeEvent(b.Action)
			if len(data) > maxCallbackData {
				data = DataIgnore
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, data))
		}
		out = append(out, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}

// Incoming is a decoded Telegram update.
type Incoming struct {
	UpdateID   int
	ChatID     int64
	MessageID  int // message that carried the text or the pressed keyboard
	CallbackID string
	Event      diary.Event
	Text       string
	ReceivedAt time.Time
}

// Commands recognised in text messages.
const (
	CommandStart  = "start"
	CommandCancel = "cancel"
	CommandBack   = "back"
)

// DecodeUpdate classifies an update. ok is false for updates that carry no
// chat, such as inline queries or channel posts without a sender chat.
func DecodeUpdate(u tgbotapi.Update) (Incoming, bool) {
	in := Incoming{UpdateID: u.UpdateID, ReceivedAt: time.Now()}
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || cq.Message.Chat == nil {
			return in, false
		}
		in.ChatID = cq.Message.Chat.ID
		in.MessageID = cq.Message.MessageID
		in.CallbackID = cq.ID
		in.Event = DecodeCallback(cq.Data)
		return in, true

	case u.Message != nil:
		msg := u.Message
		if msg.Chat == nil {
			return in, false
		}
		in.ChatID = msg.Chat.ID
		in.MessageID = msg.MessageID
		in.Text = msg.Text
		in.Event = decodeMessage(msg)
		return in, true
	}
	return in, false
}

func decodeMessage(msg *tgbotapi.Message) diary.Event {
	if msg.IsCommand() {
		switch msg.Command() {
		case CommandStart:
			return diary.StartCommand{}
		case CommandCancel:
			return diary.Cancel{}
		case CommandBack:
			return diary.Back{}
		}
	}
	if msg.Text == "" {
		return diary.Unrecognized{}
	}
	return diary.ReasonText{Text: msg.Text}
}
