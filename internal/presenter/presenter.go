// Package presenter turns diary render intents into user-facing screens.
//
// Screen produces HTML text plus a grid of buttons for transports with inline
// keyboards. PlainText produces a self-contained text message with typed
// commands for text-only transports.
package presenter

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
)

// Button is a labelled action. Transports encode Action into their own payload format.
type Button struct {
	Label  string
	Action diary.Event
}

// Screen is a rendered intent.
type Screen struct {
	Text    string
	Buttons [][]Button
	// InPlace is true when the screen should replace the previous wizard message.
	InPlace bool
}

// Button labels shared by several screens.
const (
	LabelStart   = "📝 Внести запись"
	LabelAgain   = "📝 Добавить еще одну запись"
	LabelConfirm = "✔️ Готово"
	LabelBack    = "⬅️ Назад"
	LabelCancel  = "❌ Отмена"
)

// EmotionsPerRow is the width of the emotion keyboard.
const EmotionsPerRow = 2

// Presenter renders intents against a catalog.
type Presenter struct {
	catalog   *emotion.Catalog
	formatter persist.Formatter
}

// New creates a presenter.
func New(catalog *emotion.Catalog, formatter persist.Formatter) *Presenter {
	if catalog == nil {
		catalog = emotion.DefaultCatalog()
	}
	return &Presenter{catalog: catalog, formatter: formatter}
}

// style abstracts the markup differences between HTML and plain text.
type style struct {
	bold   func(string) string
	escape func(string) string
}

var htmlStyle = style{
	bold:   func(s string) string { return "<b>" + s + "</b>" },
	escape: html.EscapeString,
}

var plainStyle = style{
	bold:   func(s string) string { return "*" + s + "*" },
	escape: func(s string) string { return s },
}

// Screen renders intent for keyboard-capable transports.
func (p *Presenter) Screen(intent diary.RenderIntent) Screen {
	sc := p.screen(intent)
	sc.InPlace = diary.InPlace(intent)
	return sc
}

func (p *Presenter) screen(intent diary.RenderIntent) Screen {
	switch in := intent.(type) {
	case diary.EmotionPicker:
		return Screen{Text: p.emotionPickerText(in, htmlStyle), Buttons: p.emotionButtons(in)}
	case diary.IntensityPicker:
		return Screen{Text: p.intensityText(in, htmlStyle), Buttons: intensityButtons()}
	case diary.ReasonPrompt:
		return Screen{
			Text:    p.reasonText(in, htmlStyle),
			Buttons: [][]Button{navRow()},
		}
	case diary.Cancelled:
		return Screen{
			Text:    "❌ Запись отменена.",
			Buttons: [][]Button{{{Label: LabelStart, Action: diary.StartCommand{}}}},
		}
	case diary.UseButtonsHint:
		return Screen{
			Text:    "🤖 Используй кнопку \"" + LabelStart + "\" для начала.",
			Buttons: [][]Button{{{Label: LabelStart, Action: diary.StartCommand{}}}},
		}
	case diary.EntrySaved:
		return Screen{
			Text:    p.savedText(in, htmlStyle),
			Buttons: [][]Button{{{Label: LabelAgain, Action: diary.StartCommand{}}}},
		}
	case diary.SaveFailed:
		return Screen{
			Text:    "❌ Ошибка сохранения. Отправь причину еще раз.",
			Buttons: [][]Button{{{Label: LabelCancel, Action: diary.Cancel{}}}},
		}
	default:
		return Screen{Text: "🤖 Не понял. Используй кнопки."}
	}
}

// PlainText renders intent for text-only transports.
func (p *Presenter) PlainText(intent diary.RenderIntent) string {
	switch in := intent.(type) {
	case diary.EmotionPicker:
		var b strings.Builder
		b.WriteString(p.emotionPickerText(in, plainStyle))
		b.WriteString("\n\n")
		selected := make(map[emotion.ID]bool, len(in.Selected))
		for _, id := range in.Selected {
			selected[id] = true
		}
		for i, e := range p.catalog.All() {
			mark := "▫️"
			if selected[e.ID] {
				mark = "✅"
			}
			fmt.Fprintf(&b, "%s %d. %s\n", mark, i+1, e.Display())
		}
		b.WriteString("\nОтправь номер эмоции, чтобы отметить или снять её.\n«готово»: дальше, «отмена»: отменить запись.")
		return b.String()
	case diary.IntensityPicker:
		var b strings.Builder
		b.WriteString(p.intensityText(in, plainStyle))
		b.WriteString("\n\n")
		for _, band := range emotion.Bands() {
			lo, hi := band.Range()
			fmt.Fprintf(&b, "%s %d-%d: %s\n", band.Glyph(), lo, hi, band.Label())
		}
		b.WriteString("\nОтправь число от 1 до 10.\n«назад»: шаг назад, «отмена»: отменить запись.")
		return b.String()
	case diary.ReasonPrompt:
		return p.reasonText(in, plainStyle) + "\n\n«назад»: изменить интенсивность, «отмена»: отменить запись."
	case diary.Cancelled:
		return "❌ Запись отменена.\nОтправь «старт», чтобы начать новую."
	case diary.UseButtonsHint:
		return "🤖 Отправь «старт», чтобы внести запись."
	case diary.EntrySaved:
		return p.savedText(in, plainStyle) + "\n\nОтправь «старт», чтобы добавить еще одну запись."
	case diary.SaveFailed:
		return "❌ Ошибка сохранения. Отправь причину еще раз или «отмена»."
	default:
		return "🤖 Не понял. Отправь «старт»."
	}
}

func (p *Presenter) emotionPickerText(in diary.EmotionPicker, st style) string {
	text := "🧠 " + st.bold("Какие эмоции ты сейчас испытываешь?") + "\n\nМожно выбрать несколько."
	if len(in.Selected) > 0 {
		labels := make([]string, 0, len(in.Selected))
		for _, id := range in.Selected {
			labels = append(labels, p.label(id))
		}
		text += "\n\nВыбрано: " + strings.Join(labels, ", ")
	}
	return text
}

func (p *Presenter) emotionButtons(in diary.EmotionPicker) [][]Button {
	selected := make(map[emotion.ID]bool, len(in.Selected))
	for _, id := range in.Selected {
		selected[id] = true
	}
	var rows [][]Button
	var row []Button
	for _, e := range p.catalog.All() {
		label := e.Display()
		if selected[e.ID] {
			label = "✅ " + label
		}
		row = append(row, Button{Label: label, Action: diary.ToggleEmotion{Emotion: e.ID}})
		if len(row) == EmotionsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return append(rows, []Button{
		{Label: LabelConfirm, Action: diary.ConfirmSelections{}},
		{Label: LabelCancel, Action: diary.Cancel{}},
	})
}

func (p *Presenter) intensityText(in diary.IntensityPicker, st style) string {
	return fmt.Sprintf("📊 %s (%d/%d)\n\nОцени интенсивность от 1 до 10:",
		st.bold("Интенсивность: "+p.label(in.Emotion)), in.Position, in.Total)
}

// intensityButtons lays out one decorative header row and one number row per band.
func intensityButtons() [][]Button {
	var rows [][]Button
	for _, band := range emotion.Bands() {
		rows = append(rows, []Button{{Label: band.Glyph() + " " + band.Label(), Action: diary.Decorative{}}})
		lo, hi := band.Range()
		var nums []Button
		for i := lo; i <= hi; i++ {
			nums = append(nums, Button{Label: strconv.Itoa(int(i)), Action: diary.ChooseIntensity{Value: int(i)}})
		}
		rows = append(rows, nums)
	}
	return append(rows, navRow())
}

func navRow() []Button {
	return []Button{
		{Label: LabelBack, Action: diary.Back{}},
		{Label: LabelCancel, Action: diary.Cancel{}},
	}
}

func (p *Presenter) reasonText(in diary.ReasonPrompt, st style) string {
	var b strings.Builder
	b.WriteString("📝 " + st.bold("Твои эмоции:") + "\n")
	p.writeSelections(&b, in.Selections)
	b.WriteString("\n💭 Что вызвало эти эмоции? Напиши причину:")
	return b.String()
}

func (p *Presenter) savedText(in diary.EntrySaved, st style) string {
	var b strings.Builder
	b.WriteString("✅ " + st.bold("Запись сохранена!") + "\n\n")
	b.WriteString("🕐 " + p.formatter.Timestamp(in.Entry.CapturedAt) + "\n")
	p.writeSelections(&b, in.Entry.Selections)
	b.WriteString("💭 Причина: " + st.escape(in.Entry.Reason) + "\n")
	fmt.Fprintf(&b, "⚖️ Валентность: %+d", in.Entry.ValenceSum)
	return b.String()
}

func (p *Presenter) writeSelections(b *strings.Builder, sels []diary.Selection) {
	for _, sel := range sels {
		fmt.Fprintf(b, "%s: %d/10 (%s)\n", p.label(sel.Emotion), sel.Intensity, persist.BandLabel(sel.Intensity))
	}
}

func (p *Presenter) label(id emotion.ID) string {
	if e, err := p.catalog.Lookup(id); err == nil {
		return e.Display()
	}
	return string(id)
}
