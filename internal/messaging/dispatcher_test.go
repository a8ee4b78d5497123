package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/emotion"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
	"github.com/BTreeMap/EmotionPipe/internal/session"
	"github.com/BTreeMap/EmotionPipe/internal/store"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// fakeService records renders and hands out sequential message refs.
type fakeService struct {
	inbox
	textMode bool
	delay    time.Duration
	onRender func(diary.RenderIntent)

	mu      sync.Mutex
	renders []fakeRender
	acks    int
	nextRef int
}

type fakeRender struct {
	ChatID  string
	EditRef string
	Intent  diary.RenderIntent
	CtxErr  error
}

func newFakeService(textMode bool) *fakeService {
	s := &fakeService{textMode: textMode}
	s.init("fakeService")
	return s
}

func (s *fakeService) Channel() string                   { return "fake" }
func (s *fakeService) TextMode() bool                    { return s.textMode }
func (s *fakeService) Start(ctx context.Context) error   { return nil }
func (s *fakeService) Stop() error                       { s.close(); return nil }
func (s *fakeService) Acknowledge(context.Context, Inbound) error {
	s.mu.Lock()
	s.acks++
	s.mu.Unlock()
	return nil
}

func (s *fakeService) Render(ctx context.Context, chatID, editRef string, intent diary.RenderIntent) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.onRender != nil {
		s.onRender(intent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders = append(s.renders, fakeRender{ChatID: chatID, EditRef: editRef, Intent: intent, CtxErr: ctx.Err()})
	if editRef != "" && diary.InPlace(intent) && !s.textMode {
		return editRef, nil
	}
	s.nextRef++
	return strconv.Itoa(s.nextRef), nil
}

func (s *fakeService) intentNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.renders))
	for i, r := range s.renders {
		names[i] = r.Intent.Name()
	}
	return names
}

// recordingGateway stores entries and fails while err is set.
type recordingGateway struct {
	mu      sync.Mutex
	err     error
	entries []diary.FinalizedEntry
}

func (g *recordingGateway) Append(ctx context.Context, e diary.FinalizedEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.entries = append(g.entries, e)
	return nil
}

func (g *recordingGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *recordingGateway) saved() []diary.FinalizedEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]diary.FinalizedEntry(nil), g.entries...)
}

type harness struct {
	d        *Dispatcher
	svc      *fakeService
	sessions *session.Store
	gateway  *recordingGateway
}

func newHarness(t *testing.T, textMode bool, opts ...DispatcherOption) *harness {
	t.Helper()
	gateway := &recordingGateway{}
	h := newHarnessWithGateway(t, textMode, gateway, opts...)
	h.gateway = gateway
	return h
}

func newHarnessWithGateway(t *testing.T, textMode bool, gateway persist.Gateway, opts ...DispatcherOption) *harness {
	t.Helper()
	h := &harness{
		svc:      newFakeService(textMode),
		sessions: session.NewStore(),
	}
	engine := diary.NewEngine(emotion.DefaultCatalog())
	h.d = NewDispatcher(engine, h.sessions, gateway, opts...)
	h.d.Register(h.svc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.d.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

var updateSeq int

// press builds a button press on message ref.
func press(chat, ref string, ev diary.Event) Inbound {
	updateSeq++
	return Inbound{Channel: "fake", ChatID: chat, MessageID: strconv.Itoa(updateSeq), Event: ev, SourceRef: ref, CallbackID: "cb" + strconv.Itoa(updateSeq)}
}

func text(chat, body string) Inbound {
	updateSeq++
	return Inbound{Channel: "fake", ChatID: chat, MessageID: strconv.Itoa(updateSeq), Text: body}
}

func (h *harness) submit(t *testing.T, ins ...Inbound) {
	t.Helper()
	for _, in := range ins {
		if err := h.d.Submit(in); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	h.wait(t)
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.d.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dispatcher")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcherHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)

	h.submit(t, Inbound{Channel: "fake", ChatID: "1", MessageID: "u1", Event: diary.StartCommand{}})
	ref := h.sessions.Get("fake:1").MessageRef
	if ref == "" {
		t.Fatal("wizard message ref not recorded")
	}
	h.submit(t,
		press("1", ref, diary.ToggleEmotion{Emotion: "joy"}),
		press("1", ref, diary.ToggleEmotion{Emotion: "fear"}),
		press("1", ref, diary.ConfirmSelections{}),
		press("1", ref, diary.ChooseIntensity{Value: 6}),
		press("1", ref, diary.ChooseIntensity{Value: 2}),
		Inbound{Channel: "fake", ChatID: "1", MessageID: "u9", Event: diary.ReasonText{Text: "  deadline "}},
	)

	saved := h.gateway.saved()
	if len(saved) != 1 {
		t.Fatalf("expected 1 saved entry, got %d", len(saved))
	}
	if saved[0].ConversationID != "fake:1" || saved[0].Reason != "deadline" || saved[0].ValenceSum != 40 {
		t.Errorf("unexpected entry %+v", saved[0])
	}
	if h.sessions.Get("fake:1") != nil {
		t.Error("session should be cleared after a successful save")
	}
	want := []string{
		"emotion_picker", "emotion_picker", "emotion_picker",
		"intensity_picker", "intensity_picker", "reason_prompt", "entry_saved",
	}
	if diff := cmp.Diff(want, h.svc.intentNames()); diff != "" {
		t.Errorf("renders mismatch (-want +got):\n%s", diff)
	}
	for _, r := range h.svc.renders[1:6] {
		if r.EditRef != ref {
			t.Errorf("%s should edit %q, got %q", r.Intent.Name(), ref, r.EditRef)
		}
	}
	if h.svc.acks != 7 {
		t.Errorf("expected every update acknowledged, got %d", h.svc.acks)
	}
}

func TestDispatcherPersistenceFailureKeepsSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)
	h.gateway.setErr(errors.New("sheets down"))

	h.submit(t, press("2", "", diary.StartCommand{}))
	ref := h.sessions.Get("fake:2").MessageRef
	h.submit(t,
		press("2", ref, diary.ToggleEmotion{Emotion: "sadness"}),
		press("2", ref, diary.ConfirmSelections{}),
		press("2", ref, diary.ChooseIntensity{Value: 5}),
		Inbound{Channel: "fake", ChatID: "2", MessageID: "r1", Event: diary.ReasonText{Text: "rain"}},
	)

	s := h.sessions.Get("fake:2")
	if s.State() != diary.StateEnteringReason {
		t.Fatalf("expected session kept in EnteringReason, got %v", s.State())
	}
	if s.MessageRef != ref {
		t.Errorf("failure notice must not replace the wizard ref: %q", s.MessageRef)
	}
	names := h.svc.intentNames()
	if names[len(names)-1] != "save_failed" {
		t.Errorf("expected save_failed, got %v", names)
	}

	h.gateway.setErr(nil)
	h.submit(t, Inbound{Channel: "fake", ChatID: "2", MessageID: "r2", Event: diary.ReasonText{Text: "rain"}})
	if len(h.gateway.saved()) != 1 || h.sessions.Get("fake:2") != nil {
		t.Error("resending the reason should save and clear the session")
	}
}

func TestDispatcherReportsSaveFailureAfterHangingBackend(t *testing.T) {
	defer goleak.VerifyNone(t)
	hanging := persist.GatewayFunc(func(ctx context.Context, _ diary.FinalizedEntry) error {
		<-ctx.Done()
		return ctx.Err()
	})
	// Same chain as production, scaled down: the retries outlast the step.
	gateway := persist.WithRetry(persist.WithTimeout(hanging, 100*time.Millisecond), 3, 10*time.Millisecond)
	h := newHarnessWithGateway(t, true, gateway, WithStepTimeout(200*time.Millisecond))

	h.submit(t, text("11", "start"), text("11", "1"), text("11", "done"), text("11", "5"), text("11", "deadline"))

	if s := h.sessions.Get("fake:11"); s.State() != diary.StateEnteringReason {
		t.Fatalf("expected session kept in EnteringReason, got %v", s.State())
	}
	h.svc.mu.Lock()
	last := h.svc.renders[len(h.svc.renders)-1]
	h.svc.mu.Unlock()
	if last.Intent.Name() != "save_failed" {
		t.Fatalf("expected save_failed, got %s", last.Intent.Name())
	}
	if last.CtxErr != nil {
		t.Errorf("failure notice rendered on a dead context: %v", last.CtxErr)
	}
}

func TestDispatcherCommitsBeforeRender(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)
	var seen []diary.StateKind
	h.svc.onRender = func(diary.RenderIntent) {
		seen = append(seen, h.sessions.Get("fake:12").State())
	}

	h.submit(t, press("12", "", diary.StartCommand{}))
	ref := h.sessions.Get("fake:12").MessageRef
	if ref == "" {
		t.Fatal("wizard message ref not recorded after render")
	}
	h.submit(t, press("12", ref, diary.Cancel{}))

	want := []diary.StateKind{diary.StateSelectingEmotions, diary.StateIdle}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("state visible during render (-want +got):\n%s", diff)
	}
}

func TestDispatcherSerializesPerConversation(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)
	h.svc.delay = time.Millisecond

	h.submit(t, press("3", "", diary.StartCommand{}))
	ref := h.sessions.Get("fake:3").MessageRef

	// 7 toggles of joy leave it selected; 4 of fear leave it unselected.
	var batch []Inbound
	for i := 0; i < 11; i++ {
		id := emotion.ID("joy")
		if i%3 == 1 {
			id = "fear"
		}
		batch = append(batch, press("3", ref, diary.ToggleEmotion{Emotion: id}))
	}
	// Interleave a second conversation to exercise concurrency.
	h.submit(t, press("4", "", diary.StartCommand{}))
	for _, in := range batch {
		if err := h.d.Submit(in); err != nil {
			t.Fatal(err)
		}
	}
	h.wait(t)

	got := h.sessions.Get("fake:3").SelectedIDs()
	if diff := cmp.Diff([]emotion.ID{"joy"}, got); diff != "" {
		t.Errorf("selection mismatch:\n%s", diff)
	}
	if h.sessions.Get("fake:4").State() != diary.StateSelectingEmotions {
		t.Error("second conversation not started")
	}
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false, WithDedup(store.NewInMemoryStore()))

	start := Inbound{Channel: "fake", ChatID: "5", MessageID: "dup", Event: diary.StartCommand{}}
	h.submit(t, start, start)
	if n := len(h.svc.intentNames()); n != 1 {
		t.Errorf("duplicate update processed: %d renders", n)
	}
}

func TestDispatcherIgnoresStalePress(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)

	h.submit(t, press("6", "", diary.StartCommand{}))
	h.submit(t, press("6", "old-message", diary.ToggleEmotion{Emotion: "joy"}))
	if got := h.sessions.Get("fake:6").SelectedIDs(); len(got) != 0 {
		t.Errorf("stale press applied: %v", got)
	}
	// Start stays valid on any message.
	h.submit(t, press("6", "old-message", diary.StartCommand{}))
	if n := len(h.svc.intentNames()); n != 2 {
		t.Errorf("expected start from old message to render, got %d renders", n)
	}
}

func TestDispatcherTextMode(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, true)

	h.submit(t,
		text("7", "Старт"),
		text("7", "1"),
		text("7", "4"),
		text("7", "42"), // out of range: current step is shown again
		text("7", "готово"),
		text("7", "8"),
		text("7", "11"), // invalid intensity
		text("7", "3"),
		text("7", "назад"), // clears both ratings, cursor on fear
		text("7", "2"),
		text("7", "8"),
		text("7", "устал"),
	)

	saved := h.gateway.saved()
	if len(saved) != 1 {
		t.Fatalf("expected 1 entry, got %d (renders %v)", len(saved), h.svc.intentNames())
	}
	want := []diary.Selection{{Emotion: "joy", Intensity: 8}, {Emotion: "fear", Intensity: 2}}
	if diff := cmp.Diff(want, saved[0].Selections); diff != "" {
		t.Errorf("selections mismatch:\n%s", diff)
	}
	wantRenders := []string{
		"emotion_picker", "emotion_picker", "emotion_picker",
		"emotion_picker", // re-shown after "42"
		"intensity_picker", "intensity_picker",
		"intensity_picker", // re-shown after "11"
		"reason_prompt", "intensity_picker", "intensity_picker", "reason_prompt", "entry_saved",
	}
	if diff := cmp.Diff(wantRenders, h.svc.intentNames()); diff != "" {
		t.Errorf("renders mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcherHintWhenIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, true)
	h.submit(t, text("8", "привет"))
	if diff := cmp.Diff([]string{"use_buttons_hint"}, h.svc.intentNames()); diff != "" {
		t.Errorf("renders mismatch:\n%s", diff)
	}
	if h.sessions.Len() != 0 {
		t.Error("hint must not create a session")
	}
}

func TestDispatcherStartPumpAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newFakeService(false)
	d := NewDispatcher(diary.NewEngine(nil), session.NewStore(), &recordingGateway{})
	d.Register(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	svc.emit(Inbound{Channel: "fake", ChatID: "9", MessageID: "p1", Event: diary.StartCommand{}})

	deadline := time.Now().Add(5 * time.Second)
	for len(svc.intentNames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pumped update never rendered")
		}
		time.Sleep(time.Millisecond)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := d.Submit(Inbound{Channel: "fake", ChatID: "9", MessageID: "p2"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherClosedDoesNotRecordUpdate(t *testing.T) {
	defer goleak.VerifyNone(t)
	dedup := store.NewInMemoryStore()
	d := NewDispatcher(diary.NewEngine(nil), session.NewStore(), &recordingGateway{}, WithDedup(dedup))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	in := Inbound{Channel: "fake", ChatID: "13", MessageID: "late", Event: diary.StartCommand{}}
	if err := d.Submit(in); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
	fresh, err := dedup.RecordInbound(in.DedupKey(), in.ConversationID())
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Error("rejected update was recorded as seen; redelivery would be dropped")
	}
}
