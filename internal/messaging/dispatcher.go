package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"github.com/BTreeMap/EmotionPipe/internal/persist"
	"github.com/BTreeMap/EmotionPipe/internal/session"
	"github.com/BTreeMap/EmotionPipe/internal/store"
)

// DefaultStepTimeout bounds the handling of one inbound update, persistence included.
const DefaultStepTimeout = 60 * time.Second

// DefaultRenderTimeout bounds the reply to one update. Replies run on their own
// deadline so a slow persistence backend cannot swallow the failure notice.
const DefaultRenderTimeout = 30 * time.Second

// ErrDispatcherClosed is returned by Submit after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup records every update id and drops redeliveries.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(d *Dispatcher) { d.dedup = repo }
}

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.stepTimeout = timeout
		}
	}
}

// WithRenderTimeout overrides DefaultRenderTimeout.
func WithRenderTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.renderTimeout = timeout
		}
	}
}

// Dispatcher routes inbound updates through the engine. Updates for the same
// conversation are handled one at a time in arrival order; different
// conversations proceed concurrently.
type Dispatcher struct {
	engine        *diary.Engine
	sessions      *session.Store
	gateway       persist.Gateway
	dedup         store.DedupRepo
	stepTimeout   time.Duration
	renderTimeout time.Duration

	services map[string]Service

	mu     sync.Mutex
	queues map[string][]Inbound // present while a drainer runs for the key
	closed bool
	drains sync.WaitGroup
	pumps  sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(engine *diary.Engine, sessions *session.Store, gateway persist.Gateway, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:        engine,
		sessions:      sessions,
		gateway:       gateway,
		stepTimeout:   DefaultStepTimeout,
		renderTimeout: DefaultRenderTimeout,
		services:      make(map[string]Service),
		queues:        make(map[string][]Inbound),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a transport. It must be called before Start.
func (d *Dispatcher) Register(svc Service) {
	d.services[svc.Channel()] = svc
	slog.Debug("Dispatcher.Register: service registered", "channel", svc.Channel(), "text_mode", svc.TextMode())
}

// Start starts every registered service and pumps its inbound channel.
func (d *Dispatcher) Start(ctx context.Context) error {
	for name, svc := range d.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", name, err)
		}
		d.pumps.Add(1)
		go d.pump(ctx, svc)
	}
	slog.Info("Dispatcher.Start: started", "services", len(d.services))
	return nil
}

func (d *Dispatcher) pump(ctx context.Context, svc Service) {
	defer d.pumps.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-svc.Inbound():
			if !ok {
				return
			}
			if err := d.Submit(in); err != nil {
				slog.Warn("Dispatcher.pump: submit failed", "channel", svc.Channel(), "error", err)
			}
		}
	}
}

// Submit queues in for its conversation. Redelivered updates are dropped.
// Updates arriving after Shutdown are rejected without being recorded as seen.
func (d *Dispatcher) Submit(in Inbound) error {
	if d.isClosed() {
		return ErrDispatcherClosed
	}
	if d.dedup != nil && in.MessageID != "" {
		fresh, err := d.dedup.RecordInbound(in.DedupKey(), in.ConversationID())
		if err != nil {
			// Processing twice is preferable to losing the update.
			slog.Warn("Dispatcher.Submit: dedup record failed", "key", in.DedupKey(), "error", err)
		} else if !fresh {
			slog.Debug("Dispatcher.Submit: duplicate update dropped", "key", in.DedupKey())
			return nil
		}
	}

	key := in.ConversationID()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q, running := d.queues[key]
	d.queues[key] = append(q, in)
	if !running {
		d.drains.Add(1)
		go d.drain(key)
	}
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) drain(key string) {
	defer d.drains.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		in := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.handle(in)
	}
}

// handle runs one update to completion: acknowledge, apply, persist, commit, render.
func (d *Dispatcher) handle(in Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), d.stepTimeout)
	defer cancel()
	defer d.markProcessed(in)

	svc, ok := d.services[in.Channel]
	if !ok {
		slog.Warn("Dispatcher.handle: no service for channel", "channel", in.Channel)
		return
	}
	if err := svc.Acknowledge(ctx, in); err != nil {
		slog.Warn("Dispatcher.handle: acknowledge failed", "channel", in.Channel, "chat_id", in.ChatID, "error", err)
	}

	key := in.ConversationID()
	prev := d.sessions.Get(key)
	ev := in.Event
	if ev == nil {
		ev = DecodeText(in.Text, prev.State(), d.engine.Catalog())
	}
	if stale(prev, in, ev) {
		slog.Debug("Dispatcher.handle: ignoring press on stale message", "conversation", key, "source", in.SourceRef, "current", prev.MessageRef)
		return
	}

	res := d.engine.Apply(prev, ev)
	if res.Err != nil {
		d.reject(svc, in, prev, ev, res.Err)
		return
	}

	next, intent := res.Session, res.Render
	if res.Persist != nil {
		entry := *res.Persist
		entry.ConversationID = key
		if err := d.gateway.Append(ctx, entry); err != nil {
			slog.Error("Dispatcher.handle: persistence failed, keeping session", "conversation", key, "error", err)
			next, intent = prev, diary.SaveFailed{}
		} else {
			slog.Info("Dispatcher.handle: entry saved", "conversation", key, "emotions", len(entry.Selections), "valence", entry.ValenceSum)
			intent = diary.EntrySaved{Entry: entry}
		}
	}

	d.sessions.Put(key, next)
	slog.Debug("Dispatcher.handle: update applied", "conversation", key, "event", ev.Kind(), "from", prev.State(), "to", next.State())

	if intent == nil {
		return
	}
	ref, err := d.render(svc, in, editRef(prev, in), intent)
	if err != nil {
		return
	}
	if next != nil && ref != "" && ref != next.MessageRef && diary.InPlace(intent) {
		next.MessageRef = ref
		d.sessions.Put(key, next)
	}
}

// render sends intent on a fresh deadline, independent of the step context.
func (d *Dispatcher) render(svc Service, in Inbound, editRef string, intent diary.RenderIntent) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.renderTimeout)
	defer cancel()
	ref, err := svc.Render(ctx, in.ChatID, editRef, intent)
	if err != nil {
		slog.Error("Dispatcher.render: render failed", "conversation", in.ConversationID(), "intent", intent.Name(), "error", err)
	}
	return ref, err
}

// reject logs an engine error. Text-mode users get the current step again
// since they have no buttons to fall back on.
func (d *Dispatcher) reject(svc Service, in Inbound, prev *diary.Session, ev diary.Event, err error) {
	key := in.ConversationID()
	if errors.Is(err, diary.ErrProtocolViolation) {
		slog.Debug("Dispatcher.handle: protocol violation", "conversation", key, "event", ev.Kind(), "error", err)
	} else {
		slog.Info("Dispatcher.handle: invalid input", "conversation", key, "event", ev.Kind(), "error", err)
	}
	if !svc.TextMode() {
		return
	}
	if view := d.engine.View(prev); view != nil {
		d.render(svc, in, "", view)
	}
}

func (d *Dispatcher) markProcessed(in Inbound) {
	if d.dedup == nil || in.MessageID == "" {
		return
	}
	if err := d.dedup.MarkProcessed(in.DedupKey()); err != nil {
		slog.Warn("Dispatcher.markProcessed: failed", "key", in.DedupKey(), "error", err)
	}
}

// stale reports a button press on a message other than the current wizard
// message. Start and decorative buttons stay valid on old messages.
func stale(prev *diary.Session, in Inbound, ev diary.Event) bool {
	if !in.IsCallback() || prev == nil || prev.MessageRef == "" || in.SourceRef == "" {
		return false
	}
	switch ev.(type) {
	case diary.StartCommand, diary.Decorative:
		return false
	}
	return in.SourceRef != prev.MessageRef
}

// editRef picks the message a wizard screen may replace.
func editRef(prev *diary.Session, in Inbound) string {
	if prev != nil && prev.MessageRef != "" {
		return prev.MessageRef
	}
	if in.IsCallback() {
		return in.SourceRef
	}
	return ""
}

// Pending returns the number of conversations with queued or running updates.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Shutdown stops accepting updates, stops every service and waits for queued
// updates to finish or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	for name, svc := range d.services {
		if err := svc.Stop(); err != nil {
			slog.Warn("Dispatcher.Shutdown: stop failed", "channel", name, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.pumps.Wait()
		d.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Dispatcher.Shutdown: drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}
