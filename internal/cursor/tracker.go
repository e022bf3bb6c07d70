// Package cursor broadcasts the local caret as a global logical offset and
// renders remote carets from the offsets other clients send.
package cursor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
	"coedit/api/internal/debounce"
	"coedit/api/internal/doc"
)

const EventCursorMove = "cursor-move"

// Position is the wire form of one caret.
type Position struct {
	Offset    int    `json:"offset"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Color     string `json:"color"`
	Timestamp int64  `json:"timestamp"`
}

// Remote is a rendered caret of another client. Two tabs of one user are
// two carets.
type Remote struct {
	ClientID string
	UserID   string
	UserName string
	Color    string
	Offset   int
	Rect     Rect
}

type Identity struct {
	UserID string
	Name   string
	Color  string
}

type Config struct {
	Debounce time.Duration
}

type Option func(*Tracker)

func WithScheduler(s debounce.Scheduler) Option {
	return func(t *Tracker) {
		if s != nil {
			t.schedule = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

type Tracker struct {
	editor   *doc.Editor
	loc      *Locator
	ch       channel.Channel
	access   func() access.Access
	renderer Renderer
	self     Identity
	logger   *zap.Logger

	schedule debounce.Scheduler
	now      func() time.Time
	send     *debounce.Func[struct{}]

	mu     sync.Mutex
	remote map[string]Remote
	offs   []func()

	// trackMu serializes Track/Untrack; it is never held while mu is.
	trackMu sync.Mutex
	tracked bool
}

func New(editor *doc.Editor, ch channel.Channel, accessFn func() access.Access, renderer Renderer, self Identity, cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		editor:   editor,
		loc:      NewLocator(editor),
		ch:       ch,
		access:   accessFn,
		renderer: renderer,
		self:     self,
		logger:   logger,
		schedule: debounce.RealScheduler,
		now:      time.Now,
		remote:   make(map[string]Remote),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.send = debounce.New(cfg.Debounce, func(struct{}) { t.broadcast() }, debounce.WithScheduler(t.schedule))
	return t
}

func (t *Tracker) Locator() *Locator {
	return t.loc
}

// Start hooks selection changes, document changes and remote cursor
// traffic, then subscribes. Editors also track themselves on the cursor
// channel so their caret is cleared for everyone when they leave.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.offs = append(t.offs,
		t.editor.OnSelectionChange(t.SelectionChanged),
		t.editor.OnChange(func(doc.Change) { t.Relayout() }),
		t.ch.On(EventCursorMove, t.onCursorMove),
		t.ch.OnPresence(t.onPresence),
		t.ch.OnStatus(t.onStatus),
	)
	t.mu.Unlock()
	return t.ch.Subscribe(ctx)
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	offs := t.offs
	t.offs = nil
	t.mu.Unlock()
	for _, off := range offs {
		off()
	}
	t.send.Cancel()
}

// SelectionChanged queues a broadcast of the local caret.
func (t *Tracker) SelectionChanged() {
	if !t.access().CanEdit {
		return
	}
	t.send.Call(struct{}{})
}

// Clicked is the pointer counterpart of SelectionChanged.
func (t *Tracker) Clicked() {
	t.SelectionChanged()
}

func (t *Tracker) broadcast() {
	if !t.access().CanEdit {
		return
	}
	offset, ok := t.loc.Offset()
	if !ok {
		return
	}
	msg, err := channel.Encode(EventCursorMove, Position{
		Offset:    offset,
		UserID:    t.self.UserID,
		UserName:  t.self.Name,
		Color:     t.self.Color,
		Timestamp: t.now().UnixMilli(),
	})
	if err != nil {
		t.logger.Warn("encode cursor", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.ch.Send(ctx, msg); err != nil {
		t.logger.Warn("broadcast cursor", zap.Error(err))
	}
}

func (t *Tracker) onCursorMove(msg channel.Message) {
	if msg.Sender == t.ch.ClientID() {
		return
	}
	var pos Position
	if err := json.Unmarshal(msg.Payload, &pos); err != nil {
		t.logger.Warn("drop cursor frame", zap.String("sender", msg.Sender), zap.Error(err))
		return
	}
	if pos.UserID == "" || pos.UserID == t.self.UserID {
		return
	}
	rect, ok := t.loc.PositionOf(pos.Offset, t.renderer)
	if !ok {
		// Not rendered yet; keep whatever we showed before.
		return
	}
	t.mu.Lock()
	t.remote[msg.Sender] = Remote{
		ClientID: msg.Sender,
		UserID:   pos.UserID,
		UserName: pos.UserName,
		Color:    pos.Color,
		Offset:   pos.Offset,
		Rect:     rect,
	}
	t.mu.Unlock()
}

type cursorPresence struct {
	UserID   string `json:"user_id"`
	OnlineAt string `json:"online_at"`
}

// onPresence drops the caret of every client that left. Members are keyed
// by client id, the same key the carets use.
func (t *Tracker) onPresence(ev channel.PresenceEvent) {
	if ev.Kind != channel.PresenceLeave {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range ev.Members {
		delete(t.remote, m.Key)
	}
}

func (t *Tracker) onStatus(st channel.Status) {
	if st != channel.StatusSubscribed {
		return
	}
	t.ApplyAccess()
}

// ApplyAccess tracks the local client on the cursor channel while it can
// edit and untracks it otherwise, so a promoted editor's caret is cleared on
// leave and a demoted one's caret disappears at once.
func (t *Tracker) ApplyAccess() {
	canEdit := t.access().CanEdit
	if !canEdit {
		t.send.Cancel()
	}

	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	if canEdit == t.tracked {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !canEdit {
		if err := t.ch.Untrack(ctx); err != nil {
			t.logger.Warn("untrack cursor presence", zap.Error(err))
		}
		t.tracked = false
		return
	}
	meta, err := json.Marshal(cursorPresence{UserID: t.self.UserID, OnlineAt: t.now().UTC().Format(time.RFC3339)})
	if err != nil {
		return
	}
	if err := t.ch.Track(ctx, meta); err != nil {
		t.logger.Warn("track cursor presence", zap.Error(err))
		return
	}
	t.tracked = true
}

// Relayout recomputes remote caret positions after the document or the
// layout changed. Carets that cannot be placed keep their last position.
func (t *Tracker) Relayout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.remote {
		if rect, ok := t.loc.PositionOf(r.Offset, t.renderer); ok {
			r.Rect = rect
			t.remote[id] = r
		}
	}
}

// Remote lists the carets of other clients, ordered by user id then client
// id.
func (t *Tracker) Remote() []Remote {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Remote, 0, len(t.remote))
	for _, r := range t.remote {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}
