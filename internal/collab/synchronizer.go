// Package collab keeps one client's document in step with every other client
// on the same document channel. Local edits are broadcast as whole-document
// snapshots after a quiet period; remote snapshots replace the local
// document. The last snapshot to arrive wins.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
	"coedit/api/internal/debounce"
	"coedit/api/internal/doc"
)

type State int32

const (
	StateIdle State = iota
	StateApplyingRemote
	StateBroadcastingLocal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplyingRemote:
		return "applying-remote"
	case StateBroadcastingLocal:
		return "broadcasting-local"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AccessFunc returns the current access of the local user. It is consulted
// on every decision so grant changes apply mid-session.
type AccessFunc func() access.Access

type Config struct {
	UserID            string
	BroadcastDebounce time.Duration
}

type Option func(*Synchronizer)

func WithScheduler(s debounce.Scheduler) Option {
	return func(sy *Synchronizer) {
		if s != nil {
			sy.schedule = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(sy *Synchronizer) {
		if now != nil {
			sy.now = now
		}
	}
}

// Stats counts what the synchronizer did, for diagnostics.
type Stats struct {
	Sent       uint64
	Applied    uint64
	Dropped    uint64
	Suppressed uint64
	Answered   uint64
}

type Synchronizer struct {
	editor *doc.Editor
	ch     channel.Channel
	access AccessFunc
	cfg    Config
	logger *zap.Logger

	schedule debounce.Scheduler
	now      func() time.Time

	broadcast *debounce.Func[[]byte]
	state     atomic.Int32

	sent, applied, dropped, suppressed, answered atomic.Uint64

	mu      sync.Mutex
	offs    []func()
	started bool
}

func New(editor *doc.Editor, ch channel.Channel, accessFn AccessFunc, cfg Config, logger *zap.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		editor:   editor,
		ch:       ch,
		access:   accessFn,
		cfg:      cfg,
		logger:   logger.With(zap.String("topic", ch.Topic()), zap.String("client_id", ch.ClientID())),
		schedule: debounce.RealScheduler,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.broadcast = debounce.New(cfg.BroadcastDebounce, s.sendUpdate, debounce.WithScheduler(s.schedule))
	return s
}

// Start wires the document and channel hooks and subscribes. The join
// handshake runs as soon as the subscription is active.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.offs = append(s.offs,
		s.editor.OnChange(s.localChanged),
		s.ch.On(EventEditorUpdate, s.onEditorUpdate),
		s.ch.On(EventRequestSync, s.onRequestSync),
		s.ch.On(EventSyncResponse, s.onSyncResponse),
		s.ch.OnStatus(s.onStatus),
	)
	s.mu.Unlock()

	s.ApplyAccess()
	if err := s.ch.Subscribe(ctx); err != nil {
		s.logger.Warn("document channel unavailable, editing offline", zap.Error(err))
		return err
	}
	return nil
}

// Stop drops every hook and any pending broadcast. The channel itself
// belongs to the channel manager.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.started = false
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
	s.broadcast.Cancel()
	s.state.Store(int32(StateIdle))
}

// ApplyAccess makes the document editable exactly when the user can edit.
func (s *Synchronizer) ApplyAccess() {
	acc := s.access()
	s.editor.SetEditable(acc.CanEdit)
	if !acc.CanEdit && s.broadcast.Pending() {
		s.broadcast.Cancel()
		s.state.Store(int32(StateIdle))
	}
}

func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

func (s *Synchronizer) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Applied:    s.applied.Load(),
		Dropped:    s.dropped.Load(),
		Suppressed: s.suppressed.Load(),
		Answered:   s.answered.Load(),
	}
}

// Flush sends a pending local broadcast immediately.
func (s *Synchronizer) Flush() bool {
	return s.broadcast.Flush()
}

func (s *Synchronizer) localChanged(c doc.Change) {
	// Remote and history changes must never go back out.
	if c.Origin != doc.OriginLocalUser {
		return
	}
	if !s.access().CanEdit {
		s.suppressed.Add(1)
		return
	}
	snapshot, err := s.editor.Serialize()
	if err != nil {
		s.logger.Warn("serialize local change", zap.Error(err))
		return
	}
	s.state.Store(int32(StateBroadcastingLocal))
	s.broadcast.Call(snapshot)
}

func (s *Synchronizer) sendUpdate(snapshot []byte) {
	defer s.settle()
	if !s.access().CanEdit {
		s.suppressed.Add(1)
		return
	}
	s.send(EventEditorUpdate, EditorUpdate{
		EditorState: snapshot,
		UserID:      s.cfg.UserID,
		Timestamp:   s.now().UnixMilli(),
	})
}

func (s *Synchronizer) send(event string, payload any) {
	msg, err := channel.Encode(event, payload)
	if err != nil {
		s.logger.Warn("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ch.Send(ctx, msg); err != nil {
		s.logger.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.sent.Add(1)
}

// settle returns to idle unless a local broadcast is still queued.
func (s *Synchronizer) settle() {
	if s.broadcast.Pending() {
		s.state.Store(int32(StateBroadcastingLocal))
		return
	}
	s.state.Store(int32(StateIdle))
}

func (s *Synchronizer) fromSelf(msg channel.Message) bool {
	return msg.Sender == s.ch.ClientID()
}

func (s *Synchronizer) onEditorUpdate(msg channel.Message) {
	if s.fromSelf(msg) {
		return
	}
	var upd EditorUpdate
	if err := json.Unmarshal(msg.Payload, &upd); err != nil {
		s.drop(msg, err)
		return
	}
	s.applyRemote(msg, upd.EditorState)
}

func (s *Synchronizer) onRequestSync(msg channel.Message) {
	if s.fromSelf(msg) || !s.access().CanEdit {
		return
	}
	snapshot, err := s.editor.Serialize()
	if err != nil {
		s.logger.Warn("serialize for sync response", zap.Error(err))
		return
	}
	s.send(EventSyncResponse, SyncResponse{
		EditorState: snapshot,
		UserID:      s.cfg.UserID,
		RequesterID: msg.Sender,
		Timestamp:   s.now().UnixMilli(),
	})
	s.answered.Add(1)
}

func (s *Synchronizer) onSyncResponse(msg channel.Message) {
	if s.fromSelf(msg) {
		return
	}
	var resp SyncResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		s.drop(msg, err)
		return
	}
	if resp.RequesterID != s.ch.ClientID() {
		return
	}
	s.applyRemote(msg, resp.EditorState)
}

func (s *Synchronizer) applyRemote(msg channel.Message, snapshot json.RawMessage) {
	s.state.Store(int32(StateApplyingRemote))
	defer s.settle()
	if len(snapshot) == 0 {
		s.drop(msg, errors.New("empty editor state"))
		return
	}
	if err := s.editor.Restore(snapshot, doc.OriginRemoteSync); err != nil {
		s.drop(msg, err)
		return
	}
	s.applied.Add(1)
}

func (s *Synchronizer) drop(msg channel.Message, err error) {
	s.dropped.Add(1)
	s.logger.Warn("drop remote snapshot",
		zap.String("event", msg.Event),
		zap.String("sender", msg.Sender),
		zap.Error(err),
	)
}

func (s *Synchronizer) onStatus(st channel.Status) {
	switch st {
	case channel.StatusSubscribed:
		s.send(EventRequestSync, SyncRequest{UserID: s.cfg.UserID, Timestamp: s.now().UnixMilli()})
	case channel.StatusError:
		s.logger.Warn("document channel error, continuing without collaboration")
	}
}
