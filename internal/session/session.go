// Package session holds everything one client has open for one document:
// the editor, its channels and the trackers driving them, the save pipeline
// and the live comment list. Access is recomputed whenever the document's
// grants change and every component reads it through the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
	"coedit/api/internal/collab"
	"coedit/api/internal/comments"
	"coedit/api/internal/cursor"
	"coedit/api/internal/debounce"
	"coedit/api/internal/doc"
	"coedit/api/internal/errs"
	"coedit/api/internal/feed"
	"coedit/api/internal/persist"
	"coedit/api/internal/presence"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

// Mode is what the user chose to do with the document. It never exceeds
// access: editing needs edit, commenting needs comment.
type Mode string

const (
	ModeEditing    Mode = "editing"
	ModeCommenting Mode = "commenting"
	ModeViewing    Mode = "viewing"
)

// ErrUnknownMode is returned by SetMode for anything but the three modes.
var ErrUnknownMode = errors.New("unknown document mode")

// Allowed reports whether acc permits m.
func (m Mode) Allowed(acc access.Access) bool {
	switch m {
	case ModeEditing:
		return acc.CanEdit
	case ModeCommenting:
		return acc.CanComment
	case ModeViewing:
		return acc.CanView
	}
	return false
}

// DefaultMode is the highest mode acc permits.
func DefaultMode(acc access.Access) Mode {
	switch {
	case acc.CanEdit:
		return ModeEditing
	case acc.CanComment:
		return ModeCommenting
	}
	return ModeViewing
}

// Backend is the durable store a session reads and writes.
type Backend interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListGrants(ctx context.Context, documentID string) ([]store.Grant, error)
	persist.Writer
	comments.Store
}

type User struct {
	ID     string
	Email  string
	Avatar string
}

func (u User) Name() string  { return util.DisplayName(u.Email) }
func (u User) Color() string { return util.UserColor(u.ID) }

type Config struct {
	SaveDebounce      time.Duration
	SavedCooldown     time.Duration
	BroadcastDebounce time.Duration
	CursorDebounce    time.Duration
	TrackViewers      bool
}

// Deps are the shared services a session is built on.
type Deps struct {
	Store     Backend
	Feed      feed.Source
	Transport channel.Transport
}

type Option func(*Session)

// WithScheduler drives every debounce in the session from s.
func WithScheduler(s debounce.Scheduler) Option {
	return func(sess *Session) {
		if s != nil {
			sess.schedule = s
		}
	}
}

func WithRenderer(r cursor.Renderer) Option {
	return func(sess *Session) {
		sess.renderer = r
	}
}

func WithClientID(id string) Option {
	return func(sess *Session) {
		if id != "" {
			sess.clientID = id
		}
	}
}

type Session struct {
	documentID string
	user       User
	deps       Deps
	cfg        Config
	logger     *zap.Logger
	schedule   debounce.Scheduler
	renderer   cursor.Renderer
	clientID   string

	memo    *access.Memo
	manager *channel.Manager

	editor   *doc.Editor
	sync     *collab.Synchronizer
	cursors  *cursor.Tracker
	presence *presence.Tracker
	bridge   *persist.Bridge
	comments *comments.Live

	mu        sync.RWMutex
	document  store.Document
	grants    []store.Grant
	version   uint64
	access    access.Access
	mode      Mode
	offs      []func()
	observers map[int]func(access.Access)
	saveObs   map[int]func(persist.Status)
	nextObs   int
	opened    bool
	closed    bool
}

func New(documentID string, user User, deps Deps, cfg Config, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		documentID: documentID,
		user:       user,
		deps:       deps,
		cfg:        cfg,
		schedule:   debounce.RealScheduler,
		clientID:   util.NewID("cl"),
		memo:       access.NewMemo(),
		access:     access.None,
		mode:       ModeViewing,
		observers:  make(map[int]func(access.Access)),
		saveObs:    make(map[int]func(persist.Status)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With(
		zap.String("document_id", documentID),
		zap.String("user_id", user.ID),
		zap.String("client_id", s.clientID),
	)
	s.manager = channel.NewManager(deps.Transport, s.clientID, s.logger)
	return s
}

// Open loads the document and its grants, then mounts every component.
// It fails with errs.ErrForbidden when the user cannot view the document.
// Channel failures after that are logged and leave the session usable
// offline.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("open session: already opened")
	}
	s.opened = true
	s.mu.Unlock()

	d, err := s.deps.Store.GetDocument(ctx, s.documentID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if d.Trashed() {
		return fmt.Errorf("open session: %w", errs.ErrNotFound)
	}
	grants, err := s.deps.Store.ListGrants(ctx, s.documentID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	s.mu.Lock()
	s.document = d
	s.grants = grants
	s.version++
	s.access = s.evaluateLocked()
	s.mode = DefaultMode(s.access)
	acc := s.access
	s.mu.Unlock()
	if !acc.CanView {
		return fmt.Errorf("open session: %w", errs.ErrForbidden)
	}

	s.editor = s.loadEditor(d)
	if err := s.mount(ctx, acc); err != nil {
		_ = s.Close(context.Background())
		return err
	}
	s.logger.Info("session opened", zap.String("mode", string(s.Mode())), zap.String("access", string(acc.Level)))
	return nil
}

func (s *Session) loadEditor(d store.Document) *doc.Editor {
	if len(d.Content) == 0 {
		return doc.NewEditor(doc.Empty())
	}
	editor, err := doc.Load(d.Content)
	if err != nil {
		s.logger.Warn("stored content unreadable, starting empty", zap.Error(err))
		return doc.NewEditor(doc.Empty())
	}
	return editor
}

func (s *Session) mount(ctx context.Context, acc access.Access) error {
	docCh, err := s.manager.Open(ctx, channel.PurposeDocument, s.documentID, acc)
	if err != nil {
		return err
	}
	cursorCh, err := s.manager.Open(ctx, channel.PurposeCursors, s.documentID, acc)
	if err != nil {
		return err
	}
	presenceCh, err := s.manager.Open(ctx, channel.PurposePresence, s.documentID, acc)
	if err != nil {
		return err
	}

	self := cursor.Identity{UserID: s.user.ID, Name: s.user.Name(), Color: s.user.Color()}
	s.bridge = persist.New(s.documentID, guardedWriter{s}, persist.Config{
		SaveDebounce:  s.cfg.SaveDebounce,
		SavedCooldown: s.cfg.SavedCooldown,
	}, s.logger, persist.WithScheduler(s.schedule))
	s.bridge.OnStatus(s.emitSaveStatus)
	s.sync = collab.New(s.editor, docCh, s.Access, collab.Config{
		UserID:            s.user.ID,
		BroadcastDebounce: s.cfg.BroadcastDebounce,
	}, s.logger, collab.WithScheduler(s.schedule))
	s.cursors = cursor.New(s.editor, cursorCh, s.Access, s.renderer, self, cursor.Config{
		Debounce: s.cfg.CursorDebounce,
	}, s.logger, cursor.WithScheduler(s.schedule))
	s.presence = presence.New(presenceCh, s.Access, presence.Record{
		UserID:     s.user.ID,
		UserEmail:  s.user.Email,
		UserAvatar: s.user.Avatar,
		Color:      s.user.Color(),
	}, presence.Config{TrackViewers: s.cfg.TrackViewers}, s.logger)
	s.comments = comments.NewLive(comments.NewService(s.deps.Store, s.logger), s.deps.Store, s.deps.Feed,
		s.editor, s.documentID, s.actor, s.logger)

	offGrants, err := s.deps.Feed.Subscribe(ctx, feed.TableCollaborators, s.documentID, s.onGrantChange)
	if err != nil {
		return fmt.Errorf("subscribe grants: %w", err)
	}
	offDocument, err := s.deps.Feed.Subscribe(ctx, feed.TableDocuments, s.documentID, s.onDocumentChange)
	if err != nil {
		offGrants()
		return fmt.Errorf("subscribe document: %w", err)
	}
	s.mu.Lock()
	s.offs = append(s.offs, offGrants, offDocument, s.editor.OnChange(s.persistLocal))
	s.mu.Unlock()

	if err := s.comments.Start(ctx); err != nil {
		s.logger.Warn("comments unavailable", zap.Error(err))
	}
	if err := s.sync.Start(ctx); err != nil {
		s.logger.Warn("document channel unavailable", zap.Error(err))
	}
	s.applyMode()
	if err := s.cursors.Start(ctx); err != nil {
		s.logger.Warn("cursor channel unavailable", zap.Error(err))
	}
	if err := s.presence.Start(ctx); err != nil {
		s.logger.Warn("presence channel unavailable", zap.Error(err))
	}
	return nil
}

// persistLocal saves only what the local user typed. Remote snapshots are
// saved by the client that produced them.
func (s *Session) persistLocal(c doc.Change) {
	if c.Origin != doc.OriginLocalUser || !s.Access().CanEdit {
		return
	}
	snapshot, err := s.editor.Serialize()
	if err != nil {
		s.logger.Warn("serialize for save", zap.Error(err))
		return
	}
	s.bridge.Changed(snapshot)
}

// guardedWriter refuses saves once edit access is gone, so a save queued
// before a revocation never lands.
type guardedWriter struct{ s *Session }

func (w guardedWriter) SaveContent(ctx context.Context, documentID string, content []byte) error {
	if !w.s.Access().CanEdit {
		return fmt.Errorf("save content: %w", errs.ErrForbidden)
	}
	return w.s.deps.Store.SaveContent(ctx, documentID, content)
}

func (s *Session) actor() comments.Actor {
	return comments.Actor{UserID: s.user.ID, Name: s.user.Name(), Access: s.Access()}
}

func (s *Session) evaluateLocked() access.Access {
	acc := s.memo.Evaluate(s.document.OwnerID, s.user.ID, s.version, store.AccessGrants(s.grants))
	if s.document.IsPublic && s.user.ID != "" {
		acc = acc.Floor(access.TierView)
	}
	return acc
}

func (s *Session) onGrantChange(feed.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.RefreshAccess(ctx); err != nil {
		s.logger.Warn("refresh access", zap.Error(err))
	}
}

func (s *Session) onDocumentChange(c feed.Change) {
	if c.Op == feed.OpDelete {
		s.setAccess(access.None)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.deps.Store.GetDocument(ctx, s.documentID)
	if err != nil {
		s.logger.Warn("reload document", zap.Error(err))
		return
	}
	s.mu.Lock()
	changed := d.IsPublic != s.document.IsPublic || d.Trashed() != s.document.Trashed()
	s.document.Title = d.Title
	s.document.IsPublic = d.IsPublic
	s.document.TrashedAt = d.TrashedAt
	s.document.UpdatedAt = d.UpdatedAt
	acc := s.evaluateLocked()
	if d.Trashed() {
		acc = access.None
	}
	s.mu.Unlock()
	if changed {
		s.setAccess(acc)
	}
}

// RefreshAccess reloads the grants and applies the recomputed access to the
// editor, the synchronizer and the presence list.
func (s *Session) RefreshAccess(ctx context.Context) error {
	grants, err := s.deps.Store.ListGrants(ctx, s.documentID)
	if err != nil {
		return fmt.Errorf("reload grants: %w", err)
	}
	s.mu.Lock()
	s.grants = grants
	s.version++
	acc := s.evaluateLocked()
	s.mu.Unlock()
	s.setAccess(acc)
	return nil
}

// setAccess applies acc everywhere and resets the mode to the highest one
// acc permits.
func (s *Session) setAccess(acc access.Access) {
	s.mu.Lock()
	prev := s.access
	s.access = acc
	if prev != acc {
		s.mode = DefaultMode(acc)
	}
	fns := make([]func(access.Access), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	if prev == acc {
		return
	}
	s.logger.Info("access changed", zap.String("from", string(prev.Level)), zap.String("to", string(acc.Level)))

	s.sync.ApplyAccess()
	s.applyMode()
	s.cursors.ApplyAccess()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.presence.Refresh(ctx); err != nil {
		s.logger.Warn("refresh presence", zap.Error(err))
	}
	for _, fn := range fns {
		fn(acc)
	}
}

// Access is the current access of the session's user.
func (s *Session) Access() access.Access {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// OnAccessChange registers fn for every change of access.
func (s *Session) OnAccessChange(fn func(access.Access)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches between editing, commenting and viewing. A mode the
// current access does not permit is errs.ErrForbidden. Only editing leaves
// the editor writable; comment marks still apply while commenting.
func (s *Session) SetMode(m Mode) error {
	switch m {
	case ModeEditing, ModeCommenting, ModeViewing:
	default:
		return fmt.Errorf("set mode %q: %w", m, ErrUnknownMode)
	}
	s.mu.Lock()
	if !m.Allowed(s.access) {
		s.mu.Unlock()
		return fmt.Errorf("set mode %q: %w", m, errs.ErrForbidden)
	}
	prev := s.mode
	s.mode = m
	s.mu.Unlock()
	if prev != m {
		s.logger.Info("mode changed", zap.String("from", string(prev)), zap.String("to", string(m)))
	}
	s.applyMode()
	return nil
}

func (s *Session) applyMode() {
	if s.editor == nil {
		return
	}
	s.mu.RLock()
	editable := s.mode == ModeEditing && s.access.CanEdit
	s.mu.RUnlock()
	s.editor.SetEditable(editable)
}

// Document returns the document's metadata. Content is what was loaded at
// open; the live content is in Editor.
func (s *Session) Document() store.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.document
}

func (s *Session) Grants() []store.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Grant(nil), s.grants...)
}

func (s *Session) User() User                         { return s.user }
func (s *Session) ClientID() string                   { return s.clientID }
func (s *Session) Editor() *doc.Editor                { return s.editor }
func (s *Session) Synchronizer() *collab.Synchronizer { return s.sync }
func (s *Session) Cursors() *cursor.Tracker           { return s.cursors }
func (s *Session) Presence() *presence.Tracker        { return s.presence }
func (s *Session) Comments() *comments.Live           { return s.comments }

func (s *Session) SaveStatus() persist.Status {
	if s.bridge == nil {
		return persist.StatusIdle
	}
	return s.bridge.Status()
}

// OnSaveStatus registers fn for save status transitions. It may be called
// before Open.
func (s *Session) OnSaveStatus(fn func(persist.Status)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.saveObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.saveObs, id)
	}
}

func (s *Session) emitSaveStatus(st persist.Status) {
	s.mu.RLock()
	fns := make([]func(persist.Status), 0, len(s.saveObs))
	for _, fn := range s.saveObs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Close flushes a pending save and tears every component down. It is safe
// to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
	var errList []error
	if s.comments != nil {
		s.comments.Stop()
	}
	if s.presence != nil {
		if err := s.presence.Stop(ctx); err != nil {
			errList = append(errList, fmt.Errorf("stop presence: %w", err))
		}
	}
	if s.cursors != nil {
		s.cursors.Stop()
	}
	if s.sync != nil {
		s.sync.Stop()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if err := s.manager.CloseAll(); err != nil {
		errList = append(errList, err)
	}
	s.logger.Info("session closed")
	return errors.Join(errList...)
}
