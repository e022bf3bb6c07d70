package comments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/doc"
	"coedit/api/internal/feed"
	"coedit/api/internal/util"
)

// Live is one client's view of a document's comments: the thread list kept
// current from the change feed, plus the anchors in the open document.
type Live struct {
	svc        *Service
	store      Store
	feed       feed.Source
	editor     *doc.Editor
	documentID string
	actor      func() Actor
	logger     *zap.Logger
	newID      func() string

	mu        sync.Mutex
	byID      map[string]Comment
	cancel    func()
	observers map[int]func()
	nextObs   int
}

func NewLive(svc *Service, store Store, source feed.Source, editor *doc.Editor, documentID string, actor func() Actor, logger *zap.Logger) *Live {
	return &Live{
		svc:        svc,
		store:      store,
		feed:       source,
		editor:     editor,
		documentID: documentID,
		actor:      actor,
		logger:     logger.With(zap.String("document_id", documentID)),
		newID:      func() string { return util.NewID("") },
		byID:       make(map[string]Comment),
		observers:  make(map[int]func()),
	}
}

// Start subscribes to the feed and loads the current comments. Changes that
// land between the two are applied twice, which upserts harmlessly.
func (l *Live) Start(ctx context.Context) error {
	cancel, err := l.feed.Subscribe(ctx, feed.TableComments, l.documentID, l.onChange)
	if err != nil {
		return fmt.Errorf("subscribe comments: %w", err)
	}
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	return l.Reload(ctx)
}

// Reload replaces the cached list with the store's.
func (l *Live) Reload(ctx context.Context) error {
	all, err := l.store.ListComments(ctx, l.documentID)
	if err != nil {
		return fmt.Errorf("load comments: %w", err)
	}
	l.mu.Lock()
	l.byID = make(map[string]Comment, len(all))
	for _, c := range all {
		l.byID[c.ID] = c
	}
	l.mu.Unlock()
	l.notify()
	return nil
}

func (l *Live) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Live) onChange(c feed.Change) {
	switch c.Op {
	case feed.OpDelete:
		l.remove(c.RowID)
	case feed.OpInsert, feed.OpUpdate:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		row, err := l.store.GetComment(ctx, l.documentID, c.RowID)
		if err != nil {
			l.logger.Warn("refresh comment from feed", zap.String("comment_id", c.RowID), zap.Error(err))
			return
		}
		l.upsert(row)
	}
}

func (l *Live) upsert(c Comment) {
	l.mu.Lock()
	l.byID[c.ID] = c
	l.mu.Unlock()
	l.notify()
}

func (l *Live) remove(ids ...string) {
	l.mu.Lock()
	for _, id := range ids {
		delete(l.byID, id)
	}
	l.mu.Unlock()
	l.notify()
}

// OnChange registers fn for every change of the thread list.
func (l *Live) OnChange(fn func()) (off func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextObs++
	id := l.nextObs
	l.observers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

func (l *Live) notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Threads returns the cached threads matching filter.
func (l *Live) Threads(filter Filter) []Thread {
	l.mu.Lock()
	all := make([]Comment, 0, len(l.byID))
	for _, c := range l.byID {
		all = append(all, c)
	}
	l.mu.Unlock()
	return Group(all, filter)
}

// CommentOnSelection stores a thread quoting the selected text and wraps the
// selection in a marker carrying the thread id. The row is written first; a
// failed insert leaves the document untouched.
func (l *Live) CommentOnSelection(ctx context.Context, content string) (Comment, error) {
	quote := l.editor.SelectedText()
	if quote == "" {
		return Comment{}, doc.ErrEmptyRange
	}
	c, err := l.svc.CreateThread(ctx, l.documentID, l.actor(), NewThread{ID: l.newID(), Content: content, Quote: quote})
	if err != nil {
		return Comment{}, err
	}
	if err := l.editor.WrapSelection(c.ID, doc.OriginLocalUser); err != nil {
		l.logger.Warn("anchor new thread", zap.String("thread_id", c.ID), zap.Error(err))
	}
	l.upsert(c)
	return c, nil
}

func (l *Live) Reply(ctx context.Context, threadID, content string) (Comment, error) {
	c, err := l.svc.Reply(ctx, l.documentID, l.actor(), threadID, content)
	if err != nil {
		return Comment{}, err
	}
	l.upsert(c)
	return c, nil
}

func (l *Live) Resolve(ctx context.Context, threadID string) error {
	return l.setResolved(ctx, threadID, true)
}

func (l *Live) Reopen(ctx context.Context, threadID string) error {
	return l.setResolved(ctx, threadID, false)
}

func (l *Live) setResolved(ctx context.Context, threadID string, resolved bool) error {
	var (
		root Comment
		err  error
	)
	if resolved {
		root, err = l.svc.Resolve(ctx, l.documentID, l.actor(), threadID)
	} else {
		root, err = l.svc.Reopen(ctx, l.documentID, l.actor(), threadID)
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	for id, c := range l.byID {
		if id == threadID || c.ParentID == threadID {
			c.IsResolved = root.IsResolved
			l.byID[id] = c
		}
	}
	l.mu.Unlock()
	l.notify()
	return nil
}

// DeleteThread deletes the thread and its replies, then strips the thread id
// from its markers. It returns the number of deleted rows.
func (l *Live) DeleteThread(ctx context.Context, threadID string) (int64, error) {
	n, err := l.svc.DeleteThread(ctx, l.documentID, l.actor(), threadID)
	if err != nil {
		return 0, err
	}
	if _, err := l.editor.RemoveMarkID(threadID, doc.OriginLocalUser); err != nil {
		l.logger.Warn("remove thread marker", zap.String("thread_id", threadID), zap.Error(err))
	}
	l.mu.Lock()
	var gone []string
	for id, c := range l.byID {
		if id == threadID || c.ParentID == threadID {
			gone = append(gone, id)
		}
	}
	l.mu.Unlock()
	l.remove(gone...)
	return n, nil
}

func (l *Live) DeleteReply(ctx context.Context, replyID string) error {
	if err := l.svc.DeleteReply(ctx, l.documentID, l.actor(), replyID); err != nil {
		return err
	}
	l.remove(replyID)
	return nil
}

// Focus moves the caret to the start of the thread's first marker and
// returns the marker key.
func (l *Live) Focus(threadID string) (string, error) {
	keys := l.editor.MarkKeys(threadID)
	if len(keys) == 0 {
		return "", fmt.Errorf("focus %s: %w", threadID, ErrNoAnchor)
	}
	leaf, ok := l.editor.FirstLeafIn(keys[0])
	if !ok {
		return "", fmt.Errorf("focus %s: %w", threadID, ErrNoAnchor)
	}
	if err := l.editor.Select(leaf, 0); err != nil {
		return "", err
	}
	return keys[0], nil
}

// ActiveIDs returns the ids of the threads anchored at the caret.
func (l *Live) ActiveIDs() []string {
	sel, ok := l.editor.Selection()
	if !ok {
		return nil
	}
	return l.editor.MarkIDs(sel.Anchor.Key)
}
