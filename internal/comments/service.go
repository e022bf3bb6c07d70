package comments

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"coedit/api/internal/errs"
	"coedit/api/internal/util"
)

// Service applies the permission rules to comment writes. It is stateless
// and safe to share between sessions and HTTP handlers.
type Service struct {
	store  Store
	logger *zap.Logger
	newID  func() string
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, newID: func() string { return util.NewID("") }}
}

// NewThread is the input for CreateThread. ID may be preset by a client that
// anchors the thread before the row exists.
type NewThread struct {
	ID      string
	Content string
	Quote   string
}

func (s *Service) CreateThread(ctx context.Context, documentID string, actor Actor, in NewThread) (Comment, error) {
	if !actor.Access.CanComment {
		return Comment{}, fmt.Errorf("create thread: %w", errs.ErrForbidden)
	}
	content, err := cleanContent(in.Content)
	if err != nil {
		return Comment{}, err
	}
	id := in.ID
	if id == "" {
		id = s.newID()
	}
	c, err := s.store.InsertComment(ctx, Comment{
		ID:         id,
		DocumentID: documentID,
		UserID:     actor.UserID,
		UserName:   actor.Name,
		Content:    content,
		QuoteText:  TruncateQuote(in.Quote),
	})
	if err != nil {
		return Comment{}, fmt.Errorf("create thread: %w", err)
	}
	return c, nil
}

func (s *Service) Reply(ctx context.Context, documentID string, actor Actor, threadID, content string) (Comment, error) {
	if !actor.Access.CanComment {
		return Comment{}, fmt.Errorf("reply: %w", errs.ErrForbidden)
	}
	content, err := cleanContent(content)
	if err != nil {
		return Comment{}, err
	}
	root, err := s.thread(ctx, documentID, threadID)
	if err != nil {
		return Comment{}, fmt.Errorf("reply: %w", err)
	}
	if root.IsResolved {
		return Comment{}, fmt.Errorf("reply: %w", ErrThreadResolved)
	}
	c, err := s.store.InsertComment(ctx, Comment{
		ID:         s.newID(),
		DocumentID: documentID,
		UserID:     actor.UserID,
		UserName:   actor.Name,
		Content:    content,
		ParentID:   root.ID,
	})
	if err != nil {
		return Comment{}, fmt.Errorf("reply: %w", err)
	}
	return c, nil
}

// Resolve marks a thread resolved. Resolving a resolved thread succeeds
// without writing.
func (s *Service) Resolve(ctx context.Context, documentID string, actor Actor, threadID string) (Comment, error) {
	return s.setResolved(ctx, documentID, actor, threadID, true)
}

// Reopen is the inverse of Resolve, with the same idempotence.
func (s *Service) Reopen(ctx context.Context, documentID string, actor Actor, threadID string) (Comment, error) {
	return s.setResolved(ctx, documentID, actor, threadID, false)
}

func (s *Service) setResolved(ctx context.Context, documentID string, actor Actor, threadID string, resolved bool) (Comment, error) {
	if !actor.Access.CanEdit {
		return Comment{}, fmt.Errorf("resolve thread: %w", errs.ErrForbidden)
	}
	root, err := s.thread(ctx, documentID, threadID)
	if err != nil {
		return Comment{}, fmt.Errorf("resolve thread: %w", err)
	}
	if root.IsResolved == resolved {
		return root, nil
	}
	if _, err := s.store.SetThreadResolved(ctx, documentID, threadID, resolved); err != nil {
		return Comment{}, fmt.Errorf("resolve thread: %w", err)
	}
	root.IsResolved = resolved
	return root, nil
}

// DeleteThread removes the root and every reply in one statement and
// reports how many rows went.
func (s *Service) DeleteThread(ctx context.Context, documentID string, actor Actor, threadID string) (int64, error) {
	if !actor.Access.CanEdit {
		return 0, fmt.Errorf("delete thread: %w", errs.ErrForbidden)
	}
	if _, err := s.thread(ctx, documentID, threadID); err != nil {
		return 0, fmt.Errorf("delete thread: %w", err)
	}
	n, err := s.store.DeleteThread(ctx, documentID, threadID)
	if err != nil {
		return 0, fmt.Errorf("delete thread: %w", err)
	}
	s.logger.Info("thread deleted",
		zap.String("document_id", documentID),
		zap.String("thread_id", threadID),
		zap.Int64("rows", n),
	)
	return n, nil
}

func (s *Service) DeleteReply(ctx context.Context, documentID string, actor Actor, replyID string) error {
	if !actor.Access.CanEdit {
		return fmt.Errorf("delete reply: %w", errs.ErrForbidden)
	}
	c, err := s.store.GetComment(ctx, documentID, replyID)
	if err != nil {
		return fmt.Errorf("delete reply: %w", err)
	}
	if c.IsRoot() {
		return fmt.Errorf("delete reply: %w", ErrNotReply)
	}
	n, err := s.store.DeleteComment(ctx, documentID, replyID)
	if err != nil {
		return fmt.Errorf("delete reply: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete reply: %w", errs.ErrNotFound)
	}
	return nil
}

// Threads lists the document's threads. Reading needs view access.
func (s *Service) Threads(ctx context.Context, documentID string, actor Actor, filter Filter) ([]Thread, error) {
	if !actor.Access.CanView {
		return nil, fmt.Errorf("list threads: %w", errs.ErrForbidden)
	}
	all, err := s.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return Group(all, filter), nil
}

func (s *Service) thread(ctx context.Context, documentID, threadID string) (Comment, error) {
	c, err := s.store.GetComment(ctx, documentID, threadID)
	if err != nil {
		return Comment{}, err
	}
	if !c.IsRoot() {
		return Comment{}, ErrNotThread
	}
	return c, nil
}
