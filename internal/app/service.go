package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/auth"
	"coedit/api/internal/comments"
	"coedit/api/internal/doc"
	"coedit/api/internal/email"
	"coedit/api/internal/errs"
	"coedit/api/internal/session"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

// Store is the durable side of the API. Both the Postgres and the in-memory
// stores implement it.
type Store interface {
	CreateDocument(ctx context.Context, ownerID, title string, content []byte) (store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, userID string, trashed bool) ([]store.Document, error)
	UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch) (store.Document, error)
	SaveContent(ctx context.Context, documentID string, content []byte) error
	TrashDocument(ctx context.Context, documentID string) (bool, error)
	RestoreDocument(ctx context.Context, documentID string) (bool, error)
	DeleteDocument(ctx context.Context, documentID string) error
	CopyDocument(ctx context.Context, documentID, ownerID string) (store.Document, error)
	ListGrants(ctx context.Context, documentID string) ([]store.Grant, error)
	InsertGrant(ctx context.Context, g store.Grant) (store.Grant, error)
	UpdateGrantTier(ctx context.Context, documentID, grantID string, tier access.Tier) (store.Grant, error)
	DeleteGrant(ctx context.Context, documentID, grantID string) (bool, error)
	AcceptPendingInvitations(ctx context.Context, userID, email string) (int64, error)
	StarDocument(ctx context.Context, documentID, userID string) error
	UnstarDocument(ctx context.Context, documentID, userID string) (bool, error)
	IsStarred(ctx context.Context, documentID, userID string) (bool, error)
	ListStarred(ctx context.Context, userID string) ([]store.Document, error)
	comments.Store
}

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.MemoryStore)(nil)
)

// Archiver keeps a copy of a document before it is permanently deleted.
type Archiver interface {
	Put(ctx context.Context, documentID string, content []byte) (string, error)
}

// Notifier announces a new share to the invited address.
type Notifier interface {
	SendInvitation(ctx context.Context, inv email.Invitation) error
}

type Service struct {
	store    Store
	comments *comments.Service
	archive  Archiver
	notifier Notifier
	logger   *zap.Logger
}

type ServiceOption func(*Service)

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

// NewService builds the API service. archive may be nil.
func NewService(st Store, archive Archiver, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		comments: comments.NewService(st, logger),
		archive:  archive,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errOwnerOnly    = domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can do this", nil)
	errAlreadyShare = domainError(http.StatusConflict, "ALREADY_HAS_ACCESS", "User already has access to this document", nil)
)

type DocumentView struct {
	store.Document
	Access  access.Tier `json:"access"`
	Mode    string      `json:"mode"`
	IsOwner bool        `json:"is_owner"`
	Starred bool        `json:"starred"`
}

func view(d store.Document, acc access.Access, userID string) DocumentView {
	return DocumentView{Document: d, Access: acc.Level, Mode: string(session.DefaultMode(acc)), IsOwner: d.OwnerID == userID}
}

// documentAccess resolves who's access on documentID. Trashed documents are
// visible to their owner only; public documents give every signed-in user
// at least view.
func (s *Service) documentAccess(ctx context.Context, who auth.Identity, documentID string) (store.Document, access.Access, error) {
	d, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, access.None, err
	}
	if d.Trashed() && d.OwnerID != who.UserID {
		return store.Document{}, access.None, errs.ErrNotFound
	}
	grants, err := s.store.ListGrants(ctx, documentID)
	if err != nil {
		return store.Document{}, access.None, err
	}
	acc := access.Evaluate(d.OwnerID, who.UserID, store.AccessGrants(grants))
	if d.IsPublic && who.UserID != "" {
		acc = acc.Floor(access.TierView)
	}
	if !acc.CanView {
		// Hide the document's existence from users with no access.
		return store.Document{}, access.None, errs.ErrNotFound
	}
	return d, acc, nil
}

// LiveAccess is the access a realtime connection gets: none for trashed or
// missing documents.
func (s *Service) LiveAccess(ctx context.Context, who auth.Identity, documentID string) (access.Access, error) {
	d, acc, err := s.documentAccess(ctx, who, documentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return access.None, nil
		}
		return access.None, err
	}
	if d.Trashed() {
		return access.None, nil
	}
	return acc, nil
}

func (s *Service) requireOwner(ctx context.Context, who auth.Identity, documentID string) (store.Document, error) {
	d, _, err := s.documentAccess(ctx, who, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if d.OwnerID != who.UserID {
		return store.Document{}, errOwnerOnly
	}
	return d, nil
}

func (s *Service) CreateDocument(ctx context.Context, who auth.Identity, title string, content []byte) (DocumentView, error) {
	if string(content) == "null" {
		content = nil
	}
	if len(content) > 0 {
		if _, err := doc.Parse(content); err != nil {
			return DocumentView{}, err
		}
	}
	d, err := s.store.CreateDocument(ctx, who.UserID, strings.TrimSpace(title), content)
	if err != nil {
		return DocumentView{}, fmt.Errorf("create document: %w", err)
	}
	s.logger.Info("document created", zap.String("document_id", d.ID), zap.String("user_id", who.UserID))
	return view(d, access.FromTier(access.TierEdit), who.UserID), nil
}

func (s *Service) ListDocuments(ctx context.Context, who auth.Identity, trashed bool) ([]store.Document, error) {
	docs, err := s.store.ListDocuments(ctx, who.UserID, trashed)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

func (s *Service) GetDocument(ctx context.Context, who auth.Identity, documentID string) (DocumentView, error) {
	d, acc, err := s.documentAccess(ctx, who, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return s.starredView(ctx, view(d, acc, who.UserID), who)
}

func (s *Service) starredView(ctx context.Context, v DocumentView, who auth.Identity) (DocumentView, error) {
	starred, err := s.store.IsStarred(ctx, v.ID, who.UserID)
	if err != nil {
		return DocumentView{}, err
	}
	v.Starred = starred
	return v, nil
}

// StarDocument bookmarks a document the user can open.
func (s *Service) StarDocument(ctx context.Context, who auth.Identity, documentID string) (DocumentView, error) {
	if _, _, err := s.documentAccess(ctx, who, documentID); err != nil {
		return DocumentView{}, err
	}
	if err := s.store.StarDocument(ctx, documentID, who.UserID); err != nil {
		return DocumentView{}, err
	}
	return s.GetDocument(ctx, who, documentID)
}

// UnstarDocument needs no access: a star outlives a revoked grant and its
// owner can still drop it.
func (s *Service) UnstarDocument(ctx context.Context, who auth.Identity, documentID string) error {
	_, err := s.store.UnstarDocument(ctx, documentID, who.UserID)
	return err
}

func (s *Service) ListStarred(ctx context.Context, who auth.Identity) ([]store.Document, error) {
	docs, err := s.store.ListStarred(ctx, who.UserID)
	if err != nil {
		return nil, fmt.Errorf("list starred: %w", err)
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

// UpdateDocument renames (edit) or toggles public visibility (owner).
func (s *Service) UpdateDocument(ctx context.Context, who auth.Identity, documentID string, patch store.DocumentPatch) (DocumentView, error) {
	d, acc, err := s.documentAccess(ctx, who, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if patch.Title == nil && patch.IsPublic == nil {
		return DocumentView{}, validationError("nothing to update")
	}
	if patch.Title != nil {
		if !access.Can(acc.Level, access.ActionWrite) {
			return DocumentView{}, errForbidden
		}
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			title = "Untitled"
		}
		patch.Title = &title
	}
	if patch.IsPublic != nil && d.OwnerID != who.UserID {
		return DocumentView{}, errOwnerOnly
	}
	updated, err := s.store.UpdateDocument(ctx, documentID, patch)
	if err != nil {
		return DocumentView{}, fmt.Errorf("update document: %w", err)
	}
	return s.starredView(ctx, view(updated, acc, who.UserID), who)
}

func (s *Service) SaveContent(ctx context.Context, who auth.Identity, documentID string, content []byte) error {
	d, acc, err := s.documentAccess(ctx, who, documentID)
	if err != nil {
		return err
	}
	if !access.Can(acc.Level, access.ActionWrite) || d.Trashed() {
		return errForbidden
	}
	if _, err := doc.Parse(content); err != nil {
		return err
	}
	return s.store.SaveContent(ctx, documentID, content)
}

func (s *Service) TrashDocument(ctx context.Context, who auth.Identity, documentID string) (DocumentView, error) {
	if _, err := s.requireOwner(ctx, who, documentID); err != nil {
		return DocumentView{}, err
	}
	if _, err := s.store.TrashDocument(ctx, documentID); err != nil {
		return DocumentView{}, err
	}
	return s.GetDocument(ctx, who, documentID)
}

func (s *Service) RestoreDocument(ctx context.Context, who auth.Identity, documentID string) (DocumentView, error) {
	if _, err := s.requireOwner(ctx, who, documentID); err != nil {
		return DocumentView{}, err
	}
	if _, err := s.store.RestoreDocument(ctx, documentID); err != nil {
		return DocumentView{}, err
	}
	return s.GetDocument(ctx, who, documentID)
}

// DeleteDocument permanently removes a trashed document. When an archive is
// configured the last snapshot is stored first and a failed upload keeps
// the document.
func (s *Service) DeleteDocument(ctx context.Context, who auth.Identity, documentID string) error {
	d, err := s.requireOwner(ctx, who, documentID)
	if err != nil {
		return err
	}
	if !d.Trashed() {
		return store.ErrNotTrashed
	}
	if s.archive != nil {
		if _, err := s.archive.Put(ctx, documentID, d.Content); err != nil {
			return fmt.Errorf("archive before delete: %w", err)
		}
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.logger.Info("document deleted", zap.String("document_id", documentID), zap.String("user_id", who.UserID))
	return nil
}

func (s *Service) CopyDocument(ctx context.Context, who auth.Identity, documentID string) (DocumentView, error) {
	if _, _, err := s.documentAccess(ctx, who, documentID); err != nil {
		return DocumentView{}, err
	}
	d, err := s.store.CopyDocument(ctx, documentID, who.UserID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("copy document: %w", err)
	}
	return view(d, access.FromTier(access.TierEdit), who.UserID), nil
}

func (s *Service) ListCollaborators(ctx context.Context, who auth.Identity, documentID string) ([]store.Grant, error) {
	if _, _, err := s.documentAccess(ctx, who, documentID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []store.Grant{}
	}
	return grants, nil
}

type InviteInput struct {
	Email  string      `json:"email"`
	Access access.Tier `json:"access_level"`
}

// Invite shares the document with an email address. The grant stays pending
// until that user accepts their invitations.
func (s *Service) Invite(ctx context.Context, who auth.Identity, documentID string, in InviteInput) (store.Grant, error) {
	d, err := s.requireOwner(ctx, who, documentID)
	if err != nil {
		return store.Grant{}, err
	}
	emailAddr := strings.ToLower(strings.TrimSpace(in.Email))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return store.Grant{}, validationError("a valid email is required")
	}
	if strings.EqualFold(emailAddr, who.Email) {
		return store.Grant{}, validationError("you already own this document")
	}
	if !access.Grantable(in.Access) {
		return store.Grant{}, validationError("access_level must be one of edit, comment, view")
	}
	g, err := s.store.InsertGrant(ctx, store.Grant{
		DocumentID: documentID,
		Email:      emailAddr,
		Tier:       in.Access,
		SharedBy:   who.UserID,
	})
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return store.Grant{}, errAlreadyShare
		}
		return store.Grant{}, err
	}
	s.logger.Info("document shared",
		zap.String("document_id", documentID),
		zap.String("grant_id", g.ID),
		zap.String("access_level", string(g.Tier)),
	)
	if s.notifier != nil {
		err := s.notifier.SendInvitation(ctx, email.Invitation{
			To:            emailAddr,
			InviterName:   util.DisplayName(who.Email),
			DocumentID:    documentID,
			DocumentTitle: d.Title,
			GrantID:       g.ID,
			AccessLevel:   string(g.Tier),
		})
		// The grant stands even when the mail does not go out.
		if err != nil {
			s.logger.Warn("invitation email failed", zap.String("grant_id", g.ID), zap.Error(err))
		}
	}
	return g, nil
}

func (s *Service) UpdateCollaborator(ctx context.Context, who auth.Identity, documentID, grantID string, tier access.Tier) (store.Grant, error) {
	if _, err := s.requireOwner(ctx, who, documentID); err != nil {
		return store.Grant{}, err
	}
	if !access.Grantable(tier) {
		return store.Grant{}, validationError("access_level must be one of edit, comment, view")
	}
	return s.store.UpdateGrantTier(ctx, documentID, grantID, tier)
}

func (s *Service) RemoveCollaborator(ctx context.Context, who auth.Identity, documentID, grantID string) error {
	if _, err := s.requireOwner(ctx, who, documentID); err != nil {
		return err
	}
	ok, err := s.store.DeleteGrant(ctx, documentID, grantID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Service) AcceptInvitations(ctx context.Context, who auth.Identity) (int64, error) {
	if who.Email == "" {
		return 0, validationError("token carries no email")
	}
	n, err := s.store.AcceptPendingInvitations(ctx, who.UserID, who.Email)
	if err != nil {
		return 0, fmt.Errorf("accept invitations: %w", err)
	}
	if n > 0 {
		s.logger.Info("invitations accepted", zap.String("user_id", who.UserID), zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) actor(ctx context.Context, who auth.Identity, documentID string) (comments.Actor, error) {
	d, acc, err := s.documentAccess(ctx, who, documentID)
	if err != nil {
		return comments.Actor{}, err
	}
	if d.Trashed() {
		acc = access.None
	}
	return comments.Actor{UserID: who.UserID, Name: util.DisplayName(who.Email), Access: acc}, nil
}

func (s *Service) Threads(ctx context.Context, who auth.Identity, documentID string, filter comments.Filter) ([]comments.Thread, error) {
	switch filter {
	case comments.FilterAll, comments.FilterActive, comments.FilterResolved:
	default:
		return nil, validationError("filter must be active or resolved")
	}
	actor, err := s.actor(ctx, who, documentID)
	if err != nil {
		return nil, err
	}
	threads, err := s.comments.Threads(ctx, documentID, actor, filter)
	if err != nil {
		return nil, err
	}
	if threads == nil {
		threads = []comments.Thread{}
	}
	return threads, nil
}

type ThreadInput struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Quote   string `json:"quote_text"`
}

func (s *Service) CreateThread(ctx context.Context, who auth.Identity, documentID string, in ThreadInput) (comments.Comment, error) {
	if in.ID != "" && !util.IsUUID(in.ID) {
		return comments.Comment{}, validationError("id must be a UUID")
	}
	actor, err := s.actor(ctx, who, documentID)
	if err != nil {
		return comments.Comment{}, err
	}
	return s.comments.CreateThread(ctx, documentID, actor, comments.NewThread{ID: in.ID, Content: in.Content, Quote: in.Quote})
}

func (s *Service) Reply(ctx context.Context, who auth.Identity, documentID, threadID, content string) (comments.Comment, error) {
	actor, err := s.actor(ctx, who, documentID)
	if err != nil {
		return comments.Comment{}, err
	}
	return s.comments.Reply(ctx, documentID, actor, threadID, content)
}

func (s *Service) SetResolved(ctx context.Context, who auth.Identity, documentID, threadID string, resolved bool) (comments.Comment, error) {
	actor, err := s.actor(ctx, who, documentID)
	if err != nil {
		return comments.Comment{}, err
	}
	if resolved {
		return s.comments.Resolve(ctx, documentID, actor, threadID)
	}
	return s.comments.Reopen(ctx, documentID, actor, threadID)
}

// DeleteComment removes a whole thread when commentID is a root and a
// single reply otherwise. It reports the number of rows removed.
func (s *Service) DeleteComment(ctx context.Context, who auth.Identity, documentID, commentID string) (int64, error) {
	actor, err := s.actor(ctx, who, documentID)
	if err != nil {
		return 0, err
	}
	if !actor.Access.CanEdit {
		return 0, errForbidden
	}
	c, err := s.store.GetComment(ctx, documentID, commentID)
	if err != nil {
		return 0, err
	}
	if c.IsRoot() {
		return s.comments.DeleteThread(ctx, documentID, actor, commentID)
	}
	if err := s.comments.DeleteReply(ctx, documentID, actor, commentID); err != nil {
		return 0, err
	}
	return 1, nil
}
