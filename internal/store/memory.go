package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coedit/api/internal/access"
	"coedit/api/internal/comments"
	"coedit/api/internal/errs"
	"coedit/api/internal/feed"
	"coedit/api/internal/util"
)

// MemoryStore keeps everything in process and publishes the same changes
// the Postgres triggers emit. It backs local runs without a database.
type MemoryStore struct {
	*feed.Hub

	mu       sync.Mutex
	now      func() time.Time
	docs     map[string]Document
	grants   map[string]Grant
	comments map[string]comments.Comment
	stars    map[starKey]time.Time
}

type starKey struct{ documentID, userID string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Hub:      feed.NewHub(),
		now:      time.Now,
		docs:     make(map[string]Document),
		grants:   make(map[string]Grant),
		comments: make(map[string]comments.Comment),
		stars:    make(map[starKey]time.Time),
	}
}

func (s *MemoryStore) publish(table string, op feed.Op, documentID, id string) {
	s.Publish(feed.Change{Table: table, Op: op, DocumentID: documentID, RowID: id})
}

func cloneDocument(d Document) Document {
	if d.Content != nil {
		d.Content = append(json.RawMessage(nil), d.Content...)
	}
	if d.TrashedAt != nil {
		at := *d.TrashedAt
		d.TrashedAt = &at
	}
	return d
}

func (s *MemoryStore) CreateDocument(_ context.Context, ownerID, title string, content []byte) (Document, error) {
	if title == "" {
		title = "Untitled"
	}
	now := s.now()
	d := Document{ID: util.NewID(""), OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}
	if len(content) > 0 {
		d.Content = append(json.RawMessage(nil), content...)
	}
	s.mu.Lock()
	s.docs[d.ID] = d
	s.mu.Unlock()
	s.publish(feed.TableDocuments, feed.OpInsert, d.ID, d.ID)
	return cloneDocument(d), nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok {
		return Document{}, fmt.Errorf("get document: %w", errs.ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, userID string, trashed bool) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shared := make(map[string]bool)
	for _, g := range s.grants {
		if g.UserID == userID {
			shared[g.DocumentID] = true
		}
	}
	var out []Document
	for _, d := range s.docs {
		if d.Trashed() != trashed {
			continue
		}
		if d.OwnerID == userID || (!trashed && shared[d.ID]) {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, documentID string, patch DocumentPatch) (Document, error) {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return Document{}, fmt.Errorf("update document: %w", errs.ErrNotFound)
	}
	if patch.Title != nil {
		d.Title = *patch.Title
	}
	if patch.IsPublic != nil {
		d.IsPublic = *patch.IsPublic
	}
	d.UpdatedAt = s.now()
	s.docs[documentID] = d
	s.mu.Unlock()
	s.publish(feed.TableDocuments, feed.OpUpdate, documentID, documentID)
	return cloneDocument(d), nil
}

func (s *MemoryStore) SaveContent(_ context.Context, documentID string, content []byte) error {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok || d.Trashed() {
		s.mu.Unlock()
		return fmt.Errorf("save content: %w", errs.ErrNotFound)
	}
	d.Content = append(json.RawMessage(nil), content...)
	d.UpdatedAt = s.now()
	s.docs[documentID] = d
	s.mu.Unlock()
	s.publish(feed.TableDocuments, feed.OpUpdate, documentID, documentID)
	return nil
}

func (s *MemoryStore) setTrashed(documentID string, trashed bool) bool {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok || d.Trashed() == trashed {
		s.mu.Unlock()
		return false
	}
	if trashed {
		at := s.now()
		d.TrashedAt = &at
	} else {
		d.TrashedAt = nil
	}
	s.docs[documentID] = d
	s.mu.Unlock()
	s.publish(feed.TableDocuments, feed.OpUpdate, documentID, documentID)
	return true
}

func (s *MemoryStore) TrashDocument(_ context.Context, documentID string) (bool, error) {
	return s.setTrashed(documentID, true), nil
}

func (s *MemoryStore) RestoreDocument(_ context.Context, documentID string) (bool, error) {
	return s.setTrashed(documentID, false), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete document: %w", errs.ErrNotFound)
	}
	if !d.Trashed() {
		s.mu.Unlock()
		return ErrNotTrashed
	}
	delete(s.docs, documentID)
	for id, g := range s.grants {
		if g.DocumentID == documentID {
			delete(s.grants, id)
		}
	}
	for id, c := range s.comments {
		if c.DocumentID == documentID {
			delete(s.comments, id)
		}
	}
	for k := range s.stars {
		if k.documentID == documentID {
			delete(s.stars, k)
		}
	}
	s.mu.Unlock()
	s.publish(feed.TableDocuments, feed.OpDelete, documentID, documentID)
	return nil
}

func (s *MemoryStore) CopyDocument(ctx context.Context, documentID, ownerID string) (Document, error) {
	src, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("copy document: %w", errs.ErrNotFound)
	}
	return s.CreateDocument(ctx, ownerID, src.Title+" (Copy)", src.Content)
}

func (s *MemoryStore) ListGrants(_ context.Context, documentID string) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, g := range s.grants {
		if g.DocumentID == documentID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) InsertGrant(_ context.Context, g Grant) (Grant, error) {
	if !access.Grantable(g.Tier) {
		return Grant{}, fmt.Errorf("insert grant: invalid access level %q", g.Tier)
	}
	g.Email = strings.ToLower(g.Email)
	s.mu.Lock()
	if _, ok := s.docs[g.DocumentID]; !ok {
		s.mu.Unlock()
		return Grant{}, fmt.Errorf("insert grant: %w", errs.ErrNotFound)
	}
	for _, existing := range s.grants {
		if existing.DocumentID != g.DocumentID {
			continue
		}
		if (g.UserID != "" && existing.UserID == g.UserID) || (g.Email != "" && existing.Email == g.Email) {
			s.mu.Unlock()
			return Grant{}, errs.ErrAlreadyExists
		}
	}
	g.ID = util.NewID("")
	g.CreatedAt = s.now()
	s.grants[g.ID] = g
	s.mu.Unlock()
	s.publish(feed.TableCollaborators, feed.OpInsert, g.DocumentID, g.ID)
	return g, nil
}

func (s *MemoryStore) UpdateGrantTier(_ context.Context, documentID, grantID string, tier access.Tier) (Grant, error) {
	if !access.Grantable(tier) {
		return Grant{}, fmt.Errorf("update grant: invalid access level %q", tier)
	}
	s.mu.Lock()
	g, ok := s.grants[grantID]
	if !ok || g.DocumentID != documentID {
		s.mu.Unlock()
		return Grant{}, fmt.Errorf("update grant: %w", errs.ErrNotFound)
	}
	g.Tier = tier
	s.grants[grantID] = g
	s.mu.Unlock()
	s.publish(feed.TableCollaborators, feed.OpUpdate, documentID, grantID)
	return g, nil
}

func (s *MemoryStore) DeleteGrant(_ context.Context, documentID, grantID string) (bool, error) {
	s.mu.Lock()
	g, ok := s.grants[grantID]
	if !ok || g.DocumentID != documentID {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.grants, grantID)
	s.mu.Unlock()
	s.publish(feed.TableCollaborators, feed.OpDelete, documentID, grantID)
	return true, nil
}

func (s *MemoryStore) AcceptPendingInvitations(_ context.Context, userID, email string) (int64, error) {
	if userID == "" || email == "" {
		return 0, nil
	}
	email = strings.ToLower(email)
	s.mu.Lock()
	bound := make(map[string]bool)
	for _, g := range s.grants {
		if g.UserID == userID {
			bound[g.DocumentID] = true
		}
	}
	var changed []Grant
	for id, g := range s.grants {
		if g.UserID != "" || g.Email != email || bound[g.DocumentID] {
			continue
		}
		g.UserID = userID
		s.grants[id] = g
		bound[g.DocumentID] = true
		changed = append(changed, g)
	}
	s.mu.Unlock()
	for _, g := range changed {
		s.publish(feed.TableCollaborators, feed.OpUpdate, g.DocumentID, g.ID)
	}
	return int64(len(changed)), nil
}

func (s *MemoryStore) StarDocument(_ context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return fmt.Errorf("star document: %w", errs.ErrNotFound)
	}
	k := starKey{documentID, userID}
	if _, ok := s.stars[k]; !ok {
		s.stars[k] = s.now()
	}
	return nil
}

func (s *MemoryStore) UnstarDocument(_ context.Context, documentID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := starKey{documentID, userID}
	if _, ok := s.stars[k]; !ok {
		return false, nil
	}
	delete(s.stars, k)
	return true, nil
}

func (s *MemoryStore) IsStarred(_ context.Context, documentID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stars[starKey{documentID, userID}]
	return ok, nil
}

func (s *MemoryStore) ListStarred(_ context.Context, userID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type starred struct {
		doc Document
		at  time.Time
	}
	var found []starred
	for k, at := range s.stars {
		if k.userID != userID {
			continue
		}
		d, ok := s.docs[k.documentID]
		if !ok || d.Trashed() || !s.reachableLocked(d, userID) {
			continue
		}
		found = append(found, starred{cloneDocument(d), at})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.After(found[j].at) })
	out := make([]Document, 0, len(found))
	for _, f := range found {
		out = append(out, f.doc)
	}
	return out, nil
}

func (s *MemoryStore) reachableLocked(d Document, userID string) bool {
	if d.OwnerID == userID || d.IsPublic {
		return true
	}
	for _, g := range s.grants {
		if g.DocumentID == d.ID && g.UserID == userID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) InsertComment(_ context.Context, c comments.Comment) (comments.Comment, error) {
	s.mu.Lock()
	if _, ok := s.comments[c.ID]; ok {
		s.mu.Unlock()
		return comments.Comment{}, errs.ErrAlreadyExists
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.comments[c.ID] = c
	s.mu.Unlock()
	s.publish(feed.TableComments, feed.OpInsert, c.DocumentID, c.ID)
	return c, nil
}

func (s *MemoryStore) GetComment(_ context.Context, documentID, id string) (comments.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok || c.DocumentID != documentID {
		return comments.Comment{}, fmt.Errorf("get comment: %w", errs.ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) ListComments(_ context.Context, documentID string) ([]comments.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []comments.Comment
	for _, c := range s.comments {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) threadRows(documentID, threadID string) []string {
	var ids []string
	for id, c := range s.comments {
		if c.DocumentID == documentID && (c.ID == threadID || c.ParentID == threadID) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *MemoryStore) SetThreadResolved(_ context.Context, documentID, threadID string, resolved bool) (int64, error) {
	s.mu.Lock()
	ids := s.threadRows(documentID, threadID)
	now := s.now()
	for _, id := range ids {
		c := s.comments[id]
		c.IsResolved = resolved
		c.UpdatedAt = now
		s.comments[id] = c
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.publish(feed.TableComments, feed.OpUpdate, documentID, id)
	}
	return int64(len(ids)), nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, documentID, threadID string) (int64, error) {
	s.mu.Lock()
	ids := s.threadRows(documentID, threadID)
	for _, id := range ids {
		delete(s.comments, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.publish(feed.TableComments, feed.OpDelete, documentID, id)
	}
	return int64(len(ids)), nil
}

func (s *MemoryStore) DeleteComment(_ context.Context, documentID, id string) (int64, error) {
	s.mu.Lock()
	c, ok := s.comments[id]
	if !ok || c.DocumentID != documentID {
		s.mu.Unlock()
		return 0, nil
	}
	delete(s.comments, id)
	s.mu.Unlock()
	s.publish(feed.TableComments, feed.OpDelete, documentID, id)
	return 1, nil
}
