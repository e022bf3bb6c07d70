package comments

import (
	"context"
	"sync"
	"time"

	"coedit/api/internal/errs"
	"coedit/api/internal/feed"
)

// memStore is a Store backed by a map. It publishes feed changes the way
// the database triggers do.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]Comment
	hub    *feed.Hub
	clock  time.Time
	writes int
}

func newMemStore(hub *feed.Hub) *memStore {
	return &memStore{rows: make(map[string]Comment), hub: hub, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *memStore) publish(op feed.Op, c Comment) {
	if s.hub != nil {
		s.hub.Publish(feed.Change{Table: feed.TableComments, Op: op, DocumentID: c.DocumentID, RowID: c.ID})
	}
}

func (s *memStore) InsertComment(_ context.Context, c Comment) (Comment, error) {
	s.mu.Lock()
	if _, ok := s.rows[c.ID]; ok {
		s.mu.Unlock()
		return Comment{}, errs.ErrAlreadyExists
	}
	s.clock = s.clock.Add(time.Second)
	c.CreatedAt, c.UpdatedAt = s.clock, s.clock
	s.rows[c.ID] = c
	s.writes++
	s.mu.Unlock()
	s.publish(feed.OpInsert, c)
	return c, nil
}

func (s *memStore) GetComment(_ context.Context, documentID, id string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok || c.DocumentID != documentID {
		return Comment{}, errs.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListComments(_ context.Context, documentID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Comment
	for _, c := range s.rows {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) matchThread(documentID, threadID string) []Comment {
	var out []Comment
	for _, c := range s.rows {
		if c.DocumentID == documentID && (c.ID == threadID || c.ParentID == threadID) {
			out = append(out, c)
		}
	}
	return out
}

func (s *memStore) SetThreadResolved(_ context.Context, documentID, threadID string, resolved bool) (int64, error) {
	s.mu.Lock()
	rows := s.matchThread(documentID, threadID)
	for _, c := range rows {
		c.IsResolved = resolved
		s.rows[c.ID] = c
	}
	s.writes++
	s.mu.Unlock()
	for _, c := range rows {
		s.publish(feed.OpUpdate, c)
	}
	return int64(len(rows)), nil
}

func (s *memStore) DeleteThread(_ context.Context, documentID, threadID string) (int64, error) {
	s.mu.Lock()
	rows := s.matchThread(documentID, threadID)
	for _, c := range rows {
		delete(s.rows, c.ID)
	}
	s.writes++
	s.mu.Unlock()
	for _, c := range rows {
		s.publish(feed.OpDelete, c)
	}
	return int64(len(rows)), nil
}

func (s *memStore) DeleteComment(_ context.Context, documentID, id string) (int64, error) {
	s.mu.Lock()
	c, ok := s.rows[id]
	if !ok || c.DocumentID != documentID {
		s.mu.Unlock()
		return 0, nil
	}
	delete(s.rows, id)
	s.writes++
	s.mu.Unlock()
	s.publish(feed.OpDelete, c)
	return 1, nil
}
