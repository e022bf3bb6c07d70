// Package feed carries durable-store change notifications: row inserts,
// updates and deletes scoped to a document. Unlike broadcast channels these
// describe committed rows, so a subscriber that missed one can reload.
package feed

import (
	"context"
	"sync"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

const (
	TableComments      = "comments"
	TableCollaborators = "collaborators"
	TableDocuments     = "documents"
)

// Change identifies one committed row change.
type Change struct {
	Table      string `json:"table"`
	Op         Op     `json:"op"`
	DocumentID string `json:"document_id"`
	RowID      string `json:"id"`
}

// Source delivers changes for one table of one document.
type Source interface {
	Subscribe(ctx context.Context, table, documentID string, fn func(Change)) (cancel func(), err error)
}

// Hub is an in-process Source. Publish delivers synchronously.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	table      string
	documentID string
	fn         func(Change)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

func (h *Hub) Subscribe(_ context.Context, table, documentID string, fn func(Change)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscription{table: table, documentID: documentID, fn: fn}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}, nil
}

// Publish fans c out to every matching subscriber.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	var fns []func(Change)
	for _, s := range h.subs {
		if s.table == c.Table && s.documentID == c.DocumentID {
			fns = append(fns, s.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
