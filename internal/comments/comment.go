// Package comments implements threaded, resolvable annotations anchored to
// document ranges. Threads live in the durable store and reach other clients
// through the store's change feed, never through broadcast channels.
package comments

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"coedit/api/internal/access"
)

// MaxQuoteLen bounds the quoted anchor text stored on a thread.
const MaxQuoteLen = 100

var (
	ErrEmptyContent   = errors.New("comment content is empty")
	ErrNotThread      = errors.New("comment is not a thread")
	ErrNotReply       = errors.New("comment is not a reply")
	ErrThreadResolved = errors.New("thread is resolved")
	ErrNoAnchor       = errors.New("thread has no anchor in the document")
)

// Comment is a thread root (ParentID empty) or a reply. Only roots carry the
// quote; a reply's IsResolved mirrors its thread.
type Comment struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	Content    string    `json:"content"`
	QuoteText  string    `json:"quote_text,omitempty"`
	IsResolved bool      `json:"is_resolved"`
	ParentID   string    `json:"parent_comment_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c Comment) IsRoot() bool {
	return c.ParentID == ""
}

type Thread struct {
	Root    Comment   `json:"thread"`
	Replies []Comment `json:"replies"`
}

type Filter string

const (
	FilterAll      Filter = ""
	FilterActive   Filter = "active"
	FilterResolved Filter = "resolved"
)

func (f Filter) match(t Thread) bool {
	switch f {
	case FilterActive:
		return !t.Root.IsResolved
	case FilterResolved:
		return t.Root.IsResolved
	default:
		return true
	}
}

// Actor is the user performing an operation and their access on the document.
type Actor struct {
	UserID string
	Name   string
	Access access.Access
}

// Store is the durable side. Thread-wide writes use one statement matching
// the root and its replies.
type Store interface {
	InsertComment(ctx context.Context, c Comment) (Comment, error)
	GetComment(ctx context.Context, documentID, id string) (Comment, error)
	ListComments(ctx context.Context, documentID string) ([]Comment, error)
	SetThreadResolved(ctx context.Context, documentID, threadID string, resolved bool) (int64, error)
	DeleteThread(ctx context.Context, documentID, threadID string) (int64, error)
	DeleteComment(ctx context.Context, documentID, id string) (int64, error)
}

// TruncateQuote caps quote at MaxQuoteLen runes, ending a cut quote with "…".
func TruncateQuote(quote string) string {
	if utf8.RuneCountInString(quote) <= MaxQuoteLen {
		return quote
	}
	runes := []rune(quote)
	return string(runes[:MaxQuoteLen-1]) + "…"
}

// Group builds threads from a flat list, oldest first.
func Group(all []Comment, filter Filter) []Thread {
	sorted := append([]Comment(nil), all...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	replies := make(map[string][]Comment)
	for _, c := range sorted {
		if !c.IsRoot() {
			replies[c.ParentID] = append(replies[c.ParentID], c)
		}
	}
	var out []Thread
	for _, c := range sorted {
		if !c.IsRoot() {
			continue
		}
		t := Thread{Root: c, Replies: replies[c.ID]}
		if filter.match(t) {
			out = append(out, t)
		}
	}
	return out
}

func cleanContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}
