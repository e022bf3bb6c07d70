// Package channel provides per-document ephemeral pub/sub channels: one for
// edit broadcasts, one for cursors and one for presence. Nothing sent on a
// channel is persisted, and a client never receives its own broadcasts.
package channel

import (
	"context"
	"encoding/json"
)

// Purpose scopes a channel within a document.
type Purpose string

const (
	PurposeDocument Purpose = "document"
	PurposeCursors  Purpose = "cursors"
	PurposePresence Purpose = "presence"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeDocument, PurposeCursors, PurposePresence:
		return true
	}
	return false
}

// Topic names the channel for purpose on documentID, e.g. "document:<id>".
func Topic(p Purpose, documentID string) string {
	return string(p) + ":" + documentID
}

// Message is one broadcast. Sender is the client id of the publishing
// channel and is filled in by the transport.
type Message struct {
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives broadcasts for one event name.
type Handler func(Message)

// Status reports subscription lifecycle.
type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "CHANNEL_ERROR"
)

// Member is one tracked presence entry, keyed by client id.
type Member struct {
	Key  string          `json:"key"`
	Meta json.RawMessage `json:"meta"`
}

type PresenceKind string

const (
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
	PresenceSync  PresenceKind = "sync"
)

// PresenceEvent carries the members that joined or left. For a sync event
// Members is the full membership snapshot.
type PresenceEvent struct {
	Kind    PresenceKind
	Members []Member
}

// Channel is one subscription to a topic. Handlers must be registered before
// Subscribe to see every message; they may be called from transport
// goroutines and must not block.
type Channel interface {
	Topic() string
	ClientID() string

	On(event string, h Handler) (off func())
	OnPresence(fn func(PresenceEvent)) (off func())
	OnStatus(fn func(Status)) (off func())

	// Subscribe starts delivery and reports StatusSubscribed to status
	// observers before returning.
	Subscribe(ctx context.Context) error
	Send(ctx context.Context, msg Message) error

	Track(ctx context.Context, meta json.RawMessage) error
	Untrack(ctx context.Context) error
	PresenceState() []Member

	Close() error
}

// Transport creates channels. clientID identifies one open session; two tabs
// of the same user are two clients.
type Transport interface {
	Join(ctx context.Context, topic, clientID string) (Channel, error)
}

// Encode builds a message with a JSON payload.
func Encode(event string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Payload: raw}, nil
}
