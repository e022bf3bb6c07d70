package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"coedit/api/internal/errs"
)

// MemoryTransport is an in-process hub. Delivery is synchronous on the
// sender's goroutine, which keeps single-node deployments and tests ordered.
type MemoryTransport struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	subscribers map[string]*memoryChannel
	members     map[string]json.RawMessage
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{rooms: make(map[string]*room)}
}

func (t *MemoryTransport) Join(_ context.Context, topic, clientID string) (Channel, error) {
	if topic == "" || clientID == "" {
		return nil, fmt.Errorf("join %q: topic and client id are required", topic)
	}
	return &memoryChannel{hub: t, topic: topic, clientID: clientID, hooks: newHooks()}, nil
}

func (t *MemoryTransport) room(topic string) *room {
	r, ok := t.rooms[topic]
	if !ok {
		r = &room{subscribers: make(map[string]*memoryChannel), members: make(map[string]json.RawMessage)}
		t.rooms[topic] = r
	}
	return r
}

// peers returns the subscribers of topic; t.mu must be held.
func (t *MemoryTransport) peers(topic string) []*memoryChannel {
	r := t.rooms[topic]
	if r == nil {
		return nil
	}
	out := make([]*memoryChannel, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		out = append(out, c)
	}
	return out
}

func snapshot(members map[string]json.RawMessage) []Member {
	out := make([]Member, 0, len(members))
	for key, meta := range members {
		out = append(out, Member{Key: key, Meta: meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type memoryChannel struct {
	hub      *MemoryTransport
	topic    string
	clientID string
	*hooks

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

func (c *memoryChannel) Topic() string    { return c.topic }
func (c *memoryChannel) ClientID() string { return c.clientID }

func (c *memoryChannel) On(event string, h Handler) func() { return c.on(event, h) }
func (c *memoryChannel) OnPresence(fn func(PresenceEvent)) func() {
	return c.onPresence(fn)
}
func (c *memoryChannel) OnStatus(fn func(Status)) func() { return c.onStatus(fn) }

func (c *memoryChannel) Subscribe(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.room(c.topic).subscribers[c.clientID] = c
	c.hub.mu.Unlock()

	c.dispatchStatus(StatusSubscribed)
	return nil
}

func (c *memoryChannel) active() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrClosed
	}
	if !c.subscribed {
		return fmt.Errorf("channel %s: not subscribed", c.topic)
	}
	return nil
}

func (c *memoryChannel) Send(_ context.Context, msg Message) error {
	if err := c.active(); err != nil {
		return err
	}
	msg.Sender = c.clientID
	c.hub.mu.Lock()
	peers := c.hub.peers(c.topic)
	c.hub.mu.Unlock()
	for _, p := range peers {
		if p.clientID == c.clientID {
			continue
		}
		p.dispatch(msg)
	}
	return nil
}

func (c *memoryChannel) Track(_ context.Context, meta json.RawMessage) error {
	if err := c.active(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	r := c.hub.room(c.topic)
	r.members[c.clientID] = meta
	state := snapshot(r.members)
	peers := c.hub.peers(c.topic)
	c.hub.mu.Unlock()

	c.broadcastPresence(peers, PresenceEvent{Kind: PresenceJoin, Members: []Member{{Key: c.clientID, Meta: meta}}}, state)
	return nil
}

func (c *memoryChannel) Untrack(context.Context) error {
	c.untrack()
	return nil
}

func (c *memoryChannel) untrack() {
	c.hub.mu.Lock()
	r := c.hub.rooms[c.topic]
	if r == nil {
		c.hub.mu.Unlock()
		return
	}
	meta, ok := r.members[c.clientID]
	if !ok {
		c.hub.mu.Unlock()
		return
	}
	delete(r.members, c.clientID)
	state := snapshot(r.members)
	peers := c.hub.peers(c.topic)
	c.hub.mu.Unlock()

	c.broadcastPresence(peers, PresenceEvent{Kind: PresenceLeave, Members: []Member{{Key: c.clientID, Meta: meta}}}, state)
}

func (c *memoryChannel) broadcastPresence(peers []*memoryChannel, ev PresenceEvent, state []Member) {
	for _, p := range peers {
		p.dispatchPresence(ev)
		p.dispatchPresence(PresenceEvent{Kind: PresenceSync, Members: state})
	}
}

func (c *memoryChannel) PresenceState() []Member {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	r := c.hub.rooms[c.topic]
	if r == nil {
		return nil
	}
	return snapshot(r.members)
}

// Close untracks, unsubscribes and drops every handler. It is idempotent.
func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if r := c.hub.rooms[c.topic]; r != nil {
		delete(r.subscribers, c.clientID)
	}
	c.hub.mu.Unlock()
	c.untrack()

	c.hub.mu.Lock()
	if r := c.hub.rooms[c.topic]; r != nil && len(r.subscribers) == 0 && len(r.members) == 0 {
		delete(c.hub.rooms, c.topic)
	}
	c.hub.mu.Unlock()

	c.dispatchStatus(StatusClosed)
	c.reset()
	return nil
}
