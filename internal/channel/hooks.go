package channel

import "sync"

// hooks is the handler bookkeeping shared by the transports.
type hooks struct {
	mu       sync.Mutex
	nextID   int
	events   map[string]map[int]Handler
	presence map[int]func(PresenceEvent)
	status   map[int]func(Status)
}

func newHooks() *hooks {
	return &hooks{
		events:   make(map[string]map[int]Handler),
		presence: make(map[int]func(PresenceEvent)),
		status:   make(map[int]func(Status)),
	}
}

func (h *hooks) on(event string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.events[event] == nil {
		h.events[event] = make(map[int]Handler)
	}
	h.events[event][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.events[event], id)
	}
}

func (h *hooks) onPresence(fn func(PresenceEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.presence[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.presence, id)
	}
}

func (h *hooks) onStatus(fn func(Status)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.status[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.status, id)
	}
}

func (h *hooks) dispatch(msg Message) {
	h.mu.Lock()
	fns := make([]Handler, 0, len(h.events[msg.Event]))
	for _, fn := range h.events[msg.Event] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (h *hooks) dispatchPresence(ev PresenceEvent) {
	h.mu.Lock()
	fns := make([]func(PresenceEvent), 0, len(h.presence))
	for _, fn := range h.presence {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *hooks) dispatchStatus(s Status) {
	h.mu.Lock()
	fns := make([]func(Status), 0, len(h.status))
	for _, fn := range h.status {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (h *hooks) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = make(map[string]map[int]Handler)
	h.presence = make(map[int]func(PresenceEvent))
	h.status = make(map[int]func(Status))
}
