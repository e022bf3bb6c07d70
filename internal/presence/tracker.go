// Package presence lists the users connected to a document. The list is
// rebuilt from the channel's membership snapshot on every sync rather than
// patched from join and leave events.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
)

// Record is what one client tracks into the presence channel.
type Record struct {
	UserID     string `json:"user_id"`
	UserEmail  string `json:"user_email"`
	UserAvatar string `json:"user_avatar"`
	OnlineAt   string `json:"online_at"`
	Color      string `json:"color"`
}

type Config struct {
	// TrackViewers also tracks clients without edit access. Off by default,
	// which keeps viewers and commenters out of the list.
	TrackViewers bool
}

type Tracker struct {
	ch     channel.Channel
	access func() access.Access
	self   Record
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	users     []Record
	tracked   bool
	offs      []func()
	observers map[int]func([]Record)
	nextObs   int
}

func New(ch channel.Channel, accessFn func() access.Access, self Record, cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		ch:        ch,
		access:    accessFn,
		self:      self,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		observers: make(map[int]func([]Record)),
	}
}

// Participates reports whether the local client should appear in the list.
func (t *Tracker) Participates() bool {
	acc := t.access()
	if t.cfg.TrackViewers {
		return acc.CanView
	}
	return acc.CanEdit
}

func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.offs = append(t.offs,
		t.ch.OnPresence(t.onPresence),
		t.ch.OnStatus(t.onStatus),
	)
	t.mu.Unlock()
	return t.ch.Subscribe(ctx)
}

func (t *Tracker) onStatus(st channel.Status) {
	if st != channel.StatusSubscribed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Refresh(ctx); err != nil {
		t.logger.Warn("track presence", zap.Error(err))
	}
}

// Refresh tracks or untracks the local client after an access change.
func (t *Tracker) Refresh(ctx context.Context) error {
	want := t.Participates()
	t.mu.Lock()
	tracked := t.tracked
	t.mu.Unlock()

	switch {
	case want && !tracked:
		rec := t.self
		rec.OnlineAt = t.now().UTC().Format(time.RFC3339)
		meta, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode presence: %w", err)
		}
		if err := t.ch.Track(ctx, meta); err != nil {
			return err
		}
	case !want && tracked:
		if err := t.ch.Untrack(ctx); err != nil {
			return err
		}
	default:
		return nil
	}
	t.mu.Lock()
	t.tracked = want
	t.mu.Unlock()
	return nil
}

func (t *Tracker) onPresence(ev channel.PresenceEvent) {
	switch ev.Kind {
	case channel.PresenceJoin, channel.PresenceLeave:
		for _, m := range ev.Members {
			t.logger.Debug("presence "+string(ev.Kind), zap.String("client_id", m.Key))
		}
		return
	case channel.PresenceSync:
	default:
		return
	}

	users := make([]Record, 0, len(ev.Members))
	for _, m := range ev.Members {
		var rec Record
		if err := json.Unmarshal(m.Meta, &rec); err != nil {
			t.logger.Warn("skip malformed presence", zap.String("client_id", m.Key), zap.Error(err))
			continue
		}
		users = append(users, rec)
	}

	t.mu.Lock()
	t.users = users
	fns := make([]func([]Record), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(append([]Record(nil), users...))
	}
}

// Users returns the last membership snapshot.
func (t *Tracker) Users() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.users...)
}

// OnChange registers fn for every rebuilt list.
func (t *Tracker) OnChange(fn func([]Record)) (off func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

// Stop untracks the local client and drops the channel hooks.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	offs := t.offs
	t.offs = nil
	tracked := t.tracked
	t.tracked = false
	t.mu.Unlock()
	for _, off := range offs {
		off()
	}
	if tracked {
		return t.ch.Untrack(ctx)
	}
	return nil
}
