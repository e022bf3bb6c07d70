package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*RedisTransport, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisTransport(client, 30*time.Second, zap.NewNop()), s
}

type inbox struct {
	mu   sync.Mutex
	msgs []Message
	pres []PresenceEvent
}

func (b *inbox) add(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) addPresence(ev PresenceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pres = append(b.pres, ev)
}

func (b *inbox) messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs...)
}

func (b *inbox) presence() []PresenceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PresenceEvent(nil), b.pres...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRedisBroadcast(t *testing.T) {
	tr, _ := setupTestRedis(t)
	ctx := context.Background()

	a, _ := tr.Join(ctx, "document:d1", "a")
	b, _ := tr.Join(ctx, "document:d1", "b")
	defer a.Close()
	defer b.Close()

	var fromA, fromB inbox
	a.On("editor-update", fromA.add)
	b.On("editor-update", fromB.add)
	if err := a.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := a.Send(ctx, Message{Event: "editor-update", Payload: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(fromB.messages()) == 1 })

	got := fromB.messages()[0]
	if got.Sender != "a" {
		t.Errorf("expected sender a, got %q", got.Sender)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("unexpected payload %s", got.Payload)
	}
	// Give a self-echo time to show up if suppression were broken.
	time.Sleep(50 * time.Millisecond)
	if n := len(fromA.messages()); n != 0 {
		t.Errorf("sender received %d of its own messages", n)
	}
}

func TestRedisPresenceTrackAndLeave(t *testing.T) {
	tr, _ := setupTestRedis(t)
	ctx := context.Background()

	a, _ := tr.Join(ctx, "presence:d1", "a")
	b, _ := tr.Join(ctx, "presence:d1", "b")
	defer b.Close()

	var seen inbox
	b.OnPresence(seen.addPresence)
	if err := a.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := a.Track(ctx, json.RawMessage(`{"user_id":"u1"}`)); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitFor(t, func() bool { return len(seen.presence()) >= 2 })
	if state := b.PresenceState(); len(state) != 1 || state[0].Key != "a" {
		t.Fatalf("unexpected presence state %+v", state)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, func() bool { return len(seen.presence()) >= 4 })
	events := seen.presence()
	if events[2].Kind != PresenceLeave || events[2].Members[0].Key != "a" {
		t.Errorf("expected leave for a, got %+v", events[2])
	}
	if len(b.PresenceState()) != 0 {
		t.Errorf("expected empty presence after close")
	}
}

func TestRedisSweepExpiresStaleMembers(t *testing.T) {
	tr, _ := setupTestRedis(t)
	var skew atomic.Int64
	tr.now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	ctx := context.Background()

	a, _ := tr.Join(ctx, "presence:d1", "a")
	b, _ := tr.Join(ctx, "presence:d1", "b")
	defer a.Close()
	defer b.Close()

	var seen inbox
	b.OnPresence(seen.addPresence)
	_ = a.Subscribe(ctx)
	_ = b.Subscribe(ctx)
	if err := a.Track(ctx, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, func() bool { return len(seen.presence()) >= 2 })

	// a vanishes without a leave; b sweeps once the TTL has passed.
	skew.Store(int64(time.Minute))
	if len(b.PresenceState()) != 0 {
		t.Fatalf("stale member still listed")
	}
	if err := b.(*redisChannel).sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	waitFor(t, func() bool {
		for _, ev := range seen.presence() {
			if ev.Kind == PresenceLeave && ev.Members[0].Key == "a" {
				return true
			}
		}
		return false
	})
}

// crash stops a channel the way a dead process would: no untrack, no leave.
func crash(t *testing.T, ch Channel) {
	t.Helper()
	c := ch.(*redisChannel)
	c.mu.Lock()
	stop, done, ps := c.stopBeat, c.done, c.ps
	c.stopBeat = nil
	c.ps = nil
	c.closed = true
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	c.heartbeat.Wait()
	if ps != nil {
		close(done)
		_ = ps.Close()
		c.readerWG.Wait()
	}
}

func TestRedisUntrackedSubscriberSeesCrashedMemberLeave(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	tr := NewRedisTransport(client, 150*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	a, _ := tr.Join(ctx, "cursors:d1", "a")
	b, _ := tr.Join(ctx, "cursors:d1", "b")
	defer b.Close()

	var seen inbox
	b.OnPresence(seen.addPresence)
	if err := a.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := a.Track(ctx, json.RawMessage(`{"user_id":"u1"}`)); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitFor(t, func() bool { return len(b.PresenceState()) == 1 })

	crash(t, a)

	waitFor(t, func() bool {
		for _, ev := range seen.presence() {
			if ev.Kind == PresenceLeave && len(ev.Members) == 1 && ev.Members[0].Key == "a" {
				return true
			}
		}
		return false
	})
	if state := b.PresenceState(); len(state) != 0 {
		t.Errorf("expected empty presence after sweep, got %+v", state)
	}
}
