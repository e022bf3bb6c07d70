package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"coedit/api/internal/errs"
)

const (
	kindBroadcast = "broadcast"
	kindPresence  = "presence"
)

// envelope is what travels over Redis pub/sub.
type envelope struct {
	Kind     string       `json:"kind"`
	Sender   string       `json:"sender"`
	Message  *Message     `json:"message,omitempty"`
	Presence PresenceKind `json:"presence,omitempty"`
	Members  []Member     `json:"members,omitempty"`
}

// presenceEntry is one field of the presence hash.
type presenceEntry struct {
	Meta json.RawMessage `json:"meta"`
	Seen int64           `json:"seen"`
}

// RedisTransport fans channels out across API nodes with Redis pub/sub.
// Membership lives in one hash per topic; every tracked client refreshes its
// entry on a heartbeat. Every subscribed client, tracked or not, sweeps
// entries older than the TTL and announces them as leaves.
type RedisTransport struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// DialRedis parses url and checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisTransport(client *redis.Client, presenceTTL time.Duration, logger *zap.Logger) *RedisTransport {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	return &RedisTransport{
		client: client,
		prefix: "coedit:",
		ttl:    presenceTTL,
		logger: logger,
		now:    time.Now,
	}
}

func (t *RedisTransport) Join(_ context.Context, topic, clientID string) (Channel, error) {
	if topic == "" || clientID == "" {
		return nil, fmt.Errorf("join %q: topic and client id are required", topic)
	}
	return &redisChannel{t: t, topic: topic, clientID: clientID, hooks: newHooks()}, nil
}

func (t *RedisTransport) pubsubName(topic string) string { return t.prefix + "ch:" + topic }
func (t *RedisTransport) presenceKey(topic string) string {
	return t.prefix + "presence:" + topic
}

type redisChannel struct {
	t        *RedisTransport
	topic    string
	clientID string
	*hooks

	mu        sync.Mutex
	ps        *redis.PubSub
	done      chan struct{}
	tracked   json.RawMessage
	stopBeat  chan struct{}
	closed    bool
	readerWG  sync.WaitGroup
	heartbeat sync.WaitGroup
}

func (c *redisChannel) Topic() string    { return c.topic }
func (c *redisChannel) ClientID() string { return c.clientID }

func (c *redisChannel) On(event string, h Handler) func() { return c.on(event, h) }
func (c *redisChannel) OnPresence(fn func(PresenceEvent)) func() {
	return c.onPresence(fn)
}
func (c *redisChannel) OnStatus(fn func(Status)) func() { return c.onStatus(fn) }

func (c *redisChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	if c.ps != nil {
		c.mu.Unlock()
		return nil
	}
	ps := c.t.client.Subscribe(ctx, c.t.pubsubName(c.topic))
	// Receive blocks until the server confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		c.mu.Unlock()
		_ = ps.Close()
		c.dispatchStatus(StatusError)
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.ps = ps
	c.done = make(chan struct{})
	c.readerWG.Add(2)
	go c.read(ps.Channel())
	go c.sweepLoop(c.done)
	c.mu.Unlock()

	c.dispatchStatus(StatusSubscribed)
	return nil
}

func (c *redisChannel) read(in <-chan *redis.Message) {
	defer c.readerWG.Done()
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
				c.t.logger.Warn("drop malformed channel frame",
					zap.String("topic", c.topic),
					zap.Error(err),
				)
				continue
			}
			c.deliver(env)
		}
	}
}

func (c *redisChannel) deliver(env envelope) {
	switch env.Kind {
	case kindBroadcast:
		if env.Sender == c.clientID || env.Message == nil {
			return
		}
		msg := *env.Message
		msg.Sender = env.Sender
		c.dispatch(msg)
	case kindPresence:
		c.dispatchPresence(PresenceEvent{Kind: env.Presence, Members: env.Members})
		c.dispatchPresence(PresenceEvent{Kind: PresenceSync, Members: c.PresenceState()})
	}
}

func (c *redisChannel) active() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrClosed
	}
	if c.ps == nil {
		return fmt.Errorf("channel %s: not subscribed", c.topic)
	}
	return nil
}

func (c *redisChannel) publish(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.t.client.Publish(ctx, c.t.pubsubName(c.topic), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.topic, err)
	}
	return nil
}

func (c *redisChannel) Send(ctx context.Context, msg Message) error {
	if err := c.active(); err != nil {
		return err
	}
	msg.Sender = c.clientID
	return c.publish(ctx, envelope{Kind: kindBroadcast, Sender: c.clientID, Message: &msg})
}

func (c *redisChannel) writeEntry(ctx context.Context, meta json.RawMessage) error {
	entry, err := json.Marshal(presenceEntry{Meta: meta, Seen: c.t.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	key := c.t.presenceKey(c.topic)
	pipe := c.t.client.TxPipeline()
	pipe.HSet(ctx, key, c.clientID, entry)
	pipe.Expire(ctx, key, 2*c.t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track %s: %w", c.topic, err)
	}
	return nil
}

func (c *redisChannel) Track(ctx context.Context, meta json.RawMessage) error {
	if err := c.active(); err != nil {
		return err
	}
	if err := c.writeEntry(ctx, meta); err != nil {
		return err
	}

	c.mu.Lock()
	c.tracked = meta
	if c.stopBeat == nil {
		c.stopBeat = make(chan struct{})
		c.heartbeat.Add(1)
		go c.beat(c.stopBeat)
	}
	c.mu.Unlock()

	return c.publish(ctx, envelope{
		Kind:     kindPresence,
		Sender:   c.clientID,
		Presence: PresenceJoin,
		Members:  []Member{{Key: c.clientID, Meta: meta}},
	})
}

func (c *redisChannel) beat(stop <-chan struct{}) {
	defer c.heartbeat.Done()
	ticker := time.NewTicker(c.t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			meta := c.tracked
			c.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), c.t.ttl/3)
			if err := c.writeEntry(ctx, meta); err != nil {
				c.t.logger.Warn("presence heartbeat", zap.String("topic", c.topic), zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *redisChannel) sweepLoop(done <-chan struct{}) {
	defer c.readerWG.Done()
	ticker := time.NewTicker(c.t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.t.ttl/3)
			if err := c.sweep(ctx); err != nil {
				c.t.logger.Warn("presence sweep", zap.String("topic", c.topic), zap.Error(err))
			}
			cancel()
		}
	}
}

// sweep removes entries whose heartbeat is older than the TTL and announces
// them as leaves. Only the client whose HDEL wins publishes the leave.
func (c *redisChannel) sweep(ctx context.Context) error {
	key := c.t.presenceKey(c.topic)
	all, err := c.t.client.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}
	cutoff := c.t.now().Add(-c.t.ttl).UnixMilli()
	for field, raw := range all {
		var entry presenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil && entry.Seen >= cutoff {
			continue
		}
		n, err := c.t.client.HDel(ctx, key, field).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := c.publish(ctx, envelope{
			Kind:     kindPresence,
			Sender:   c.clientID,
			Presence: PresenceLeave,
			Members:  []Member{{Key: field, Meta: entry.Meta}},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	meta := c.tracked
	stop := c.stopBeat
	c.tracked = nil
	c.stopBeat = nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	c.heartbeat.Wait()

	n, err := c.t.client.HDel(ctx, c.t.presenceKey(c.topic), c.clientID).Result()
	if err != nil {
		return fmt.Errorf("untrack %s: %w", c.topic, err)
	}
	if n == 0 {
		return nil
	}
	return c.publish(ctx, envelope{
		Kind:     kindPresence,
		Sender:   c.clientID,
		Presence: PresenceLeave,
		Members:  []Member{{Key: c.clientID, Meta: meta}},
	})
}

// PresenceState reads the live entries from the presence hash.
func (c *redisChannel) PresenceState() []Member {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all, err := c.t.client.HGetAll(ctx, c.t.presenceKey(c.topic)).Result()
	if err != nil {
		c.t.logger.Warn("read presence state", zap.String("topic", c.topic), zap.Error(err))
		return nil
	}
	cutoff := c.t.now().Add(-c.t.ttl).UnixMilli()
	out := make([]Member, 0, len(all))
	for field, raw := range all {
		var entry presenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Seen < cutoff {
			continue
		}
		out = append(out, Member{Key: field, Meta: entry.Meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *redisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	untrackErr := c.Untrack(ctx)

	c.mu.Lock()
	c.closed = true
	ps, done := c.ps, c.done
	c.ps = nil
	c.mu.Unlock()

	var closeErr error
	if ps != nil {
		close(done)
		closeErr = ps.Close()
		c.readerWG.Wait()
	}
	c.dispatchStatus(StatusClosed)
	c.reset()

	if untrackErr != nil {
		return untrackErr
	}
	return closeErr
}
