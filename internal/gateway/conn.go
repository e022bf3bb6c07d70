package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/auth"
	"coedit/api/internal/channel"
	"coedit/api/internal/collab"
	"coedit/api/internal/cursor"
	"coedit/api/internal/feed"
	"coedit/api/internal/presence"
	"coedit/api/internal/util"
)

// sendRules is the minimum tier for each event a client may broadcast.
// Events not listed are refused.
var sendRules = map[channel.Purpose]map[string]access.Tier{
	channel.PurposeDocument: {
		collab.EventEditorUpdate: access.TierEdit,
		collab.EventSyncResponse: access.TierEdit,
		collab.EventRequestSync:  access.TierView,
	},
	channel.PurposeCursors: {
		cursor.EventCursorMove: access.TierEdit,
	},
}

var relayed = []channel.Purpose{channel.PurposeDocument, channel.PurposeCursors, channel.PurposePresence}

type conn struct {
	s          *Server
	ws         *websocket.Conn
	who        auth.Identity
	documentID string
	clientID   string
	manager    *channel.Manager
	logger     *zap.Logger

	mu        sync.Mutex
	acc       access.Access
	chans     map[channel.Purpose]channel.Channel
	tracked   map[channel.Purpose]bool
	send      chan ServerFrame
	closed    bool
	closeCode int
	closeText string
	offs      []func()

	teardownOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, who auth.Identity, documentID string, acc access.Access) *conn {
	clientID := newClientID()
	return &conn{
		s:          s,
		ws:         ws,
		who:        who,
		documentID: documentID,
		clientID:   clientID,
		manager:    channel.NewManager(s.transport, clientID, s.logger),
		logger:     s.logger.With(zap.String("document_id", documentID), zap.String("client_id", clientID)),
		acc:        acc,
		chans:      make(map[channel.Purpose]channel.Channel),
		tracked:    make(map[channel.Purpose]bool),
		send:       make(chan ServerFrame, s.cfg.SendBuffer),
		closeCode:  websocket.CloseNormalClosure,
	}
}

func (c *conn) access() access.Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc
}

// open joins the three channels, wires their events to the socket and
// subscribes to grant and document changes.
func (c *conn) open(ctx context.Context) error {
	acc := c.access()
	c.push(ServerFrame{Type: FrameHello, ClientID: c.clientID, Access: accessView(acc)})

	for _, purpose := range relayed {
		ch, err := c.manager.Open(ctx, purpose, c.documentID, acc)
		if err != nil {
			return err
		}
		c.wire(purpose, ch)
		c.mu.Lock()
		c.chans[purpose] = ch
		c.mu.Unlock()
		if err := ch.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", purpose, err)
		}
		if purpose == channel.PurposePresence {
			c.push(ServerFrame{Type: FramePresence, Channel: purpose, Kind: channel.PresenceSync, Members: ch.PresenceState()})
		}
	}

	if c.s.feed == nil {
		return nil
	}
	for _, table := range []string{feed.TableCollaborators, feed.TableDocuments} {
		off, err := c.s.feed.Subscribe(ctx, table, c.documentID, c.onChange)
		if err != nil {
			return fmt.Errorf("subscribe %s changes: %w", table, err)
		}
		c.mu.Lock()
		c.offs = append(c.offs, off)
		c.mu.Unlock()
	}
	return nil
}

func (c *conn) wire(purpose channel.Purpose, ch channel.Channel) {
	var offs []func()
	for event := range sendRules[purpose] {
		offs = append(offs, ch.On(event, func(msg channel.Message) {
			c.push(ServerFrame{
				Type:    FrameMessage,
				Channel: purpose,
				Event:   msg.Event,
				Sender:  msg.Sender,
				Payload: msg.Payload,
			})
		}))
	}
	offs = append(offs,
		ch.OnPresence(func(ev channel.PresenceEvent) {
			c.push(ServerFrame{Type: FramePresence, Channel: purpose, Kind: ev.Kind, Members: ev.Members})
		}),
		ch.OnStatus(func(st channel.Status) {
			c.push(ServerFrame{Type: FrameStatus, Channel: purpose, Status: st})
		}),
	)
	c.mu.Lock()
	c.offs = append(c.offs, offs...)
	c.mu.Unlock()
}

// push queues a frame for the socket. A client that cannot keep up loses
// frames rather than stalling the channel.
func (c *conn) push(f ServerFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("dropping frame for slow client", zap.String("type", f.Type), zap.String("event", f.Event))
		return false
	}
}

// shutdown stops accepting frames; the write pump flushes what is queued
// and then closes the socket with code.
func (c *conn) shutdown(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

func (c *conn) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		offs := c.offs
		c.offs = nil
		c.mu.Unlock()
		for _, off := range offs {
			off()
		}
		if err := c.manager.CloseAll(); err != nil {
			c.logger.Warn("close channels", zap.Error(err))
		}
		c.shutdown(websocket.CloseNormalClosure, "")
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteWait))
			if !ok {
				c.mu.Lock()
				code, text := c.closeCode, c.closeText
				c.mu.Unlock()
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				c.logger.Debug("write frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(c.s.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read frame", zap.Error(err))
			}
			return
		}
		var in ClientFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			c.push(ServerFrame{Type: FrameError, Code: "INVALID_FRAME", Error: "frame is not valid JSON"})
			continue
		}
		if err := c.handle(ctx, in); err != nil {
			c.push(errorFrame(in, err))
		}
	}
}

func errorFrame(in ClientFrame, err error) ServerFrame {
	code := "CHANNEL_ERROR"
	switch {
	case errors.Is(err, errForbidden):
		code = "FORBIDDEN"
	case errors.Is(err, errUnknownChannel), errors.Is(err, errUnknownFrame), errors.Is(err, errUnknownEvent):
		code = "INVALID_FRAME"
	}
	return ServerFrame{Type: FrameError, Channel: in.Channel, Event: in.Event, Code: code, Error: err.Error()}
}

func (c *conn) handle(ctx context.Context, in ClientFrame) error {
	c.mu.Lock()
	ch := c.chans[in.Channel]
	c.mu.Unlock()
	if ch == nil {
		return errUnknownChannel
	}
	switch in.Type {
	case FrameSend:
		if err := c.authorizeSend(in.Channel, in.Event); err != nil {
			return err
		}
		return ch.Send(ctx, channel.Message{Event: in.Event, Payload: in.Payload})
	case FrameTrack:
		if !c.mayTrack(in.Channel, c.access()) {
			return errForbidden
		}
		meta, err := c.trackMeta(in.Channel)
		if err != nil {
			return err
		}
		if err := ch.Track(ctx, meta); err != nil {
			return err
		}
		c.mu.Lock()
		c.tracked[in.Channel] = true
		c.mu.Unlock()
		return nil
	case FrameUntrack:
		c.mu.Lock()
		delete(c.tracked, in.Channel)
		c.mu.Unlock()
		return ch.Untrack(ctx)
	default:
		return errUnknownFrame
	}
}

func (c *conn) authorizeSend(purpose channel.Purpose, event string) error {
	need, ok := sendRules[purpose][event]
	if !ok {
		return errUnknownEvent
	}
	if !c.access().Level.AtLeast(need) {
		return errForbidden
	}
	return nil
}

// mayTrack mirrors the in-process trackers: presence lists editors (or every
// viewer when configured) and cursors need edit.
func (c *conn) mayTrack(purpose channel.Purpose, acc access.Access) bool {
	switch purpose {
	case channel.PurposePresence:
		if c.s.cfg.TrackViewers {
			return acc.CanView
		}
		return acc.CanEdit
	case channel.PurposeCursors:
		return acc.CanEdit
	}
	return false
}

// trackMeta builds the presence entry from the authenticated identity so a
// client cannot appear as someone else.
func (c *conn) trackMeta(purpose channel.Purpose) (json.RawMessage, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var meta any
	switch purpose {
	case channel.PurposePresence:
		meta = presence.Record{
			UserID:     c.who.UserID,
			UserEmail:  c.who.Email,
			UserAvatar: c.who.Avatar,
			OnlineAt:   now,
			Color:      util.UserColor(c.who.UserID),
		}
	default:
		meta = map[string]string{"user_id": c.who.UserID, "online_at": now}
	}
	return json.Marshal(meta)
}

func (c *conn) onChange(feed.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.refresh(ctx)
}

// refresh re-evaluates access after a grant or document change. Losing view
// closes the connection; losing a capability drops the matching tracks.
func (c *conn) refresh(ctx context.Context) {
	acc, err := c.s.authz.LiveAccess(ctx, c.who, c.documentID)
	if err != nil {
		c.logger.Warn("refresh access", zap.Error(err))
		return
	}
	c.mu.Lock()
	prev := c.acc
	c.acc = acc
	var drop []channel.Channel
	for purpose := range c.tracked {
		if !c.mayTrack(purpose, acc) {
			delete(c.tracked, purpose)
			drop = append(drop, c.chans[purpose])
		}
	}
	c.mu.Unlock()
	if prev == acc {
		return
	}

	c.logger.Info("access changed",
		zap.String("user_id", c.who.UserID),
		zap.String("from", string(prev.Level)),
		zap.String("to", string(acc.Level)),
	)
	for _, ch := range drop {
		if err := ch.Untrack(ctx); err != nil {
			c.logger.Warn("untrack after access change", zap.String("topic", ch.Topic()), zap.Error(err))
		}
	}
	c.push(ServerFrame{Type: FrameAccess, Access: accessView(acc)})
	if !acc.CanView {
		c.push(ServerFrame{Type: FrameError, Code: "ACCESS_REVOKED", Error: "access to this document was revoked"})
		c.teardownWith(websocket.ClosePolicyViolation, "access revoked")
	}
}

func (c *conn) teardownWith(code int, text string) {
	c.shutdown(code, text)
	c.teardown()
}
