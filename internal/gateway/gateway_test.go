package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/app"
	"coedit/api/internal/auth"
	"coedit/api/internal/channel"
	"coedit/api/internal/store"
)

var secret = []byte("gateway-secret")

var (
	owner  = auth.Identity{UserID: "u-owner", Email: "owner@example.com"}
	editor = auth.Identity{UserID: "u-editor", Email: "editor@example.com"}
	viewer = auth.Identity{UserID: "u-viewer", Email: "viewer@example.com"}
)

type fixture struct {
	t          *testing.T
	store      *store.MemoryStore
	server     *httptest.Server
	documentID string
	grants     map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	svc := app.NewService(st, nil, zap.NewNop())
	gw := New(channel.NewMemoryTransport(), st, svc, Config{}, zap.NewNop())
	srv := httptest.NewServer(app.NewHTTPServer(svc, gw, secret, "*", zap.NewNop()).Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	d, err := st.CreateDocument(ctx, owner.UserID, "Live", nil)
	require.NoError(t, err)
	f := &fixture{t: t, store: st, server: srv, documentID: d.ID, grants: map[string]string{}}
	f.grant(editor, access.TierEdit)
	f.grant(viewer, access.TierView)
	return f
}

func (f *fixture) grant(who auth.Identity, tier access.Tier) {
	f.t.Helper()
	g, err := f.store.InsertGrant(context.Background(), store.Grant{
		DocumentID: f.documentID,
		UserID:     who.UserID,
		Tier:       tier,
		SharedBy:   owner.UserID,
	})
	require.NoError(f.t, err)
	f.grants[who.UserID] = g.ID
}

func (f *fixture) url(who auth.Identity) string {
	f.t.Helper()
	token, err := auth.IssueToken(secret, who, time.Hour, time.Now())
	require.NoError(f.t, err)
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/documents/" + f.documentID + "?access_token=" + token
}

type client struct {
	t   *testing.T
	ws  *websocket.Conn
	id  string
	acc AccessView
}

func (f *fixture) dial(who auth.Identity) *client {
	f.t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(f.url(who), nil)
	require.NoError(f.t, err)
	resp.Body.Close()
	f.t.Cleanup(func() { ws.Close() })
	c := &client{t: f.t, ws: ws}
	hello := c.next(func(fr ServerFrame) bool { return fr.Type == FrameHello })
	require.NotEmpty(f.t, hello.ClientID)
	c.id = hello.ClientID
	c.acc = *hello.Access
	// The presence snapshot is the last frame of the handshake.
	c.next(func(fr ServerFrame) bool { return fr.Type == FramePresence && fr.Channel == channel.PurposePresence })
	return c
}

func (c *client) write(fr ClientFrame) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(fr))
}

// next reads frames until match accepts one.
func (c *client) next(match func(ServerFrame) bool) ServerFrame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var fr ServerFrame
		err := c.ws.ReadJSON(&fr)
		require.NoError(c.t, err)
		if match(fr) {
			return fr
		}
	}
}

func editorUpdate(t *testing.T, userID, text string) json.RawMessage {
	raw, err := json.Marshal(map[string]any{"editorState": map[string]any{"text": text}, "userId": userID, "timestamp": 1})
	require.NoError(t, err)
	return raw
}

func TestRejectsUserWithoutAccess(t *testing.T) {
	f := newFixture(t)
	stranger := auth.Identity{UserID: "u-stranger", Email: "stranger@example.com"}
	_, resp, err := websocket.DefaultDialer.Dial(f.url(stranger), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(strings.Split(f.url(owner), "?")[0], nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWithoutIdentityAnswersJSONError(t *testing.T) {
	st := store.NewMemoryStore()
	gw := New(channel.NewMemoryTransport(), st, app.NewService(st, nil, zap.NewNop()), Config{}, zap.NewNop())

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/documents/d1", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"code":"UNAUTHORIZED","error":"Unauthorized"}`, rr.Body.String())
}

func TestRelaysEditorUpdatesBetweenEditors(t *testing.T) {
	f := newFixture(t)
	a := f.dial(owner)
	b := f.dial(editor)
	require.True(t, a.acc.CanEdit)
	require.NotEqual(t, a.id, b.id)

	payload := editorUpdate(t, owner.UserID, "hello")
	a.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeDocument, Event: "editor-update", Payload: payload})

	got := b.next(func(fr ServerFrame) bool { return fr.Type == FrameMessage })
	require.Equal(t, channel.PurposeDocument, got.Channel)
	require.Equal(t, "editor-update", got.Event)
	require.Equal(t, a.id, got.Sender)
	require.JSONEq(t, string(payload), string(got.Payload))
}

func TestViewerSendsAreGated(t *testing.T) {
	f := newFixture(t)
	a := f.dial(owner)
	v := f.dial(viewer)
	require.False(t, v.acc.CanEdit)
	require.True(t, v.acc.CanView)

	v.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeDocument, Event: "editor-update", Payload: editorUpdate(t, viewer.UserID, "nope")})
	denied := v.next(func(fr ServerFrame) bool { return fr.Type == FrameError })
	require.Equal(t, "FORBIDDEN", denied.Code)

	v.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeCursors, Event: "cursor-move", Payload: json.RawMessage(`{"offset":1}`)})
	denied = v.next(func(fr ServerFrame) bool { return fr.Type == FrameError })
	require.Equal(t, "FORBIDDEN", denied.Code)

	v.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeDocument, Event: "request-sync", Payload: json.RawMessage(`{"userId":"u-viewer","timestamp":2}`)})
	// The owner sees the sync request and nothing the viewer was refused.
	got := a.next(func(fr ServerFrame) bool { return fr.Type == FrameMessage })
	require.Equal(t, "request-sync", got.Event)
	require.Equal(t, v.id, got.Sender)

	v.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeDocument, Event: "made-up"})
	invalid := v.next(func(fr ServerFrame) bool { return fr.Type == FrameError })
	require.Equal(t, "INVALID_FRAME", invalid.Code)
}

func TestPresenceTracksEditorsOnly(t *testing.T) {
	f := newFixture(t)
	a := f.dial(owner)
	v := f.dial(viewer)

	v.write(ClientFrame{Type: FrameTrack, Channel: channel.PurposePresence})
	denied := v.next(func(fr ServerFrame) bool { return fr.Type == FrameError })
	require.Equal(t, "FORBIDDEN", denied.Code)

	b := f.dial(editor)
	b.write(ClientFrame{Type: FrameTrack, Channel: channel.PurposePresence, Payload: json.RawMessage(`{"user_id":"someone-else"}`)})

	sync := a.next(func(fr ServerFrame) bool {
		return fr.Type == FramePresence && fr.Kind == channel.PresenceSync && len(fr.Members) == 1
	})
	require.Equal(t, b.id, sync.Members[0].Key)
	var rec struct {
		UserID string `json:"user_id"`
		Color  string `json:"color"`
	}
	require.NoError(t, json.Unmarshal(sync.Members[0].Meta, &rec))
	require.Equal(t, editor.UserID, rec.UserID)
	require.NotEmpty(t, rec.Color)

	b.write(ClientFrame{Type: FrameUntrack, Channel: channel.PurposePresence})
	leave := a.next(func(fr ServerFrame) bool { return fr.Type == FramePresence && fr.Kind == channel.PresenceLeave })
	require.Equal(t, b.id, leave.Members[0].Key)
}

func TestGrantChangesApplyMidSession(t *testing.T) {
	f := newFixture(t)
	a := f.dial(owner)
	b := f.dial(editor)

	_, err := f.store.UpdateGrantTier(context.Background(), f.documentID, f.grants[editor.UserID], access.TierView)
	require.NoError(t, err)
	changed := b.next(func(fr ServerFrame) bool { return fr.Type == FrameAccess })
	require.False(t, changed.Access.CanEdit)
	require.Equal(t, access.TierView, changed.Access.Level)

	b.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeDocument, Event: "editor-update", Payload: editorUpdate(t, editor.UserID, "late")})
	denied := b.next(func(fr ServerFrame) bool { return fr.Type == FrameError })
	require.Equal(t, "FORBIDDEN", denied.Code)

	ok, err := f.store.DeleteGrant(context.Background(), f.documentID, f.grants[editor.UserID])
	require.NoError(t, err)
	require.True(t, ok)
	revoked := b.next(func(fr ServerFrame) bool { return fr.Type == FrameError })
	require.Equal(t, "ACCESS_REVOKED", revoked.Code)

	require.NoError(t, b.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := b.ws.ReadMessage(); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error %v", err)
			break
		}
	}

	// The owner's connection is unaffected.
	a.write(ClientFrame{Type: FrameSend, Channel: channel.PurposeDocument, Event: "request-sync"})
	require.NoError(t, a.ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var fr ServerFrame
	err = a.ws.ReadJSON(&fr)
	for err == nil && fr.Type != FrameError {
		err = a.ws.ReadJSON(&fr)
	}
	require.Error(t, err, "owner should not receive an error frame, got %+v", fr)
}

func TestTrashClosesConnections(t *testing.T) {
	f := newFixture(t)
	b := f.dial(editor)

	_, err := f.store.TrashDocument(context.Background(), f.documentID)
	require.NoError(t, err)
	changed := b.next(func(fr ServerFrame) bool { return fr.Type == FrameAccess })
	require.False(t, changed.Access.CanView)
}
