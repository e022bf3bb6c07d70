package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
	"coedit/api/internal/debounce"
	"coedit/api/internal/doc"
)

type client struct {
	editor *doc.Editor
	ch     channel.Channel
	sync   *Synchronizer
	acc    access.Access
}

func newClient(t *testing.T, tr channel.Transport, clock *debounce.Manual, id string, tier access.Tier, root *doc.Node) *client {
	t.Helper()
	ch, err := tr.Join(context.Background(), channel.Topic(channel.PurposeDocument, "d1"), id)
	require.NoError(t, err)
	c := &client{editor: doc.NewEditor(root), ch: ch, acc: access.FromTier(tier)}
	c.sync = New(c.editor, ch, func() access.Access { return c.acc }, Config{
		UserID:            "user-" + id,
		BroadcastDebounce: 400 * time.Millisecond,
	}, zap.NewNop(), WithScheduler(clock.Schedule))
	require.NoError(t, c.sync.Start(context.Background()))
	t.Cleanup(func() {
		c.sync.Stop()
		_ = ch.Close()
	})
	return c
}

// spy records every editor-update on the document channel.
func spy(t *testing.T, tr channel.Transport) *[]EditorUpdate {
	t.Helper()
	ch, err := tr.Join(context.Background(), channel.Topic(channel.PurposeDocument, "d1"), "spy")
	require.NoError(t, err)
	var got []EditorUpdate
	ch.On(EventEditorUpdate, func(m channel.Message) {
		var u EditorUpdate
		require.NoError(t, json.Unmarshal(m.Payload, &u))
		got = append(got, u)
	})
	require.NoError(t, ch.Subscribe(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })
	return &got
}

func typeText(t *testing.T, c *client, text string) {
	t.Helper()
	key := c.editor.Leaves()[0].Key
	require.NoError(t, c.editor.Update(doc.OriginLocalUser, func(tx *doc.Tx) error {
		return tx.SetText(key, text)
	}))
}

func textOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	root, err := doc.Parse(raw)
	require.NoError(t, err)
	return doc.PlainText(root)
}

func TestBurstWithinWindowSendsOneBroadcast(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	sent := spy(t, tr)
	c1 := newClient(t, tr, clock, "c1", access.TierEdit, doc.FromParagraphs(""))

	typeText(t, c1, "first")
	require.Equal(t, StateBroadcastingLocal, c1.sync.State())
	clock.Advance(300 * time.Millisecond)
	typeText(t, c1, "second")
	clock.Advance(399 * time.Millisecond)
	require.Empty(t, *sent)

	clock.Advance(time.Millisecond)
	require.Len(t, *sent, 1)
	require.Equal(t, "second", textOf(t, (*sent)[0].EditorState))
	require.Equal(t, "user-c1", (*sent)[0].UserID)
	require.Equal(t, StateIdle, c1.sync.State())
}

func TestEditsOutsideWindowBroadcastSeparately(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	sent := spy(t, tr)
	c1 := newClient(t, tr, clock, "c1", access.TierEdit, doc.FromParagraphs(""))

	typeText(t, c1, "a")
	clock.Advance(500 * time.Millisecond)
	typeText(t, c1, "ab")
	clock.Advance(500 * time.Millisecond)
	require.Len(t, *sent, 2)
}

func TestRemoteApplyIsNotRebroadcast(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	sent := spy(t, tr)
	c1 := newClient(t, tr, clock, "c1", access.TierEdit, doc.FromParagraphs(""))
	c2 := newClient(t, tr, clock, "c2", access.TierEdit, doc.FromParagraphs(""))

	typeText(t, c1, "hello")
	clock.Advance(400 * time.Millisecond)
	require.Equal(t, "hello", c2.editor.TextContent())
	require.Equal(t, uint64(2), c2.sync.Stats().Applied, "join response plus one broadcast")

	clock.Advance(10 * time.Second)
	require.Len(t, *sent, 1, "c2 must not echo the applied snapshot")
	require.Zero(t, clock.Pending())
	require.Equal(t, StateIdle, c2.sync.State())
}

func TestHistoryMergeIsNotBroadcast(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	sent := spy(t, tr)
	c1 := newClient(t, tr, clock, "c1", access.TierEdit, doc.FromParagraphs("draft"))

	key := c1.editor.Leaves()[0].Key
	require.NoError(t, c1.editor.Update(doc.OriginHistoryMerge, func(tx *doc.Tx) error {
		return tx.SetText(key, "merged")
	}))
	require.Equal(t, "merged", c1.editor.TextContent())
	require.Equal(t, StateIdle, c1.sync.State())

	clock.Advance(10 * time.Second)
	require.Empty(t, *sent)
	require.Zero(t, c1.sync.Stats().Sent)
}

func TestJoinHandshake(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	peer := newClient(t, tr, clock, "peer", access.TierEdit, doc.FromParagraphs("current", "content"))
	viewer := newClient(t, tr, clock, "viewer", access.TierView, doc.FromParagraphs(""))

	// The viewer sees the response addressed to joiner and must ignore it.
	joiner := newClient(t, tr, clock, "joiner", access.TierView, nil)

	want, err := peer.editor.Serialize()
	require.NoError(t, err)
	got, err := joiner.editor.Serialize()
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
	require.Equal(t, "current\ncontent", viewer.editor.TextContent())

	require.Equal(t, uint64(2), peer.sync.Stats().Answered)
	require.Zero(t, viewer.sync.Stats().Answered, "view-only clients never answer")
	require.Equal(t, uint64(1), viewer.sync.Stats().Applied, "viewer ignores the response meant for joiner")
}

func TestViewOnlyNeverSends(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	sent := spy(t, tr)
	v := newClient(t, tr, clock, "v", access.TierView, doc.FromParagraphs("x"))

	require.False(t, v.editor.Editable())
	key := v.editor.Leaves()[0].Key
	err := v.editor.Update(doc.OriginLocalUser, func(tx *doc.Tx) error { return tx.SetText(key, "y") })
	require.ErrorIs(t, err, doc.ErrReadOnly)

	// Even if the document were made editable behind our back, nothing goes out.
	v.editor.SetEditable(true)
	typeText(t, v, "sneaky")
	clock.Advance(time.Second)
	require.Empty(t, *sent)
	require.Equal(t, uint64(1), v.sync.Stats().Suppressed)
}

func TestAccessLossDropsPendingBroadcast(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	sent := spy(t, tr)
	c := newClient(t, tr, clock, "c", access.TierEdit, doc.FromParagraphs(""))

	typeText(t, c, "draft")
	c.acc = access.FromTier(access.TierComment)
	c.sync.ApplyAccess()
	clock.Advance(time.Second)
	require.Empty(t, *sent)
	require.False(t, c.editor.Editable())

	c.acc = access.FromTier(access.TierEdit)
	c.sync.ApplyAccess()
	require.True(t, c.editor.Editable())
}

func TestMalformedSnapshotIsDropped(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	c := newClient(t, tr, clock, "c", access.TierEdit, doc.FromParagraphs("safe"))

	bad, err := tr.Join(context.Background(), channel.Topic(channel.PurposeDocument, "d1"), "bad")
	require.NoError(t, err)
	require.NoError(t, bad.Subscribe(context.Background()))
	defer bad.Close()

	for _, payload := range []string{`not json`, `{"editorState":{"root":{"type":"paragraph"}}}`, `{"userId":"x"}`} {
		require.NoError(t, bad.Send(context.Background(), channel.Message{Event: EventEditorUpdate, Payload: json.RawMessage(payload)}))
	}
	require.Equal(t, "safe", c.editor.TextContent())
	require.Equal(t, uint64(3), c.sync.Stats().Dropped)
	require.Equal(t, StateIdle, c.sync.State())
}

func TestConcurrentEditsLastArrivalWins(t *testing.T) {
	tr := channel.NewMemoryTransport()
	clock := debounce.NewManual()
	c1 := newClient(t, tr, clock, "c1", access.TierEdit, doc.FromParagraphs(""))
	c2 := newClient(t, tr, clock, "c2", access.TierEdit, doc.FromParagraphs(""))

	typeText(t, c1, "from c1")
	clock.Advance(100 * time.Millisecond)
	typeText(t, c2, "from c2")
	clock.Advance(time.Second)

	// Each side ends with whatever arrived last. c2's queued broadcast still
	// carries its own text, so the two documents cross over.
	require.Equal(t, "from c2", c1.editor.TextContent())
	require.Equal(t, "from c1", c2.editor.TextContent())
}
