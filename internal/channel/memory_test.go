package channel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func joinSubscribed(t *testing.T, tr Transport, topic, client string) Channel {
	t.Helper()
	ch, err := tr.Join(context.Background(), topic, client)
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe(context.Background()))
	return ch
}

func TestTopic(t *testing.T) {
	require.Equal(t, "document:d1", Topic(PurposeDocument, "d1"))
	require.Equal(t, "cursors:d1", Topic(PurposeCursors, "d1"))
	require.Equal(t, "presence:d1", Topic(PurposePresence, "d1"))
	require.False(t, Purpose("chat").Valid())
}

func TestMemorySuppressesSelfEcho(t *testing.T) {
	tr := NewMemoryTransport()
	a := joinSubscribed(t, tr, "document:d1", "a")
	b := joinSubscribed(t, tr, "document:d1", "b")
	other := joinSubscribed(t, tr, "document:d2", "c")

	var gotA, gotB, gotOther []Message
	a.On("editor-update", func(m Message) { gotA = append(gotA, m) })
	b.On("editor-update", func(m Message) { gotB = append(gotB, m) })
	other.On("editor-update", func(m Message) { gotOther = append(gotOther, m) })

	msg, err := Encode("editor-update", map[string]string{"userId": "u1"})
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), msg))

	require.Empty(t, gotA)
	require.Empty(t, gotOther)
	require.Len(t, gotB, 1)
	require.Equal(t, "a", gotB[0].Sender)
	require.JSONEq(t, `{"userId":"u1"}`, string(gotB[0].Payload))
}

func TestMemoryOnlyDeliversRegisteredEvent(t *testing.T) {
	tr := NewMemoryTransport()
	a := joinSubscribed(t, tr, "document:d1", "a")
	b := joinSubscribed(t, tr, "document:d1", "b")

	calls := 0
	off := b.On("request-sync", func(Message) { calls++ })
	require.NoError(t, a.Send(context.Background(), Message{Event: "editor-update"}))
	require.NoError(t, a.Send(context.Background(), Message{Event: "request-sync"}))
	off()
	require.NoError(t, a.Send(context.Background(), Message{Event: "request-sync"}))
	require.Equal(t, 1, calls)
}

func TestMemoryPresenceLifecycle(t *testing.T) {
	tr := NewMemoryTransport()
	a := joinSubscribed(t, tr, "presence:d1", "a")
	b := joinSubscribed(t, tr, "presence:d1", "b")

	var events []PresenceEvent
	b.OnPresence(func(ev PresenceEvent) { events = append(events, ev) })

	require.NoError(t, a.Track(context.Background(), json.RawMessage(`{"user_id":"u1"}`)))
	require.Len(t, events, 2)
	require.Equal(t, PresenceJoin, events[0].Kind)
	require.Equal(t, PresenceSync, events[1].Kind)
	require.Equal(t, []Member{{Key: "a", Meta: json.RawMessage(`{"user_id":"u1"}`)}}, events[1].Members)
	require.Len(t, b.PresenceState(), 1)

	require.NoError(t, a.Close())
	require.Equal(t, PresenceLeave, events[2].Kind)
	require.Equal(t, "a", events[2].Members[0].Key)
	require.Empty(t, events[3].Members)
	require.Empty(t, b.PresenceState())
}

func TestMemoryClosedChannel(t *testing.T) {
	tr := NewMemoryTransport()
	a, err := tr.Join(context.Background(), "document:d1", "a")
	require.NoError(t, err)
	require.Error(t, a.Send(context.Background(), Message{Event: "x"}), "send before subscribe")

	var statuses []Status
	a.OnStatus(func(s Status) { statuses = append(statuses, s) })
	require.NoError(t, a.Subscribe(context.Background()))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Equal(t, []Status{StatusSubscribed, StatusClosed}, statuses)
	require.Error(t, a.Send(context.Background(), Message{Event: "x"}))
	require.Error(t, a.Subscribe(context.Background()))
}
