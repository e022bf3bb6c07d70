package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
)

type participant struct {
	ch  channel.Channel
	tk  *Tracker
	acc access.Access
}

func join(t *testing.T, tr channel.Transport, client string, tier access.Tier, cfg Config) *participant {
	t.Helper()
	ch, err := tr.Join(context.Background(), channel.Topic(channel.PurposePresence, "d1"), client)
	require.NoError(t, err)
	p := &participant{ch: ch, acc: access.FromTier(tier)}
	p.tk = New(ch, func() access.Access { return p.acc }, Record{UserID: "user-" + client, UserEmail: client + "@example.com", Color: "#10B981"}, cfg, zap.NewNop())
	require.NoError(t, p.tk.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })
	return p
}

func userIDs(recs []Record) []string {
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.UserID)
	}
	return ids
}

func TestEditorsAppearViewersDoNot(t *testing.T) {
	tr := channel.NewMemoryTransport()
	a := join(t, tr, "a", access.TierEdit, Config{})
	b := join(t, tr, "b", access.TierEdit, Config{})
	v := join(t, tr, "v", access.TierView, Config{})

	require.Equal(t, []string{"user-a", "user-b"}, userIDs(a.tk.Users()))
	require.Equal(t, []string{"user-a", "user-b"}, userIDs(b.tk.Users()))
	require.False(t, v.tk.Participates())
}

func TestTrackViewersFlag(t *testing.T) {
	tr := channel.NewMemoryTransport()
	a := join(t, tr, "a", access.TierEdit, Config{TrackViewers: true})
	join(t, tr, "v", access.TierView, Config{TrackViewers: true})

	require.Equal(t, []string{"user-a", "user-v"}, userIDs(a.tk.Users()))
}

func TestLeaveRebuildsList(t *testing.T) {
	tr := channel.NewMemoryTransport()
	a := join(t, tr, "a", access.TierEdit, Config{})
	b := join(t, tr, "b", access.TierEdit, Config{})

	var lists [][]Record
	a.tk.OnChange(func(r []Record) { lists = append(lists, r) })

	require.NoError(t, b.tk.Stop(context.Background()))
	require.Equal(t, []string{"user-a"}, userIDs(a.tk.Users()))
	require.Len(t, lists, 1)
}

func TestRefreshFollowsAccess(t *testing.T) {
	tr := channel.NewMemoryTransport()
	a := join(t, tr, "a", access.TierEdit, Config{})
	b := join(t, tr, "b", access.TierComment, Config{})
	require.Equal(t, []string{"user-a"}, userIDs(a.tk.Users()))

	b.acc = access.FromTier(access.TierEdit)
	require.NoError(t, b.tk.Refresh(context.Background()))
	require.Equal(t, []string{"user-a", "user-b"}, userIDs(a.tk.Users()))

	b.acc = access.FromTier(access.TierView)
	require.NoError(t, b.tk.Refresh(context.Background()))
	require.Equal(t, []string{"user-a"}, userIDs(a.tk.Users()))
}
