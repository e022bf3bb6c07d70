package doc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapRangeSplitsLeaf(t *testing.T) {
	e := NewEditor(FromParagraphs("hello world"))
	require.NoError(t, e.WrapRange(6, 11, "t1", OriginLocalUser))

	leaves := e.Leaves()
	require.Len(t, leaves, 2)
	require.Equal(t, "hello ", leaves[0].Text)
	require.Equal(t, "world", leaves[1].Text)
	require.Equal(t, []string{"t1"}, e.MarkIDs(leaves[1].Key))
	require.Empty(t, e.MarkIDs(leaves[0].Key))
	require.Len(t, e.MarkKeys("t1"), 1)
	require.Equal(t, "hello world", e.TextContent())
}

func TestWrapSurvivesSerialization(t *testing.T) {
	e := NewEditor(FromParagraphs("alpha beta", "gamma"))
	require.NoError(t, e.WrapRange(6, 13, "t1", OriginLocalUser))
	raw, err := e.Serialize()
	require.NoError(t, err)

	other, err := Load(raw)
	require.NoError(t, err)
	require.Len(t, other.MarkKeys("t1"), 2, "range across two paragraphs yields one mark per leaf")
	require.Equal(t, "alpha beta\ngamma", other.TextContent())
}

func TestWrapSameSpanTwiceSharesMark(t *testing.T) {
	e := NewEditor(FromParagraphs("abc def"))
	require.NoError(t, e.WrapRange(0, 3, "t1", OriginLocalUser))
	require.NoError(t, e.WrapRange(0, 3, "t2", OriginLocalUser))
	keys1 := e.MarkKeys("t1")
	require.Equal(t, keys1, e.MarkKeys("t2"))
}

func TestRemoveMarkIDCollapsesEmptyMarks(t *testing.T) {
	e := NewEditor(FromParagraphs("abc def"))
	require.NoError(t, e.WrapRange(0, 3, "t1", OriginLocalUser))
	require.NoError(t, e.WrapRange(0, 3, "t2", OriginLocalUser))

	n, err := e.RemoveMarkID("t1", OriginLocalUser)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, e.MarkKeys("t2"), 1, "marker kept while another thread uses it")

	n, err = e.RemoveMarkID("t2", OriginLocalUser)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap := e.Snapshot()
	walk(snap, nil, func(n, _ *Node) bool {
		require.NotEqual(t, TypeMark, n.Type)
		return true
	})
	require.Equal(t, "abc def", e.TextContent())
}

func TestMarksAllowedOnReadOnly(t *testing.T) {
	e := NewEditor(FromParagraphs("read only"))
	e.SetEditable(false)
	require.NoError(t, e.WrapRange(0, 4, "t1", OriginLocalUser))
	_, err := e.RemoveMarkID("t1", OriginLocalUser)
	require.NoError(t, err)
}

func TestWrapSelection(t *testing.T) {
	e := NewEditor(FromParagraphs("select me"))
	key := e.Leaves()[0].Key
	require.ErrorIs(t, e.WrapSelection("t1", OriginLocalUser), ErrEmptyRange)

	require.NoError(t, e.SelectRange(Point{Key: key, Offset: 7}, Point{Key: key, Offset: 9}))
	require.NoError(t, e.WrapSelection("t1", OriginLocalUser))
	require.Equal(t, "me", e.Leaves()[1].Text)

	first, ok := e.FirstLeafIn(e.MarkKeys("t1")[0])
	require.True(t, ok)
	require.Equal(t, e.Leaves()[1].Key, first)
}
