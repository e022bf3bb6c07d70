package feed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubFiltersByTableAndDocument(t *testing.T) {
	h := NewHub()
	var got []Change
	cancel, err := h.Subscribe(context.Background(), TableComments, "d1", func(c Change) { got = append(got, c) })
	require.NoError(t, err)

	h.Publish(Change{Table: TableComments, Op: OpInsert, DocumentID: "d1", RowID: "c1"})
	h.Publish(Change{Table: TableComments, Op: OpInsert, DocumentID: "d2", RowID: "c2"})
	h.Publish(Change{Table: TableCollaborators, Op: OpInsert, DocumentID: "d1", RowID: "g1"})
	require.Equal(t, []Change{{Table: TableComments, Op: OpInsert, DocumentID: "d1", RowID: "c1"}}, got)

	cancel()
	h.Publish(Change{Table: TableComments, Op: OpDelete, DocumentID: "d1", RowID: "c1"})
	require.Len(t, got, 1)
}
