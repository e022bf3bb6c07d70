package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"coedit/api/internal/comments"
	"coedit/api/internal/errs"
)

var commentCols = []string{"id", "document_id", "user_id", "user_name", "content", "quote_text", "is_resolved", "parent_comment_id", "created_at", "updated_at"}

func TestInsertCommentRootAndReply(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO comments")).
		WithArgs("c-1", "doc-1", "user-1", "ann", "Check this", "quoted", false, nil).
		WillReturnRows(pgxmock.NewRows(commentCols).
			AddRow("c-1", "doc-1", "user-1", "ann", "Check this", strPtr("quoted"), false, (*string)(nil), fixedTime, fixedTime))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO comments")).
		WithArgs("c-2", "doc-1", "user-2", "bob", "Agreed", nil, false, "c-1").
		WillReturnRows(pgxmock.NewRows(commentCols).
			AddRow("c-2", "doc-1", "user-2", "bob", "Agreed", (*string)(nil), false, strPtr("c-1"), fixedTime, fixedTime))

	root, err := s.InsertComment(ctx, comments.Comment{ID: "c-1", DocumentID: "doc-1", UserID: "user-1", UserName: "ann", Content: "Check this", QuoteText: "quoted"})
	require.NoError(t, err)
	require.True(t, root.IsRoot())
	require.Equal(t, "quoted", root.QuoteText)

	reply, err := s.InsertComment(ctx, comments.Comment{ID: "c-2", DocumentID: "doc-1", UserID: "user-2", UserName: "bob", Content: "Agreed", ParentID: "c-1"})
	require.NoError(t, err)
	require.Equal(t, "c-1", reply.ParentID)
}

func TestGetCommentNotFound(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM comments WHERE document_id = $1 AND id = $2")).
		WithArgs("doc-1", "nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetComment(context.Background(), "doc-1", "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListCommentsGroupsIntoThreads(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM comments")).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows(commentCols).
			AddRow("c-1", "doc-1", "user-1", "ann", "Root", strPtr("q"), true, (*string)(nil), fixedTime, fixedTime).
			AddRow("c-2", "doc-1", "user-2", "bob", "Reply", (*string)(nil), true, strPtr("c-1"), fixedTime, fixedTime))

	all, err := s.ListComments(context.Background(), "doc-1")
	require.NoError(t, err)
	threads := comments.Group(all, comments.FilterResolved)
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Replies, 1)
}

func TestThreadWritesCoverReplies(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("(id = $2 OR parent_comment_id = $2)")).
		WithArgs("doc-1", "c-1", true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM comments WHERE document_id = $1 AND (id = $2 OR parent_comment_id = $2)")).
		WithArgs("doc-1", "c-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM comments WHERE document_id = $1 AND id = $2")).
		WithArgs("doc-1", "c-7").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	n, err := s.SetThreadResolved(ctx, "doc-1", "c-1", true)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = s.DeleteThread(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = s.DeleteComment(ctx, "doc-1", "c-7")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
