package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"coedit/api/internal/access"
	"coedit/api/internal/errs"
)

var grantCols = []string{"id", "document_id", "user_id", "email", "access_level", "shared_by", "created_at"}

func TestInsertGrantDuplicateKeepsFirst(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO collaborators")).
		WithArgs("doc-1", nil, "bob@example.com", "edit", "owner-1").
		WillReturnRows(pgxmock.NewRows(grantCols).
			AddRow("g-1", "doc-1", (*string)(nil), strPtr("bob@example.com"), "edit", "owner-1", fixedTime))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO collaborators")).
		WithArgs("doc-1", nil, "bob@example.com", "view", "owner-1").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(regexp.QuoteMeta("FROM collaborators")).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows(grantCols).
			AddRow("g-1", "doc-1", (*string)(nil), strPtr("bob@example.com"), "edit", "owner-1", fixedTime))

	first, err := s.InsertGrant(ctx, Grant{DocumentID: "doc-1", Email: "Bob@Example.com", Tier: access.TierEdit, SharedBy: "owner-1"})
	require.NoError(t, err)
	require.True(t, first.Pending())

	_, err = s.InsertGrant(ctx, Grant{DocumentID: "doc-1", Email: "bob@example.com", Tier: access.TierView, SharedBy: "owner-1"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	grants, err := s.ListGrants(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.Equal(t, access.TierEdit, grants[0].Tier)
}

func TestInsertGrantRejectsTier(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.InsertGrant(context.Background(), Grant{DocumentID: "doc-1", UserID: "u", Tier: access.TierNone})
	require.Error(t, err)
}

func TestUpdateGrantTier(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE collaborators SET access_level = $3")).
		WithArgs("doc-1", "g-1", "comment").
		WillReturnRows(pgxmock.NewRows(grantCols).
			AddRow("g-1", "doc-1", strPtr("user-2"), (*string)(nil), "comment", "owner-1", fixedTime))

	g, err := s.UpdateGrantTier(context.Background(), "doc-1", "g-1", access.TierComment)
	require.NoError(t, err)
	require.Equal(t, "user-2", g.UserID)
	require.Equal(t, access.TierComment, g.Tier)
}

func TestDeleteGrant(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM collaborators")).
		WithArgs("doc-1", "g-9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ok, err := s.DeleteGrant(context.Background(), "doc-1", "g-9")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcceptPendingInvitations(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET user_id = $1\n")).
		WithArgs("user-2", "bob@example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.AcceptPendingInvitations(context.Background(), "user-2", "bob@example.com")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = s.AcceptPendingInvitations(context.Background(), "user-2", "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInviteAfterAcceptConflicts(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("SET user_id = $1\n")).
		WithArgs("user-2", "bob@example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO collaborators")).
		WithArgs("doc-1", nil, "bob@example.com", "view", "owner-1").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(regexp.QuoteMeta("FROM collaborators")).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows(grantCols).
			AddRow("g-1", "doc-1", strPtr("user-2"), strPtr("bob@example.com"), "edit", "owner-1", fixedTime))

	_, err := s.AcceptPendingInvitations(ctx, "user-2", "bob@example.com")
	require.NoError(t, err)

	_, err = s.InsertGrant(ctx, Grant{DocumentID: "doc-1", Email: "bob@example.com", Tier: access.TierView, SharedBy: "owner-1"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	grants, err := s.ListGrants(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.Equal(t, "user-2", grants[0].UserID)
	require.Equal(t, "bob@example.com", grants[0].Email)
	require.Equal(t, access.TierEdit, grants[0].Tier)
}

func TestAccessGrantsSkipsPending(t *testing.T) {
	grants := []Grant{
		{ID: "g-1", UserID: "user-2", Tier: access.TierComment},
		{ID: "g-2", Email: "pending@example.com", Tier: access.TierEdit},
	}

	out := AccessGrants(grants)
	require.Equal(t, []access.Grant{{UserID: "user-2", Tier: access.TierComment}}, out)
	require.Equal(t, access.TierComment, access.Evaluate("owner", "user-2", out).Level)
}
