package store

import (
	"context"
	"fmt"
	"strings"

	"coedit/api/internal/access"
	"coedit/api/internal/errs"
)

const grantColumns = `id, document_id, user_id, email, access_level, shared_by, created_at`

func scanGrant(row rowScanner) (Grant, error) {
	var g Grant
	var userID, email *string
	var tier string
	if err := row.Scan(&g.ID, &g.DocumentID, &userID, &email, &tier, &g.SharedBy, &g.CreatedAt); err != nil {
		return Grant{}, err
	}
	if userID != nil {
		g.UserID = *userID
	}
	if email != nil {
		g.Email = *email
	}
	g.Tier = access.ParseTier(tier)
	return g, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func (s *PostgresStore) ListGrants(ctx context.Context, documentID string) ([]Grant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+grantColumns+`
		FROM collaborators
		WHERE document_id = $1
		ORDER BY created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// InsertGrant stores an invitation. A second grant for the same user or
// email on one document is errs.ErrAlreadyExists and leaves the first intact.
func (s *PostgresStore) InsertGrant(ctx context.Context, g Grant) (Grant, error) {
	if !access.Grantable(g.Tier) {
		return Grant{}, fmt.Errorf("insert grant: invalid access level %q", g.Tier)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO collaborators (document_id, user_id, email, access_level, shared_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+grantColumns,
		g.DocumentID, nullable(g.UserID), nullable(strings.ToLower(g.Email)), string(g.Tier), g.SharedBy,
	)
	out, err := scanGrant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Grant{}, errs.ErrAlreadyExists
		}
		return Grant{}, fmt.Errorf("insert grant: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateGrantTier(ctx context.Context, documentID, grantID string, tier access.Tier) (Grant, error) {
	if !access.Grantable(tier) {
		return Grant{}, fmt.Errorf("update grant: invalid access level %q", tier)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE collaborators SET access_level = $3
		WHERE document_id = $1 AND id = $2
		RETURNING `+grantColumns,
		documentID, grantID, string(tier),
	)
	g, err := scanGrant(row)
	if err != nil {
		return Grant{}, fmt.Errorf("update grant: %w", notFound(err))
	}
	return g, nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, documentID, grantID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collaborators WHERE document_id = $1 AND id = $2`, documentID, grantID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AcceptPendingInvitations binds every pending grant addressed to email to
// userID and reports how many were bound. The email stays on the bound row so
// a later invite to the same address still conflicts. A pending grant on a
// document the user can already reach is left pending.
func (s *PostgresStore) AcceptPendingInvitations(ctx context.Context, userID, email string) (int64, error) {
	if userID == "" || email == "" {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE collaborators c
		SET user_id = $1
		WHERE c.user_id IS NULL
		  AND lower(c.email) = lower($2)
		  AND NOT EXISTS (
		        SELECT 1 FROM collaborators b
		        WHERE b.document_id = c.document_id AND b.user_id = $1)`,
		userID, email,
	)
	if err != nil {
		return 0, fmt.Errorf("accept invitations: %w", err)
	}
	return tag.RowsAffected(), nil
}
