package store

import (
	"context"
	"fmt"

	"coedit/api/internal/errs"
)

// StarDocument bookmarks documentID for userID. Starring twice is a no-op.
func (s *PostgresStore) StarDocument(ctx context.Context, documentID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO starred_documents (document_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (document_id, user_id) DO NOTHING`,
		documentID, userID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("star document: %w", errs.ErrNotFound)
		}
		return fmt.Errorf("star document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnstarDocument(ctx context.Context, documentID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM starred_documents WHERE document_id = $1 AND user_id = $2`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("unstar document: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) IsStarred(ctx context.Context, documentID, userID string) (bool, error) {
	var starred bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM starred_documents WHERE document_id = $1 AND user_id = $2)`,
		documentID, userID,
	).Scan(&starred)
	if err != nil {
		return false, fmt.Errorf("read star: %w", err)
	}
	return starred, nil
}

// ListStarred returns the live documents userID starred and can still open,
// most recently starred first.
func (s *PostgresStore) ListStarred(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.owner_id, d.title, d.content, d.is_public, d.created_at, d.updated_at, d.trashed_at
		FROM starred_documents sd
		JOIN documents d ON d.id = sd.document_id
		WHERE sd.user_id = $1
		  AND d.trashed_at IS NULL
		  AND (d.owner_id = $1 OR d.is_public OR EXISTS (
		        SELECT 1 FROM collaborators c WHERE c.document_id = d.id AND c.user_id = $1))
		ORDER BY sd.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list starred: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
