package store

import (
	"context"
	"fmt"

	"coedit/api/internal/comments"
	"coedit/api/internal/errs"
)

const commentColumns = `id, document_id, user_id, user_name, content, quote_text, is_resolved, parent_comment_id, created_at, updated_at`

func scanComment(row rowScanner) (comments.Comment, error) {
	var c comments.Comment
	var quote, parent *string
	if err := row.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.UserName, &c.Content, &quote, &c.IsResolved, &parent, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return comments.Comment{}, err
	}
	if quote != nil {
		c.QuoteText = *quote
	}
	if parent != nil {
		c.ParentID = *parent
	}
	return c, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c comments.Comment) (comments.Comment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO comments (id, document_id, user_id, user_name, content, quote_text, is_resolved, parent_comment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+commentColumns,
		c.ID, c.DocumentID, c.UserID, c.UserName, c.Content, nullable(c.QuoteText), c.IsResolved, nullable(c.ParentID),
	)
	out, err := scanComment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return comments.Comment{}, errs.ErrAlreadyExists
		}
		return comments.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, documentID, id string) (comments.Comment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE document_id = $1 AND id = $2`, documentID, id)
	c, err := scanComment(row)
	if err != nil {
		return comments.Comment{}, fmt.Errorf("get comment: %w", notFound(err))
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]comments.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id = $1
		ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []comments.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetThreadResolved flips the root and every reply in one statement.
func (s *PostgresStore) SetThreadResolved(ctx context.Context, documentID, threadID string, resolved bool) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comments SET is_resolved = $3, updated_at = now()
		WHERE document_id = $1 AND (id = $2 OR parent_comment_id = $2)`,
		documentID, threadID, resolved,
	)
	if err != nil {
		return 0, fmt.Errorf("set thread resolved: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, documentID, threadID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM comments
		WHERE document_id = $1 AND (id = $2 OR parent_comment_id = $2)`,
		documentID, threadID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete thread: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, documentID, id string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM comments WHERE document_id = $1 AND id = $2`, documentID, id)
	if err != nil {
		return 0, fmt.Errorf("delete comment: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ comments.Store = (*PostgresStore)(nil)
