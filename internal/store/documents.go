package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coedit/api/internal/errs"
)

// ErrNotTrashed is returned when a permanent delete targets a live document.
var ErrNotTrashed = errors.New("document is not in trash")

const documentColumns = `id, owner_id, title, content, is_public, created_at, updated_at, trashed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var content []byte
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &content, &d.IsPublic, &d.CreatedAt, &d.UpdatedAt, &d.TrashedAt); err != nil {
		return Document{}, err
	}
	if len(content) > 0 {
		d.Content = json.RawMessage(content)
	}
	return d, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, ownerID, title string, content []byte) (Document, error) {
	if title == "" {
		title = "Untitled"
	}
	var raw any
	if len(content) > 0 {
		raw = content
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (owner_id, title, content)
		VALUES ($1, $2, $3)
		RETURNING `+documentColumns,
		ownerID, title, raw,
	)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", notFound(err))
	}
	return d, nil
}

// ListDocuments returns documents the user owns or has a bound grant on,
// newest first. With trashed set only the user's own trashed documents are
// listed.
func (s *PostgresStore) ListDocuments(ctx context.Context, userID string, trashed bool) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE (d.trashed_at IS NOT NULL) = $2
		  AND (d.owner_id = $1 OR ($2 = FALSE AND EXISTS (
		        SELECT 1 FROM collaborators c WHERE c.document_id = d.id AND c.user_id = $1)))
		ORDER BY d.updated_at DESC`,
		userID, trashed,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
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

func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) (Document, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE documents
		SET title = COALESCE($2, title),
		    is_public = COALESCE($3, is_public),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+documentColumns,
		documentID, patch.Title, patch.IsPublic,
	)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("update document: %w", notFound(err))
	}
	return d, nil
}

// SaveContent replaces the stored snapshot of a live document.
func (s *PostgresStore) SaveContent(ctx context.Context, documentID string, content []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET content = $2, updated_at = now()
		WHERE id = $1 AND trashed_at IS NULL`,
		documentID, content,
	)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save content: %w", errs.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TrashDocument(ctx context.Context, documentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET trashed_at = now()
		WHERE id = $1 AND trashed_at IS NULL`, documentID)
	if err != nil {
		return false, fmt.Errorf("trash document: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RestoreDocument(ctx context.Context, documentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET trashed_at = NULL
		WHERE id = $1 AND trashed_at IS NOT NULL`, documentID)
	if err != nil {
		return false, fmt.Errorf("restore document: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteDocument removes a trashed document with its grants and comments.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1 AND trashed_at IS NOT NULL`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDocument(ctx, documentID); err != nil {
			return err
		}
		return ErrNotTrashed
	}
	return nil
}

// CopyDocument duplicates title and content under a new owner. Grants and
// comments are not copied.
func (s *PostgresStore) CopyDocument(ctx context.Context, documentID, ownerID string) (Document, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (owner_id, title, content)
		SELECT $2, title || ' (Copy)', content FROM documents WHERE id = $1
		RETURNING `+documentColumns,
		documentID, ownerID,
	)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("copy document: %w", notFound(err))
	}
	return d, nil
}
