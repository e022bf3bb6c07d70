package store

import (
	"encoding/json"
	"time"

	"coedit/api/internal/access"
)

type Document struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	IsPublic  bool            `json:"is_public"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	TrashedAt *time.Time      `json:"trashed_at,omitempty"`
}

func (d Document) Trashed() bool {
	return d.TrashedAt != nil
}

// Grant is a collaborator row. A pending invitation has an Email and no
// UserID until AcceptPendingInvitations binds it; the Email is kept after.
type Grant struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id"`
	UserID     string      `json:"user_id,omitempty"`
	Email      string      `json:"email,omitempty"`
	Tier       access.Tier `json:"access_level"`
	SharedBy   string      `json:"shared_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (g Grant) Pending() bool {
	return g.UserID == ""
}

// AccessGrants keeps the bound grants in the evaluator's shape.
func AccessGrants(grants []Grant) []access.Grant {
	out := make([]access.Grant, 0, len(grants))
	for _, g := range grants {
		if g.Pending() {
			continue
		}
		out = append(out, access.Grant{UserID: g.UserID, Tier: g.Tier})
	}
	return out
}

// DocumentPatch carries the optional fields of a metadata update.
type DocumentPatch struct {
	Title    *string `json:"title"`
	IsPublic *bool   `json:"is_public"`
}
