package collab

import "encoding/json"

const (
	EventEditorUpdate = "editor-update"
	EventRequestSync  = "request-sync"
	EventSyncResponse = "sync-response"
)

// EditorUpdate carries a full document snapshot. Receivers replace their
// document with it; there is no merge.
type EditorUpdate struct {
	EditorState json.RawMessage `json:"editorState"`
	UserID      string          `json:"userId"`
	Timestamp   int64           `json:"timestamp"`
}

// SyncRequest asks editors already on the channel for the current snapshot.
type SyncRequest struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// SyncResponse answers one SyncRequest. RequesterID is the requesting
// client's id; everyone else ignores the response.
type SyncResponse struct {
	EditorState json.RawMessage `json:"editorState"`
	UserID      string          `json:"userId"`
	RequesterID string          `json:"requesterId"`
	Timestamp   int64           `json:"timestamp"`
}
