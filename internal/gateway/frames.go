package gateway

import (
	"encoding/json"

	"coedit/api/internal/access"
	"coedit/api/internal/channel"
)

// Inbound frame types.
const (
	FrameSend    = "send"
	FrameTrack   = "track"
	FrameUntrack = "untrack"
)

// Outbound frame types.
const (
	FrameHello    = "hello"
	FrameMessage  = "message"
	FramePresence = "presence"
	FrameStatus   = "status"
	FrameAccess   = "access"
	FrameError    = "error"
)

// ClientFrame is what a browser sends: a broadcast on one of the document's
// channels, or a presence track/untrack.
type ClientFrame struct {
	Type    string          `json:"type"`
	Channel channel.Purpose `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AccessView struct {
	CanEdit    bool        `json:"can_edit"`
	CanComment bool        `json:"can_comment"`
	CanView    bool        `json:"can_view"`
	Level      access.Tier `json:"level"`
}

func accessView(a access.Access) *AccessView {
	return &AccessView{CanEdit: a.CanEdit, CanComment: a.CanComment, CanView: a.CanView, Level: a.Level}
}

type ServerFrame struct {
	Type     string               `json:"type"`
	Channel  channel.Purpose      `json:"channel,omitempty"`
	Event    string               `json:"event,omitempty"`
	Sender   string               `json:"sender,omitempty"`
	Payload  json.RawMessage      `json:"payload,omitempty"`
	Kind     channel.PresenceKind `json:"kind,omitempty"`
	Members  []channel.Member     `json:"members,omitempty"`
	Status   channel.Status       `json:"status,omitempty"`
	ClientID string               `json:"client_id,omitempty"`
	Access   *AccessView          `json:"access,omitempty"`
	Code     string               `json:"code,omitempty"`
	Error    string               `json:"error,omitempty"`
}
