package models

import "github.com/driftchat/driftchat/internal/room"

// MessageRequest appends one text message to the active room.
type MessageRequest struct {
	Body string `json:"body" binding:"required,max=2000"`
}

// MessagePage is the poll response: new messages plus the room status, so
// one read also observes teardown.
type MessagePage struct {
	Messages []*room.Message `json:"messages"`
	Status   room.Status     `json:"status"`
}
