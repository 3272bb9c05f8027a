package models

import (
	"encoding/json"

	"github.com/driftchat/driftchat/internal/signal"
)

// SignalRequest posts one negotiation message for the room's other
// participant.
type SignalRequest struct {
	RoomID    string          `json:"roomId" binding:"required"`
	SessionID string          `json:"sessionId" binding:"required"`
	Type      string          `json:"type" binding:"required"`
	Signal    json.RawMessage `json:"signal,omitempty"`
}

// SignalPage is one page of the pull fallback: envelopes from the other
// participant, ascending by send time.
type SignalPage struct {
	Signals []signal.Envelope `json:"signals"`
}
