package models

// MatchRequest enters or re-checks the matchmaking queue.
type MatchRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	ChatType  string `json:"chatType" binding:"required"`
}
