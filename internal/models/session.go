package models

// SessionResponse is returned when an anonymous session is issued.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// ReportRequest reports another participant.
type ReportRequest struct {
	ReportedID string `json:"reportedId" binding:"required"`
}

// SuccessResponse is the generic acknowledgement body.
type SuccessResponse struct {
	Success bool `json:"success"`
}
