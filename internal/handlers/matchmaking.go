package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/middleware"
	"github.com/driftchat/driftchat/internal/models"
)

// TryMatch enters the queue or re-checks an existing pairing. The body's
// sessionId must be the authenticated session; a caller cannot enqueue
// someone else.
func (a *API) TryMatch(c *gin.Context) {
	var req models.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.SessionID != middleware.SessionID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Session mismatch"})
		return
	}

	result, err := a.Queue.TryMatch(c.Request.Context(), req.SessionID, matchmaking.ChatType(req.ChatType))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PollMatch is the pure read used as the push-notification fallback.
func (a *API) PollMatch(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID != middleware.SessionID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Session mismatch"})
		return
	}

	result, err := a.Queue.PollMatch(c.Request.Context(), sessionID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelMatch removes the session's queue entry. Cancelling a missing
// entry still succeeds.
func (a *API) CancelMatch(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID != middleware.SessionID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Session mismatch"})
		return
	}

	if err := a.Queue.Cancel(c.Request.Context(), sessionID); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}
