package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftchat/driftchat/internal/middleware"
	"github.com/driftchat/driftchat/internal/models"
)

// CreateSession issues a new anonymous session. Banned network identities
// are rejected before a session exists.
func (a *API) CreateSession(c *gin.Context) {
	sess, token, err := a.Registry.Create(c.Request.Context(), c.ClientIP())
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SessionResponse{
		SessionID: sess.ID,
		Token:     token,
	})
}

// Heartbeat refreshes the session's liveness window.
func (a *API) Heartbeat(c *gin.Context) {
	if err := a.Registry.Heartbeat(c.Request.Context(), middleware.SessionID(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}

// DestroySession removes the session; queue entry and active room are torn
// down with it.
func (a *API) DestroySession(c *gin.Context) {
	if err := a.Registry.Destroy(c.Request.Context(), middleware.SessionID(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}

// Report files a report against another participant. Reaching the
// threshold bans the reported network identity.
func (a *API) Report(c *gin.Context) {
	var req models.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := a.Registry.Report(c.Request.Context(), middleware.SessionID(c), req.ReportedID); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}
