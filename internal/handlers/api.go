// Package handlers exposes the HTTP and WebSocket surface: session
// lifecycle, the matchmaking wire contract, the signal relay endpoints and
// the room message stream.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/session"
	"github.com/driftchat/driftchat/internal/signal"
)

// API bundles the services behind the HTTP surface.
type API struct {
	Registry  *session.Registry
	Queue     *matchmaking.Queue
	Rooms     room.Store
	Relay     signal.Relay
	Publisher signal.Publisher
	Fallback  signal.FallbackStore
	Logger    zerolog.Logger
}

// respondError reduces any failure to the closed error taxonomy. The
// internal diagnostic is logged; only the user-facing shape goes out.
func (a *API) respondError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	a.Logger.Warn().
		Str("path", c.FullPath()).
		Str("code", string(appErr.Code)).
		Msg(appErr.Message)

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperr.CodeSessionExpired:
		status = http.StatusUnauthorized
	case apperr.CodeRateLimited:
		status = http.StatusForbidden
	case apperr.CodePartnerDisconnected:
		status = http.StatusConflict
	case apperr.CodeMatchmakingFailed:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": appErr})
}
