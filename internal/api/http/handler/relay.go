package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/deskplane/deskplane/internal/agentwire"
	"github.com/deskplane/deskplane/internal/hub"
	"github.com/gin-gonic/gin"
)

// RelayHandler accepts envelopes forwarded by sibling instances for agents
// connected here. A 404 tells the sender its route hint was stale.
type RelayHandler struct {
	hub *hub.Hub
}

func NewRelayHandler(h *hub.Hub) *RelayHandler {
	return &RelayHandler{hub: h}
}

// Forward delivers a relayed envelope to a locally connected agent.
// POST /internal/relay/:agent_id
func (h *RelayHandler) Forward(c *gin.Context) {
	agentID := c.Param("agent_id")

	var env agentwire.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.hub.Send(agentID, &env); err != nil {
		if errors.Is(err, hub.ErrAgentOffline) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not connected here"})
			return
		}
		slog.Error("Failed to deliver relayed envelope", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}
