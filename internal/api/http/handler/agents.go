package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/deskplane/deskplane/internal/agents"
	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agents *agents.Service
}

func NewAgentsHandler(agentService *agents.Service) *AgentsHandler {
	return &AgentsHandler{agents: agentService}
}

// EnrollAgent creates an agent and returns its credential secret once.
// Admin only.
// POST /agents
func (h *AgentsHandler) EnrollAgent(c *gin.Context) {
	orgID := c.GetString("org_id")

	var req dto.EnrollAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, secret, err := h.agents.Enroll(c.Request.Context(), orgID, req.Name, req.Platform)
	if err != nil {
		slog.Error("Failed to enroll agent", "error", err, "org_id", orgID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enroll agent"})
		return
	}

	c.JSON(http.StatusCreated, dto.EnrollAgentResponse{
		ID:     agent.ID,
		Secret: secret,
	})
}

// ListAgents returns the caller organization's agents.
// GET /agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	orgID := c.GetString("org_id")

	list, err := h.agents.List(c.Request.Context(), orgID)
	if err != nil {
		slog.Error("Failed to list agents", "error", err, "org_id", orgID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	responses := make([]dto.AgentResponse, len(list))
	for i := range list {
		responses[i] = agentResponse(&list[i])
	}
	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses})
}

// GetAgent returns one agent.
// GET /agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	orgID := c.GetString("org_id")
	agentID := c.Param("id")

	agent, err := h.agents.Get(c.Request.Context(), orgID, agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	c.JSON(http.StatusOK, agentResponse(agent))
}

func agentResponse(a *agents.Agent) dto.AgentResponse {
	resp := dto.AgentResponse{
		ID:         a.ID,
		Name:       a.Name,
		Platform:   a.Platform,
		ConnState:  string(a.ConnState),
		EnrolledAt: a.EnrolledAt.Format(time.RFC3339),
	}
	if a.LastSeenAt != nil {
		resp.LastSeenAt = a.LastSeenAt.Format(time.RFC3339)
	}
	if a.FirstSeenAt != nil {
		resp.FirstSeenAt = a.FirstSeenAt.Format(time.RFC3339)
	}
	return resp
}
