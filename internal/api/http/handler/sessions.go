package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/deskplane/deskplane/internal/agents"
	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/sessions"
	"github.com/deskplane/deskplane/internal/templates"
	"github.com/gin-gonic/gin"
)

type SessionsHandler struct {
	manager   *sessions.Manager
	store     *sessions.Service
	commands  *commands.Service
	templates *templates.Service
	agents    *agents.Service

	connTokenSecret string
	connTokenTTL    time.Duration
}

func NewSessionsHandler(manager *sessions.Manager, store *sessions.Service,
	commandService *commands.Service, templateService *templates.Service,
	agentService *agents.Service, connTokenSecret string, connTokenTTL time.Duration) *SessionsHandler {

	if connTokenTTL <= 0 {
		connTokenTTL = auth.DefaultConnectionTTL
	}
	return &SessionsHandler{
		manager:         manager,
		store:           store,
		commands:        commandService,
		templates:       templateService,
		agents:          agentService,
		connTokenSecret: connTokenSecret,
		connTokenTTL:    connTokenTTL,
	}
}

// CreateSession provisions a new session on one of the caller's agents.
// POST /sessions
func (h *SessionsHandler) CreateSession(c *gin.Context) {
	orgID := c.GetString("org_id")
	userID := c.GetString("user_id")

	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Both references are resolved inside the caller's org before anything
	// is written.
	if _, err := h.agents.Get(c.Request.Context(), orgID, req.AgentID); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to resolve agent", "error", err, "agent_id", req.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	if _, err := h.templates.Get(c.Request.Context(), req.TemplateID); err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
			return
		}
		slog.Error("Failed to resolve template", "error", err, "template_id", req.TemplateID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	sess := &sessions.Session{
		OrgID:      orgID,
		OwnerID:    userID,
		AgentID:    req.AgentID,
		TemplateID: req.TemplateID,
		Resources:  req.Resources,
	}
	if err := h.manager.Create(c.Request.Context(), sess); err != nil {
		slog.Error("Failed to create session", "error", err, "org_id", orgID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, sessionResponse(sess))
}

// ListSessions returns the caller organization's sessions.
// GET /sessions
func (h *SessionsHandler) ListSessions(c *gin.Context) {
	orgID := c.GetString("org_id")

	list, err := h.store.List(c.Request.Context(), orgID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "org_id", orgID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	responses := make([]dto.SessionResponse, len(list))
	for i := range list {
		responses[i] = sessionResponse(&list[i])
	}
	c.JSON(http.StatusOK, dto.ListSessionsResponse{Sessions: responses})
}

// GetSession returns one session.
// GET /sessions/:id
func (h *SessionsHandler) GetSession(c *gin.Context) {
	orgID := c.GetString("org_id")
	sessionID := c.Param("id")

	sess, err := h.store.Get(c.Request.Context(), orgID, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		slog.Error("Failed to get session", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		return
	}

	c.JSON(http.StatusOK, sessionResponse(sess))
}

// SetDesired records new intent for the session; the state machine emits
// whatever command is needed to converge.
// PUT /sessions/:id/desired
func (h *SessionsHandler) SetDesired(c *gin.Context) {
	orgID := c.GetString("org_id")
	sessionID := c.Param("id")

	var req dto.SetDesiredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.manager.SetDesired(c.Request.Context(), orgID, sessionID,
		sessions.DesiredState(req.Desired))
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, sessions.ErrInvalidDesired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid desired state"})
		default:
			slog.Error("Failed to set desired state", "error", err, "session_id", sessionID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update session"})
		}
		return
	}

	c.JSON(http.StatusOK, sessionResponse(sess))
}

// ConnectionToken issues a short-lived token authorizing a stream to this
// session.
// POST /sessions/:id/connection-token
func (h *SessionsHandler) ConnectionToken(c *gin.Context) {
	orgID := c.GetString("org_id")
	userID := c.GetString("user_id")
	sessionID := c.Param("id")

	sess, err := h.store.Get(c.Request.Context(), orgID, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		slog.Error("Failed to get session", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	token, err := auth.GenerateConnectionToken(h.connTokenSecret, sess.ID, userID, orgID, h.connTokenTTL)
	if err != nil {
		slog.Error("Failed to generate connection token", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, dto.ConnectionTokenResponse{
		Token:     token,
		StreamURL: "/api/v1/sessions/" + sess.ID + "/stream",
		ExpiresIn: int(h.connTokenTTL.Seconds()),
	})
}

// ListCommands returns a session's command audit trail, newest first.
// GET /sessions/:id/commands
func (h *SessionsHandler) ListCommands(c *gin.Context) {
	orgID := c.GetString("org_id")
	sessionID := c.Param("id")

	list, err := h.commands.ListBySession(c.Request.Context(), orgID, sessionID)
	if err != nil {
		slog.Error("Failed to list commands", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list commands"})
		return
	}

	responses := make([]dto.CommandResponse, len(list))
	for i := range list {
		responses[i] = commandResponse(&list[i])
	}
	c.JSON(http.StatusOK, dto.ListCommandsResponse{Commands: responses})
}

func sessionResponse(sess *sessions.Session) dto.SessionResponse {
	return dto.SessionResponse{
		ID:         sess.ID,
		AgentID:    sess.AgentID,
		TemplateID: sess.TemplateID,
		OwnerID:    sess.OwnerID,
		Desired:    string(sess.Desired),
		Phase:      string(sess.Phase),
		Resources:  sess.Resources,
		AccessURL:  sess.AccessURL,
		CreatedAt:  sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  sess.UpdatedAt.Format(time.RFC3339),
	}
}

func commandResponse(cmd *commands.Command) dto.CommandResponse {
	resp := dto.CommandResponse{
		ID:         cmd.ID,
		SessionID:  cmd.SessionID,
		AgentID:    cmd.AgentID,
		State:      string(cmd.State),
		RetryCount: cmd.RetryCount,
		EnqueuedAt: cmd.EnqueuedAt.Format(time.RFC3339),
		FailReason: cmd.FailReason,
	}
	if cmd.DeliveredAt != nil {
		resp.DeliveredAt = cmd.DeliveredAt.Format(time.RFC3339)
	}
	if cmd.AckedAt != nil {
		resp.AckedAt = cmd.AckedAt.Format(time.RFC3339)
	}
	return resp
}
