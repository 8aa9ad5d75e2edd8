// Package gateway terminates the persistent connections of the platform:
// the agent command channel, agent tunnel dial-backs, and viewer display
// tunnels.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/deskplane/deskplane/internal/agents"
	"github.com/deskplane/deskplane/internal/dispatch"
	"github.com/deskplane/deskplane/internal/heartbeat"
	"github.com/deskplane/deskplane/internal/hub"
	"github.com/deskplane/deskplane/internal/proxy"
	"github.com/deskplane/deskplane/internal/sessions"
)

type Config struct {
	// HeartbeatInterval is advertised to agents in the welcome frame.
	HeartbeatInterval time.Duration
	InstanceID        string
}

type Gateway struct {
	hub        *hub.Hub
	agents     *agents.Service
	dispatcher *dispatch.Dispatcher
	manager    *sessions.Manager
	monitor    *heartbeat.Monitor
	proxy      *proxy.Service
	cfg        Config

	upgrader websocket.Upgrader
}

func New(h *hub.Hub, agentSvc *agents.Service, d *dispatch.Dispatcher,
	m *sessions.Manager, mon *heartbeat.Monitor, p *proxy.Service, cfg Config) *Gateway {

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Gateway{
		hub:        h,
		agents:     agentSvc,
		dispatcher: d,
		manager:    m,
		monitor:    mon,
		proxy:      p,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents and viewers connect from arbitrary origins; auth is
			// credential/token based, not origin based.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// agentFromRequest authenticates the agent credential carried on a
// websocket upgrade request.
func (g *Gateway) agentFromRequest(c *gin.Context) (*agents.Agent, bool) {
	agentID := c.GetHeader("X-Agent-ID")
	header := c.GetHeader("Authorization")
	if agentID == "" || !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing agent credentials"})
		return nil, false
	}
	secret := strings.TrimPrefix(header, "Bearer ")

	agent, err := g.agents.VerifyCredential(c.Request.Context(), agentID, secret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent credentials"})
		return nil, false
	}
	return agent, true
}
