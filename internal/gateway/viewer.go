package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/heartbeat"
	"github.com/deskplane/deskplane/internal/proxy"
)

const (
	viewerPingInterval  = 20 * time.Second
	viewerPingWriteWait = 5 * time.Second
)

// HandleTunnelSocket accepts an agent's dial-back for a tunnel requested by
// a viewer. The agent authenticates with the same credential as its command
// channel.
func (g *Gateway) HandleTunnelSocket(c *gin.Context) {
	agent, ok := g.agentFromRequest(c)
	if !ok {
		return
	}
	tunnelID := c.Param("tunnel_id")

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade tunnel connection",
			"agent_id", agent.ID, "tunnel_id", tunnelID, "error", err)
		return
	}

	if !g.proxy.Deliver(tunnelID, agent.ID, ws) {
		// Viewer gave up, the id was never issued, or the tunnel belongs to
		// a different agent.
		slog.Warn("Tunnel dial-back with no waiting viewer",
			"agent_id", agent.ID, "tunnel_id", tunnelID)
		ws.Close()
	}
	// On success the viewer handler owns the connection from here.
}

// HandleViewerSocket serves an interactive session stream. The connection
// token is carried in the query string because browser websocket clients
// cannot set headers.
func (g *Gateway) HandleViewerSocket(c *gin.Context) {
	sessionID := c.Param("id")
	token := c.Query("token")

	sess, claims, err := g.proxy.Authorize(c.Request.Context(), sessionID, token)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, proxy.ErrSessionNotRunning):
			status = http.StatusConflict
		case errors.Is(err, proxy.ErrWrongOrg):
			status = http.StatusForbidden
		case errors.Is(err, auth.ErrTokenExpired):
			status = http.StatusUnauthorized
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	// Open the agent side first so an unreachable agent fails with a clean
	// HTTP status instead of an upgraded-then-dropped socket.
	tunnelID, agentConn, err := g.proxy.OpenTunnel(c.Request.Context(), sess)
	if err != nil {
		slog.Warn("Failed to open tunnel",
			"session_id", sessionID, "agent_id", sess.AgentID, "error", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "agent unavailable"})
		return
	}

	viewerConn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade viewer connection", "session_id", sessionID, "error", err)
		agentConn.Close()
		return
	}

	viewerID := uuid.New().String()
	g.monitor.TrackViewer(heartbeat.ViewerRecord{
		ID:        viewerID,
		SessionID: sess.ID,
		OrgID:     sess.OrgID,
		UserID:    claims.Subject,
	})
	slog.Info("Viewer stream opened",
		"viewer_id", viewerID, "session_id", sess.ID, "tunnel_id", tunnelID, "user_id", claims.Subject)

	// A display-only viewer may never send input, so liveness cannot depend
	// on data frames alone. Browsers answer pings automatically; the pong
	// handler runs on the viewer read loop inside Splice.
	viewerConn.SetPongHandler(func(string) error {
		g.monitor.TouchViewer(viewerID)
		return nil
	})
	pingDone := make(chan struct{})
	go pingLoop(viewerConn, viewerPingInterval, pingDone)

	proxy.Splice(viewerConn, agentConn, func() {
		g.monitor.TouchViewer(viewerID)
	})
	close(pingDone)

	// The request context may already be done once the stream ends; the
	// release hook still needs to run its policy writes.
	g.monitor.ReleaseViewer(context.Background(), viewerID)
	slog.Info("Viewer stream closed", "viewer_id", viewerID, "session_id", sess.ID)
}

// pingLoop sends websocket pings until done closes or a write fails.
// WriteControl is safe alongside the relay's data writer.
func pingLoop(ws *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(viewerPingWriteWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
