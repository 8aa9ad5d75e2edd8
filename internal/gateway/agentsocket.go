package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/deskplane/deskplane/internal/agentwire"
	"github.com/deskplane/deskplane/internal/hub"
	"github.com/deskplane/deskplane/internal/sessions"
)

// HandleAgentSocket upgrades the agent command channel. One connection per
// agent; a reconnect evicts the prior connection via the hub.
func (g *Gateway) HandleAgentSocket(c *gin.Context) {
	agent, ok := g.agentFromRequest(c)
	if !ok {
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade agent connection", "agent_id", agent.ID, "error", err)
		return
	}
	defer ws.Close()

	// The first frame must be a hello carrying platform details.
	var env agentwire.Envelope
	if err := ws.ReadJSON(&env); err != nil || env.Type != agentwire.TypeHello {
		slog.Warn("Agent connection without hello frame", "agent_id", agent.ID)
		return
	}
	var hello agentwire.Hello
	if err := env.Decode(&hello); err != nil {
		slog.Warn("Agent sent malformed hello", "agent_id", agent.ID, "error", err)
		return
	}

	ctx := context.Background()
	conn, err := g.hub.Register(ctx, agent.ID, agent.OrgID, hello.Platform)
	if err != nil {
		slog.Error("Failed to register agent connection", "agent_id", agent.ID, "error", err)
		return
	}
	g.monitor.TrackAgent(agent.ID)
	if err := g.agents.MarkConnected(ctx, agent.ID); err != nil {
		slog.Error("Failed to mark agent connected", "agent_id", agent.ID, "error", err)
	}

	defer func() {
		// A replaced connection must not tear down its successor's state.
		if conn.Context().Err() == nil {
			g.hub.Unregister(ctx, agent.ID)
			g.monitor.ForgetAgent(agent.ID)
			if err := g.agents.MarkDisconnected(ctx, agent.ID); err != nil {
				slog.Error("Failed to mark agent disconnected", "agent_id", agent.ID, "error", err)
			}
		}
	}()

	welcome, err := agentwire.NewEnvelope(agentwire.TypeWelcome, agentwire.Welcome{
		InstanceID:        g.cfg.InstanceID,
		HeartbeatInterval: int(g.cfg.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		slog.Error("Failed to encode welcome", "agent_id", agent.ID, "error", err)
		return
	}
	if err := ws.WriteJSON(welcome); err != nil {
		return
	}

	go g.sendLoop(ws, conn)

	readErr := make(chan error, 1)
	go func() { readErr <- g.recvLoop(ctx, ws, agent.ID, agent.OrgID) }()

	select {
	case err := <-readErr:
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			slog.Info("Agent connection closed", "agent_id", agent.ID, "error", err)
		}
	case <-conn.Context().Done():
		// Evicted or replaced; closing the socket unblocks the read loop.
	}
}

// sendLoop is the only writer on the socket after the welcome frame, so
// outbound frames never interleave.
func (g *Gateway) sendLoop(ws *websocket.Conn, conn *hub.AgentConn) {
	for {
		select {
		case env := <-conn.SendCh:
			if err := ws.WriteJSON(env); err != nil {
				slog.Warn("Failed to write frame to agent", "agent_id", conn.ID, "error", err)
				ws.Close()
				return
			}
		case <-conn.Context().Done():
			return
		}
	}
}

// recvLoop consumes agent frames until the socket errors. Running all of an
// agent's inbound traffic through one loop serializes its status reports.
func (g *Gateway) recvLoop(ctx context.Context, ws *websocket.Conn, agentID, orgID string) error {
	for {
		var env agentwire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case agentwire.TypeHeartbeat:
			g.hub.Touch(ctx, agentID)
			g.monitor.TouchAgent(agentID)
			if err := g.agents.UpdateLastSeen(ctx, agentID, time.Now()); err != nil {
				slog.Debug("Failed to record agent last-seen", "agent_id", agentID, "error", err)
			}

		case agentwire.TypeAck:
			var ack agentwire.AckPayload
			if err := env.Decode(&ack); err != nil {
				slog.Warn("Agent sent malformed ack", "agent_id", agentID, "error", err)
				continue
			}
			g.dispatcher.HandleAck(ctx, ack.CommandID, ack.OK, ack.Error)

		case agentwire.TypeStatus:
			var report agentwire.StatusReport
			if err := env.Decode(&report); err != nil {
				slog.Warn("Agent sent malformed status report", "agent_id", agentID, "error", err)
				continue
			}
			if err := g.manager.HandleReport(ctx, orgID, report.SessionID,
				sessions.Phase(report.Phase), report.AccessURL); err != nil {
				slog.Warn("Failed to apply status report",
					"agent_id", agentID, "session_id", report.SessionID, "error", err)
			}

		default:
			slog.Debug("Ignoring unexpected agent frame", "agent_id", agentID, "type", env.Type)
		}
	}
}
