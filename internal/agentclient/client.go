// Package agentclient implements the agent side of the command channel: a
// reconnecting websocket client that executes commands, reports session
// status, and dials back tunnel connections on request.
package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskplane/deskplane/internal/agentwire"
)

type Config struct {
	// ServerURL is the control-plane websocket base, e.g. ws://host:8080.
	ServerURL string
	AgentID   string
	Secret    string
	Platform  string
	Version   string

	// HeartbeatInterval is the local default until the welcome frame
	// overrides it.
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

// CommandResult is what the runtime hands back for an executed command.
type CommandResult struct {
	OK    bool
	Error string
	// Report, when set, is sent as a status frame after the ack.
	Report *agentwire.StatusReport
}

// Runtime is the session backend the client drives. Execute must be
// idempotent per command id: the server redelivers until acknowledged.
type Runtime interface {
	Execute(ctx context.Context, cmd agentwire.CommandPayload) CommandResult
	// ServeTunnel owns conn and streams the session display over it.
	ServeTunnel(ctx context.Context, p agentwire.TunnelOpenPayload, conn *websocket.Conn)
}

type Client struct {
	cfg     Config
	runtime Runtime

	mu sync.Mutex // guards ws writes
	ws *websocket.Conn
}

func New(cfg Config, runtime Runtime) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{cfg: cfg, runtime: runtime}
}

// Run keeps the command channel alive until ctx is cancelled, reconnecting
// with exponential backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectMin
	for {
		if err := c.session(ctx); err != nil {
			slog.Warn("Command channel lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Secret)
	h.Set("X-Agent-ID", c.cfg.AgentID)
	return h
}

// session runs one connection lifetime: dial, hello/welcome, then the read
// loop until the socket errors.
func (c *Client) session(ctx context.Context) error {
	url := c.cfg.ServerURL + "/api/v1/agentwire/connect"
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, c.authHeader())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	hello, err := agentwire.NewEnvelope(agentwire.TypeHello, agentwire.Hello{
		AgentID:  c.cfg.AgentID,
		Platform: c.cfg.Platform,
		Version:  c.cfg.Version,
	})
	if err != nil {
		return err
	}
	if err := c.write(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var env agentwire.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if env.Type != agentwire.TypeWelcome {
		return fmt.Errorf("expected welcome, got %s", env.Type)
	}
	var welcome agentwire.Welcome
	if err := env.Decode(&welcome); err != nil {
		return err
	}

	interval := c.cfg.HeartbeatInterval
	if welcome.HeartbeatInterval > 0 {
		interval = time.Duration(welcome.HeartbeatInterval) * time.Second
	}
	slog.Info("Connected to control plane",
		"instance_id", welcome.InstanceID, "heartbeat_interval", interval)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(sessionCtx, interval)

	return c.readLoop(sessionCtx, ws)
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := agentwire.NewEnvelope(agentwire.TypeHeartbeat, struct{}{})
			if err != nil {
				return
			}
			if err := c.write(env); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env agentwire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case agentwire.TypeCommand:
			var cmd agentwire.CommandPayload
			if err := env.Decode(&cmd); err != nil {
				slog.Warn("Malformed command frame", "error", err)
				continue
			}
			go c.executeCommand(ctx, cmd)

		case agentwire.TypeTunnelOpen:
			var p agentwire.TunnelOpenPayload
			if err := env.Decode(&p); err != nil {
				slog.Warn("Malformed tunnel request", "error", err)
				continue
			}
			go c.dialTunnel(ctx, p)

		default:
			slog.Debug("Ignoring server frame", "type", env.Type)
		}
	}
}

func (c *Client) executeCommand(ctx context.Context, cmd agentwire.CommandPayload) {
	slog.Info("Executing command",
		"command_id", cmd.CommandID, "session_id", cmd.SessionID, "op", cmd.Op)
	result := c.runtime.Execute(ctx, cmd)

	ack, err := agentwire.NewEnvelope(agentwire.TypeAck, agentwire.AckPayload{
		CommandID: cmd.CommandID,
		OK:        result.OK,
		Error:     result.Error,
	})
	if err != nil {
		slog.Error("Failed to encode ack", "command_id", cmd.CommandID, "error", err)
		return
	}
	if err := c.write(ack); err != nil {
		// The server requeues unacknowledged commands; the retry will reach
		// us on the next connection.
		slog.Warn("Failed to send ack", "command_id", cmd.CommandID, "error", err)
		return
	}

	if result.Report != nil {
		if err := c.SendStatus(*result.Report); err != nil {
			slog.Warn("Failed to send status report",
				"session_id", cmd.SessionID, "error", err)
		}
	}
}

// SendStatus pushes an unsolicited status report for a session.
func (c *Client) SendStatus(report agentwire.StatusReport) error {
	env, err := agentwire.NewEnvelope(agentwire.TypeStatus, report)
	if err != nil {
		return err
	}
	return c.write(env)
}

// dialTunnel opens the agent side of a viewer tunnel and hands it to the
// runtime.
func (c *Client) dialTunnel(ctx context.Context, p agentwire.TunnelOpenPayload) {
	url := c.cfg.ServerURL + "/api/v1/agentwire/tunnel/" + p.TunnelID
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, c.authHeader())
	if err != nil {
		slog.Warn("Failed to dial back tunnel",
			"tunnel_id", p.TunnelID, "session_id", p.SessionID, "error", err)
		return
	}
	slog.Info("Tunnel dialed back", "tunnel_id", p.TunnelID, "session_id", p.SessionID)
	c.runtime.ServeTunnel(ctx, p, conn)
}

func (c *Client) write(env *agentwire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	return c.ws.WriteJSON(env)
}
