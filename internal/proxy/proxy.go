// Package proxy relays display-protocol byte streams between viewers and
// session processes: viewer <-> control plane <-> agent <-> session. The
// relay is pass-through; no framing is imposed on the payload beyond the
// websocket messages that carry it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deskplane/deskplane/internal/agentwire"
	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/sessions"
)

var (
	ErrWrongOrg          = errors.New("token organization does not match session")
	ErrSessionNotRunning = errors.New("session is not running")
	ErrAgentUnavailable  = errors.New("agent did not open tunnel")
)

// SessionReader loads the live session record a token is checked against.
type SessionReader interface {
	Get(ctx context.Context, orgID, sessionID string) (*sessions.Session, error)
}

// Router asks the agent, wherever it is connected, to dial back a tunnel.
type Router interface {
	Route(ctx context.Context, agentID string, env *agentwire.Envelope) error
}

type Config struct {
	TokenSecret string
	// DialTimeout bounds how long a viewer waits for the agent to dial
	// back its side of the tunnel.
	DialTimeout time.Duration
}

type Service struct {
	store  SessionReader
	router Router
	broker *Broker
	cfg    Config
}

func NewService(store SessionReader, router Router, broker *Broker, cfg Config) *Service {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Service{store: store, router: router, broker: broker, cfg: cfg}
}

// Authorize validates a connection token against the live session record:
// signature, expiry, session match, organization match, and a running
// phase. The org check uses the session row as it exists now, not as it
// existed at token issuance.
func (s *Service) Authorize(ctx context.Context, sessionID, tokenString string) (*sessions.Session, *auth.ConnectionClaims, error) {
	claims, err := auth.ValidateConnectionToken(s.cfg.TokenSecret, tokenString)
	if err != nil {
		return nil, nil, err
	}
	if claims.SessionID != sessionID {
		return nil, nil, auth.ErrTokenInvalid
	}

	sess, err := s.store.Get(ctx, claims.OrgID, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			// Either the session is gone or the token's org claim does not
			// match its owner; indistinguishable by design.
			return nil, nil, ErrWrongOrg
		}
		return nil, nil, err
	}
	if sess.Phase != sessions.PhaseRunning {
		return nil, nil, ErrSessionNotRunning
	}
	return sess, claims, nil
}

// OpenTunnel asks the session's agent to dial back a connection for a new
// tunnel id and waits for it to arrive.
func (s *Service) OpenTunnel(ctx context.Context, sess *sessions.Session) (string, *websocket.Conn, error) {
	tunnelID := uuid.New().String()
	arrival, cancel := s.broker.Expect(tunnelID, sess.AgentID)
	defer cancel()

	env, err := agentwire.NewEnvelope(agentwire.TypeTunnelOpen, agentwire.TunnelOpenPayload{
		TunnelID:  tunnelID,
		SessionID: sess.ID,
	})
	if err != nil {
		return "", nil, err
	}
	if err := s.router.Route(ctx, sess.AgentID, env); err != nil {
		return "", nil, fmt.Errorf("request tunnel from agent: %w", err)
	}

	select {
	case conn := <-arrival:
		slog.Info("Tunnel established",
			"tunnel_id", tunnelID, "session_id", sess.ID, "agent_id", sess.AgentID)
		return tunnelID, conn, nil
	case <-time.After(s.cfg.DialTimeout):
		return "", nil, ErrAgentUnavailable
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Deliver hands an agent-dialed connection to its waiting viewer. The
// delivering agent must be the one the tunnel was requested from.
func (s *Service) Deliver(tunnelID, agentID string, conn *websocket.Conn) bool {
	return s.broker.Deliver(tunnelID, agentID, conn)
}

// Splice relays websocket messages verbatim in both directions until
// either side closes, then closes the other. onViewerFrame fires for every
// frame read from the viewer so the caller can feed the heartbeat monitor.
func Splice(viewer, agent *websocket.Conn, onViewerFrame func()) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		copyFrames(viewer, agent, onViewerFrame)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		copyFrames(agent, viewer, nil)
	}()

	// First side to fail tears down both; the second goroutine exits on
	// the resulting read error.
	<-done
	viewer.Close()
	agent.Close()
	<-done
}

func copyFrames(src, dst *websocket.Conn, onFrame func()) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if onFrame != nil {
			onFrame()
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
