package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/deskplane/deskplane/internal/agentclient"
	"github.com/deskplane/deskplane/internal/agentwire"
)

// simRuntime is an in-memory stand-in for a real session backend. It tracks
// each session's phase and answers tunnel streams with an echo, which is
// enough to exercise the full control-plane path end to end.
type simRuntime struct {
	agentID string

	mu       sync.Mutex
	sessions map[string]string // session id -> phase
}

func newSimRuntime(agentID string) *simRuntime {
	return &simRuntime{
		agentID:  agentID,
		sessions: make(map[string]string),
	}
}

// Execute applies the op by setting the session's phase. Setting state is
// naturally idempotent, which is what redelivered commands require.
func (r *simRuntime) Execute(ctx context.Context, cmd agentwire.CommandPayload) agentclient.CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var phase, accessURL string
	switch cmd.Op {
	case "start", "resume":
		phase = "running"
		accessURL = fmt.Sprintf("deskplane://%s/%s", r.agentID, cmd.SessionID)
	case "hibernate":
		phase = "hibernated"
	case "destroy":
		phase = "terminated"
		delete(r.sessions, cmd.SessionID)
	default:
		return agentclient.CommandResult{
			OK:    false,
			Error: fmt.Sprintf("unsupported op: %s", cmd.Op),
		}
	}

	if phase != "terminated" {
		r.sessions[cmd.SessionID] = phase
	}
	slog.Info("Session phase changed", "session_id", cmd.SessionID, "phase", phase)

	return agentclient.CommandResult{
		OK: true,
		Report: &agentwire.StatusReport{
			SessionID: cmd.SessionID,
			Phase:     phase,
			AccessURL: accessURL,
		},
	}
}

// ServeTunnel echoes viewer frames back until either side closes. A real
// agent would bridge to the session's display server here.
func (r *simRuntime) ServeTunnel(ctx context.Context, p agentwire.TunnelOpenPayload, conn *websocket.Conn) {
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
