package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskplane/deskplane/internal/agentwire"
)

var (
	// ErrAgentOffline means no control-plane instance holds a live
	// connection for the agent. Not an error to end callers: delivery is
	// deferred until the agent's next registration.
	ErrAgentOffline = errors.New("agent offline")
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
)

// RouteIndex is the distributed agent-ownership index. Entries carry a
// short TTL refreshed on heartbeat; the index is a hint, not a lock, and
// dispatch stays correct under stale entries because redelivery is
// idempotent-safe.
type RouteIndex interface {
	Publish(ctx context.Context, agentID, instanceID, addr string) error
	Lookup(ctx context.Context, agentID string) (instanceID, addr string, ok bool, err error)
	Release(ctx context.Context, agentID, instanceID string) error
}

// Relay forwards an envelope to the instance that owns the agent's
// connection.
type Relay interface {
	Forward(ctx context.Context, addr, agentID string, env *agentwire.Envelope) error
}

// AgentConn is the local handle for one live agent connection. Frames
// queued on SendCh are written by the connection's send loop. SendCh is
// never closed: retirement is signaled through the context, so a sender
// holding a stale handle cannot hit a closed channel.
type AgentConn struct {
	ID       string
	OrgID    string
	Platform string
	SendCh   chan *agentwire.Envelope
	LastSeen time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is done once the connection has been evicted or replaced.
func (c *AgentConn) Context() context.Context { return c.ctx }

// Hub owns this instance's agent connections and publishes ownership into
// the distributed index so sibling instances can route commands here.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn

	instanceID string
	advertise  string
	index      RouteIndex
	relay      Relay

	// onRegister runs after a successful registration, outside the lock.
	// The dispatcher hooks it to drain the agent's pending queue.
	onRegister func(agentID string)
}

func New(instanceID, advertiseAddr string, index RouteIndex, relay Relay) *Hub {
	return &Hub{
		conns:      make(map[string]*AgentConn),
		instanceID: instanceID,
		advertise:  advertiseAddr,
		index:      index,
		relay:      relay,
	}
}

// SetOnRegister installs the post-registration hook. Set once during
// wiring, before any agent connects.
func (h *Hub) SetOnRegister(fn func(agentID string)) {
	h.onRegister = fn
}

// Register records a live connection for the agent and claims ownership in
// the distributed index. A duplicate registration from the same agent id is
// a reconnect: the prior connection is evicted, not rejected.
func (h *Hub) Register(ctx context.Context, agentID, orgID, platform string) (*AgentConn, error) {
	h.mu.Lock()
	if existing, ok := h.conns[agentID]; ok {
		slog.Warn("Agent already connected, replacing connection", "agent_id", agentID)
		existing.cancel()
		delete(h.conns, agentID)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &AgentConn{
		ID:       agentID,
		OrgID:    orgID,
		Platform: platform,
		SendCh:   make(chan *agentwire.Envelope, sendChannelBuffer),
		LastSeen: time.Now(),
		ctx:      connCtx,
		cancel:   cancel,
	}
	h.conns[agentID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	if err := h.index.Publish(ctx, agentID, h.instanceID, h.advertise); err != nil {
		slog.Error("Failed to publish agent route", "agent_id", agentID, "error", err)
	}

	slog.Info("Agent registered", "agent_id", agentID, "org_id", orgID, "total_connections", total)

	if h.onRegister != nil {
		go h.onRegister(agentID)
	}
	return conn, nil
}

// Unregister drops the agent's local connection and releases its index
// entry. The agent's command queue is untouched; pending commands wait for
// the next registration.
func (h *Hub) Unregister(ctx context.Context, agentID string) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	if ok {
		conn.cancel()
		delete(h.conns, agentID)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}

	if err := h.index.Release(ctx, agentID, h.instanceID); err != nil {
		slog.Error("Failed to release agent route", "agent_id", agentID, "error", err)
	}
	slog.Info("Agent deregistered", "agent_id", agentID, "total_connections", total)
}

// Get returns the local connection handle, if this instance holds one.
func (h *Hub) Get(agentID string) (*AgentConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[agentID]
	return conn, ok
}

// List returns the agent ids connected to this instance.
func (h *Hub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Touch refreshes the agent's liveness and its index claim.
func (h *Hub) Touch(ctx context.Context, agentID string) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	if ok {
		conn.LastSeen = time.Now()
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if err := h.index.Publish(ctx, agentID, h.instanceID, h.advertise); err != nil {
		slog.Debug("Failed to refresh agent route", "agent_id", agentID, "error", err)
	}
}

// Send queues an envelope on the local connection.
func (h *Hub) Send(agentID string, env *agentwire.Envelope) error {
	h.mu.RLock()
	conn, ok := h.conns[agentID]
	h.mu.RUnlock()

	if !ok {
		return ErrAgentOffline
	}

	select {
	case conn.SendCh <- env:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout queueing message for agent %s", agentID)
	case <-conn.ctx.Done():
		return ErrAgentOffline
	}
}

// Route delivers an envelope to the agent wherever it is connected: local
// connection first, then the distributed index and a relay to the owning
// instance. ErrAgentOffline is returned only when no instance claims the
// agent, or the claimed owner turns out not to hold the connection (a stale
// hint).
func (h *Hub) Route(ctx context.Context, agentID string, env *agentwire.Envelope) error {
	if _, ok := h.Get(agentID); ok {
		return h.Send(agentID, env)
	}

	instanceID, addr, ok, err := h.index.Lookup(ctx, agentID)
	if err != nil {
		return fmt.Errorf("route lookup for agent %s: %w", agentID, err)
	}
	if !ok {
		return ErrAgentOffline
	}
	if instanceID == h.instanceID {
		// Our own stale claim: the connection is gone but the TTL has not
		// elapsed yet.
		return ErrAgentOffline
	}

	slog.Debug("Relaying command to owning instance",
		"agent_id", agentID, "instance_id", instanceID, "addr", addr)
	return h.relay.Forward(ctx, addr, agentID, env)
}

// Evict cancels the agent's connection without waiting for the read loop,
// used by the heartbeat monitor when the agent went quiet.
func (h *Hub) Evict(ctx context.Context, agentID string) {
	h.Unregister(ctx, agentID)
}

// Stop closes every local connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.cancel()
	}
	h.conns = make(map[string]*AgentConn)
}
