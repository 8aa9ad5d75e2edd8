package proxy

import (
	"sync"

	"github.com/gorilla/websocket"
)

type pendingTunnel struct {
	agentID string
	ch      chan *websocket.Conn
}

// Broker matches viewer tunnels with the agent connections dialed back for
// them. A tunnel id is single-use and bound to the agent it was requested
// from: only that agent's dial-back satisfies it, and the first delivery
// removes the entry.
type Broker struct {
	mu      sync.Mutex
	pending map[string]pendingTunnel
}

func NewBroker() *Broker {
	return &Broker{pending: make(map[string]pendingTunnel)}
}

// Expect registers a tunnel id for the given agent and returns the channel
// the agent-side connection will arrive on, plus a cancel func for the
// caller's teardown path.
func (b *Broker) Expect(tunnelID, agentID string) (<-chan *websocket.Conn, func()) {
	ch := make(chan *websocket.Conn, 1)

	b.mu.Lock()
	b.pending[tunnelID] = pendingTunnel{agentID: agentID, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.pending, tunnelID)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Deliver hands the agent connection to the waiting viewer. Returns false
// when the tunnel id is unknown, already satisfied, or was requested from a
// different agent; a mismatched delivery leaves the entry in place for the
// right one.
func (b *Broker) Deliver(tunnelID, agentID string, conn *websocket.Conn) bool {
	b.mu.Lock()
	p, ok := b.pending[tunnelID]
	if ok && p.agentID != agentID {
		b.mu.Unlock()
		return false
	}
	if ok {
		delete(b.pending, tunnelID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- conn
	return true
}
