// Package heartbeat tracks liveness for agents and viewer connections and
// evicts the ones that go quiet. Agent eviction is more expensive to
// recover from, so agents get a longer timeout than viewers.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ViewerRecord is the ephemeral bookkeeping for one viewer connection.
type ViewerRecord struct {
	ID        string
	SessionID string
	OrgID     string
	UserID    string
	LastSeen  time.Time
}

type Config struct {
	SweepInterval time.Duration
	AgentTimeout  time.Duration
	ViewerTimeout time.Duration
}

// Monitor keeps last-seen timestamps and runs a fixed-interval sweep.
// OnAgentExpire and OnViewerGone run outside the lock.
type Monitor struct {
	mu      sync.Mutex
	agents  map[string]time.Time
	viewers map[string]*ViewerRecord

	cfg Config

	// OnAgentExpire handles an agent whose heartbeat lapsed: mark it
	// disconnected and drop its route claim. Its command queue stays
	// intact.
	OnAgentExpire func(ctx context.Context, agentID string)

	// OnViewerGone runs whenever a viewer record is released, by sweep or
	// by explicit close. remaining is the session's active viewer count
	// after removal; the idle-hibernate policy hangs off it.
	OnViewerGone func(ctx context.Context, rec ViewerRecord, remaining int)
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 2 * time.Minute
	}
	if cfg.ViewerTimeout <= 0 {
		cfg.ViewerTimeout = 45 * time.Second
	}
	return &Monitor{
		agents:  make(map[string]time.Time),
		viewers: make(map[string]*ViewerRecord),
		cfg:     cfg,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) TrackAgent(agentID string) {
	m.mu.Lock()
	m.agents[agentID] = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) TouchAgent(agentID string) {
	m.mu.Lock()
	if _, ok := m.agents[agentID]; ok {
		m.agents[agentID] = time.Now()
	}
	m.mu.Unlock()
}

// ForgetAgent drops tracking after a clean disconnect, without firing the
// expiry handler.
func (m *Monitor) ForgetAgent(agentID string) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
}

func (m *Monitor) TrackViewer(rec ViewerRecord) {
	rec.LastSeen = time.Now()
	m.mu.Lock()
	m.viewers[rec.ID] = &rec
	m.mu.Unlock()
}

func (m *Monitor) TouchViewer(viewerID string) {
	m.mu.Lock()
	if rec, ok := m.viewers[viewerID]; ok {
		rec.LastSeen = time.Now()
	}
	m.mu.Unlock()
}

// ReleaseViewer removes a viewer record on explicit close and runs the
// same policy hook as a sweep eviction.
func (m *Monitor) ReleaseViewer(ctx context.Context, viewerID string) {
	m.mu.Lock()
	rec, ok := m.viewers[viewerID]
	if ok {
		delete(m.viewers, viewerID)
	}
	var remaining int
	if ok {
		remaining = m.activeViewersLocked(rec.SessionID)
	}
	m.mu.Unlock()

	if ok && m.OnViewerGone != nil {
		m.OnViewerGone(ctx, *rec, remaining)
	}
}

// ActiveViewers counts live viewer connections for a session.
func (m *Monitor) ActiveViewers(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeViewersLocked(sessionID)
}

func (m *Monitor) activeViewersLocked(sessionID string) int {
	n := 0
	for _, rec := range m.viewers {
		if rec.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var expiredAgents []string
	for agentID, last := range m.agents {
		if now.Sub(last) > m.cfg.AgentTimeout {
			expiredAgents = append(expiredAgents, agentID)
			delete(m.agents, agentID)
		}
	}

	type gone struct {
		rec       ViewerRecord
		remaining int
	}
	var expiredViewers []gone
	for id, rec := range m.viewers {
		if now.Sub(rec.LastSeen) > m.cfg.ViewerTimeout {
			delete(m.viewers, id)
			expiredViewers = append(expiredViewers, gone{
				rec:       *rec,
				remaining: m.activeViewersLocked(rec.SessionID),
			})
		}
	}
	m.mu.Unlock()

	for _, agentID := range expiredAgents {
		slog.Warn("Agent heartbeat expired", "agent_id", agentID)
		if m.OnAgentExpire != nil {
			m.OnAgentExpire(ctx, agentID)
		}
	}
	for _, g := range expiredViewers {
		slog.Info("Viewer connection expired",
			"viewer_id", g.rec.ID, "session_id", g.rec.SessionID)
		if m.OnViewerGone != nil {
			m.OnViewerGone(ctx, g.rec, g.remaining)
		}
	}
}
