package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentExpiry(t *testing.T) {
	m := NewMonitor(Config{AgentTimeout: 50 * time.Millisecond})

	var expired []string
	m.OnAgentExpire = func(ctx context.Context, agentID string) {
		expired = append(expired, agentID)
	}

	m.TrackAgent("agent-1")
	m.TrackAgent("agent-2")

	// agent-2 keeps heartbeating past the timeout window.
	time.Sleep(60 * time.Millisecond)
	m.TouchAgent("agent-2")
	m.sweep(context.Background())

	assert.Equal(t, []string{"agent-1"}, expired)

	// A touched agent that later goes quiet expires too.
	time.Sleep(60 * time.Millisecond)
	m.sweep(context.Background())
	assert.Contains(t, expired, "agent-2")
}

func TestForgetAgentSuppressesExpiry(t *testing.T) {
	m := NewMonitor(Config{AgentTimeout: time.Nanosecond})

	fired := false
	m.OnAgentExpire = func(ctx context.Context, agentID string) { fired = true }

	m.TrackAgent("agent-1")
	m.ForgetAgent("agent-1")
	time.Sleep(time.Millisecond)
	m.sweep(context.Background())

	assert.False(t, fired)
}

func TestTouchUnknownAgentDoesNotTrack(t *testing.T) {
	m := NewMonitor(Config{})
	m.TouchAgent("agent-1")

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.agents)
}

func TestViewerReleaseReportsRemaining(t *testing.T) {
	m := NewMonitor(Config{})

	type release struct {
		viewerID  string
		remaining int
	}
	var releases []release
	m.OnViewerGone = func(ctx context.Context, rec ViewerRecord, remaining int) {
		releases = append(releases, release{rec.ID, remaining})
	}

	m.TrackViewer(ViewerRecord{ID: "v1", SessionID: "sess-1", OrgID: "org-1"})
	m.TrackViewer(ViewerRecord{ID: "v2", SessionID: "sess-1", OrgID: "org-1"})
	assert.Equal(t, 2, m.ActiveViewers("sess-1"))

	m.ReleaseViewer(context.Background(), "v1")
	m.ReleaseViewer(context.Background(), "v2")

	require.Len(t, releases, 2)
	assert.Equal(t, release{"v1", 1}, releases[0])
	assert.Equal(t, release{"v2", 0}, releases[1])
	assert.Equal(t, 0, m.ActiveViewers("sess-1"))
}

func TestViewerExpirySweep(t *testing.T) {
	m := NewMonitor(Config{ViewerTimeout: 50 * time.Millisecond})

	var gone []string
	m.OnViewerGone = func(ctx context.Context, rec ViewerRecord, remaining int) {
		gone = append(gone, rec.ID)
	}

	m.TrackViewer(ViewerRecord{ID: "v1", SessionID: "sess-1"})
	m.TrackViewer(ViewerRecord{ID: "v2", SessionID: "sess-1"})

	time.Sleep(60 * time.Millisecond)
	m.TouchViewer("v2")
	m.sweep(context.Background())

	assert.Equal(t, []string{"v1"}, gone)
	assert.Equal(t, 1, m.ActiveViewers("sess-1"))
}

func TestReleaseUnknownViewerIsNoop(t *testing.T) {
	m := NewMonitor(Config{})

	fired := false
	m.OnViewerGone = func(ctx context.Context, rec ViewerRecord, remaining int) { fired = true }

	m.ReleaseViewer(context.Background(), "nope")
	assert.False(t, fired)
}
