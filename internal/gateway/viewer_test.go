package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskplane/deskplane/internal/heartbeat"
)

// A viewer that only watches sends no data frames, so its record must stay
// fresh through the server's pings alone.
func TestPassiveViewerStaysAlive(t *testing.T) {
	monitor := heartbeat.NewMonitor(heartbeat.Config{
		SweepInterval: 20 * time.Millisecond,
		ViewerTimeout: 80 * time.Millisecond,
	})
	gone := make(chan heartbeat.ViewerRecord, 1)
	monitor.OnViewerGone = func(_ context.Context, rec heartbeat.ViewerRecord, _ int) {
		gone <- rec
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	pingDone := make(chan struct{})
	defer close(pingDone)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.SetPongHandler(func(string) error {
			monitor.TouchViewer("viewer-1")
			return nil
		})
		go pingLoop(ws, 15*time.Millisecond, pingDone)

		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	monitor.TrackViewer(heartbeat.ViewerRecord{ID: "viewer-1", SessionID: "sess-1"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	// The client reads but never writes. Gorilla's default ping handler
	// answers with a pong, the same behavior a browser gives for free.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Several timeout windows pass; the pong-driven touches must keep the
	// record out of the sweep.
	select {
	case rec := <-gone:
		t.Fatalf("viewer %s evicted while its connection was live", rec.ID)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, monitor.ActiveViewers("sess-1"))
}
