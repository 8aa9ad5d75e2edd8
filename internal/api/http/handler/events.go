package handler

import (
	"log/slog"
	"net/http"

	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// EventsHandler streams org-scoped session events over a websocket.
type EventsHandler struct {
	broadcaster *events.Broadcaster
	jwtSecret   string
	upgrader    websocket.Upgrader
}

func NewEventsHandler(broadcaster *events.Broadcaster, jwtSecret string) *EventsHandler {
	return &EventsHandler{
		broadcaster: broadcaster,
		jwtSecret:   jwtSecret,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stream pushes session events until the client disconnects. The user token
// rides the query string because browser websocket clients cannot set
// headers.
// GET /events?token=...
func (h *EventsHandler) Stream(c *gin.Context) {
	claims, err := auth.ValidateToken(h.jwtSecret, c.Query("token"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade events connection", "error", err)
		return
	}
	defer ws.Close()

	sub := h.broadcaster.Subscribe(claims.OrgID)
	defer h.broadcaster.Unsubscribe(sub)

	// The read loop only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
