package agents

import (
	"time"
)

// ConnState is the hub's view of an agent's connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnected    ConnState = "connected"
	ConnStale        ConnState = "stale"
)

type Agent struct {
	ID          string
	OrgID       string
	Name        string
	Platform    string
	ConnState   ConnState
	EnrolledAt  time.Time
	LastSeenAt  *time.Time
	FirstSeenAt *time.Time
}
