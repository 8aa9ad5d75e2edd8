package commands

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrCommandNotFound = errors.New("command not found")
)

// State is the delivery state of a command. It only advances forward:
// pending -> delivered -> acknowledged, or -> failed after retry exhaustion.
// A delivered command whose ack times out moves back to pending with its
// retry count incremented; acknowledged and failed are terminal.
type State string

const (
	StatePending      State = "pending"
	StateDelivered    State = "delivered"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
)

type Command struct {
	ID          string
	AgentID     string
	OrgID       string
	SessionID   string
	Payload     json.RawMessage
	State       State
	RetryCount  int
	EnqueuedAt  time.Time
	DeliveredAt *time.Time
	AckedAt     *time.Time
	FailReason  string
}
