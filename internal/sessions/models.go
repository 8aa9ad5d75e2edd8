package sessions

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidDesired  = errors.New("invalid desired state")
	ErrInvalidPhase    = errors.New("invalid phase")
)

// DesiredState is the user-expressed intent for a session. It is the only
// session field end users mutate directly.
type DesiredState string

const (
	DesiredRunning    DesiredState = "running"
	DesiredHibernated DesiredState = "hibernated"
	DesiredTerminated DesiredState = "terminated" // terminal
)

// Phase is the agent-reported runtime state. User requests never set it.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRunning    Phase = "running"
	PhaseHibernated Phase = "hibernated"
	PhaseFailed     Phase = "failed"
	PhaseTerminated Phase = "terminated"
)

// Op is the operation carried in a command payload to the agent.
type Op string

const (
	OpStart     Op = "start"
	OpResume    Op = "resume"
	OpHibernate Op = "hibernate"
	OpDestroy   Op = "destroy"
)

type Session struct {
	ID         string
	OrgID      string
	OwnerID    string
	AgentID    string
	TemplateID string
	Desired    DesiredState
	Phase      Phase
	Resources  json.RawMessage
	AccessURL  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func ValidDesired(d DesiredState) bool {
	switch d {
	case DesiredRunning, DesiredHibernated, DesiredTerminated:
		return true
	}
	return false
}

func ValidPhase(p Phase) bool {
	switch p {
	case PhasePending, PhaseRunning, PhaseHibernated, PhaseFailed, PhaseTerminated:
		return true
	}
	return false
}
