package agentwire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies the kind of frame carried by an Envelope.
type MessageType string

const (
	// Agent -> server.
	TypeHello     MessageType = "hello"
	TypeHeartbeat MessageType = "heartbeat"
	TypeAck       MessageType = "ack"
	TypeStatus    MessageType = "status"

	// Server -> agent.
	TypeCommand    MessageType = "command"
	TypeTunnelOpen MessageType = "tunnel_open"
	TypeWelcome    MessageType = "welcome"
)

// Envelope is the wire frame exchanged on the agent channel. Payload is an
// encoded message matching Type.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the first frame an agent sends after connecting.
type Hello struct {
	AgentID  string `json:"agent_id"`
	Platform string `json:"platform"`
	Version  string `json:"version,omitempty"`
}

// Welcome acknowledges a successful registration.
type Welcome struct {
	InstanceID        string `json:"instance_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// CommandPayload carries one queued command to the agent. Spec is opaque to
// the control plane; agents must treat redelivered commands idempotently.
type CommandPayload struct {
	CommandID string          `json:"command_id"`
	SessionID string          `json:"session_id"`
	Op        string          `json:"op"`
	Spec      json.RawMessage `json:"spec,omitempty"`
}

// AckPayload reports the execution outcome of a command.
type AckPayload struct {
	CommandID string `json:"command_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// StatusReport is the agent's view of a session's runtime state.
type StatusReport struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	AccessURL string `json:"access_url,omitempty"`
}

// TunnelOpenPayload asks the agent to dial back a tunnel connection for a
// viewer that passed token validation.
type TunnelOpenPayload struct {
	TunnelID    string `json:"tunnel_id"`
	SessionID   string `json:"session_id"`
	DisplayAddr string `json:"display_addr,omitempty"`
}

// NewEnvelope wraps a payload into an Envelope with a fresh message id.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return &Envelope{
		ID:      uuid.New().String(),
		Type:    t,
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
