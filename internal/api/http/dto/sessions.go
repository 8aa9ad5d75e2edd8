package dto

import "encoding/json"

type CreateSessionRequest struct {
	AgentID    string          `json:"agent_id" binding:"required"`
	TemplateID string          `json:"template_id" binding:"required"`
	Resources  json.RawMessage `json:"resources,omitempty"`
}

type SetDesiredRequest struct {
	Desired string `json:"desired" binding:"required,oneof=running hibernated terminated"`
}

type SessionResponse struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	TemplateID string          `json:"template_id"`
	OwnerID    string          `json:"owner_id"`
	Desired    string          `json:"desired"`
	Phase      string          `json:"phase"`
	Resources  json.RawMessage `json:"resources,omitempty"`
	AccessURL  string          `json:"access_url,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type ConnectionTokenResponse struct {
	Token     string `json:"token"`
	StreamURL string `json:"stream_url"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

type CommandResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id"`
	State       string `json:"state"`
	RetryCount  int    `json:"retry_count"`
	EnqueuedAt  string `json:"enqueued_at"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	AckedAt     string `json:"acked_at,omitempty"`
	FailReason  string `json:"fail_reason,omitempty"`
}

type ListCommandsResponse struct {
	Commands []CommandResponse `json:"commands"`
}
