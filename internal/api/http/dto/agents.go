package dto

type EnrollAgentRequest struct {
	Name     string `json:"name" binding:"required,min=1,max=255"`
	Platform string `json:"platform"`
}

type EnrollAgentResponse struct {
	ID string `json:"id"`
	// Secret is returned exactly once; only its hash is stored.
	Secret string `json:"secret"`
}

type AgentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	ConnState   string `json:"conn_state"`
	EnrolledAt  string `json:"enrolled_at"`
	LastSeenAt  string `json:"last_seen_at,omitempty"`
	FirstSeenAt string `json:"first_seen_at,omitempty"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}
