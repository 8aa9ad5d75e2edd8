package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deskplane/deskplane/internal/agentwire"
)

const relayTimeout = 10 * time.Second

// HTTPRelay forwards envelopes to a sibling instance's internal relay
// endpoint, authenticated with the shared cluster API key.
type HTTPRelay struct {
	client *http.Client
	apiKey string
}

func NewHTTPRelay(apiKey string) *HTTPRelay {
	return &HTTPRelay{
		client: &http.Client{Timeout: relayTimeout},
		apiKey: apiKey,
	}
}

func (r *HTTPRelay) Forward(ctx context.Context, addr, agentID string, env *agentwire.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}

	url := fmt.Sprintf("http://%s/internal/relay/%s", addr, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay to %s: %w", addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusGone:
		// The sibling's claim was stale; it no longer holds the connection.
		return ErrAgentOffline
	default:
		return fmt.Errorf("relay to %s: unexpected status %d", addr, resp.StatusCode)
	}
}
