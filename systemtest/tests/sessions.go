package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bootstrapOrg registers an organization, enrolls an agent in it, and
// returns an admin token plus the agent and first template ids.
func bootstrapOrg(t *testing.T, router *gin.Engine, org string) (token, agentID, templateID string) {
	t.Helper()

	reg := dto.RegisterRequest{Organization: org, Username: org + "-admin", Password: "password123"}
	rr := doJSON(router, "POST", "/api/v1/auth/register", reg)
	require.Equal(t, http.StatusCreated, rr.Code)

	token = login(t, router, org+"-admin", "password123")

	rr = doJSONWithAuth(router, "POST", "/api/v1/agents",
		dto.EnrollAgentRequest{Name: org + "-agent", Platform: "linux/amd64"}, token)
	require.Equal(t, http.StatusCreated, rr.Code)
	var enrolled dto.EnrollAgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &enrolled))
	require.NotEmpty(t, enrolled.Secret)
	agentID = enrolled.ID

	rr = doJSONWithAuth(router, "GET", "/api/v1/templates", nil, token)
	require.Equal(t, http.StatusOK, rr.Code)
	var tpls dto.ListTemplatesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tpls))
	require.NotEmpty(t, tpls.Templates)
	templateID = tpls.Templates[0].ID

	return token, agentID, templateID
}

func TestSessionLifecycle(t *testing.T, router *gin.Engine) {
	token, agentID, templateID := bootstrapOrg(t, router, "lifecycle")

	var sess dto.SessionResponse

	t.Run("create session", func(t *testing.T) {
		body := dto.CreateSessionRequest{AgentID: agentID, TemplateID: templateID}
		rr := doJSONWithAuth(router, "POST", "/api/v1/sessions", body, token)
		require.Equal(t, http.StatusCreated, rr.Code)

		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sess))
		assert.Equal(t, "running", sess.Desired)
		assert.Equal(t, "pending", sess.Phase)
		assert.Equal(t, agentID, sess.AgentID)
	})

	t.Run("start command enqueued", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/sessions/"+sess.ID+"/commands", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListCommandsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Commands, 1)
		assert.Equal(t, "pending", resp.Commands[0].State)
		assert.Equal(t, agentID, resp.Commands[0].AgentID)
	})

	t.Run("unknown agent rejected", func(t *testing.T) {
		body := dto.CreateSessionRequest{AgentID: "00000000-0000-0000-0000-000000000000", TemplateID: templateID}
		rr := doJSONWithAuth(router, "POST", "/api/v1/sessions", body, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("set desired hibernated", func(t *testing.T) {
		rr := doJSONWithAuth(router, "PUT", "/api/v1/sessions/"+sess.ID+"/desired",
			dto.SetDesiredRequest{Desired: "hibernated"}, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var updated dto.SessionResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &updated))
		assert.Equal(t, "hibernated", updated.Desired)
		// The agent never reported running, so there is nothing to
		// hibernate yet; no second command is enqueued.
		assert.Equal(t, "pending", updated.Phase)

		rr = doJSONWithAuth(router, "GET", "/api/v1/sessions/"+sess.ID+"/commands", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp dto.ListCommandsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Commands, 1)
	})

	t.Run("invalid desired state rejected", func(t *testing.T) {
		rr := doJSONWithAuth(router, "PUT", "/api/v1/sessions/"+sess.ID+"/desired",
			dto.SetDesiredRequest{Desired: "paused"}, token)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("connection token issued", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/api/v1/sessions/"+sess.ID+"/connection-token", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ConnectionTokenResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Contains(t, resp.StreamURL, sess.ID)

		// The stream endpoint refuses a session that is not running,
		// before any upgrade happens.
		req := doJSON(router, "GET", resp.StreamURL+"?token="+resp.Token, nil)
		assert.Equal(t, http.StatusConflict, req.Code)
	})
}

func TestTenantScoping(t *testing.T, router *gin.Engine) {
	tokenA, agentA, templateID := bootstrapOrg(t, router, "tenant-a")

	regB := dto.RegisterRequest{Organization: "tenant-b", Username: "tenant-b-admin", Password: "password123"}
	rr := doJSON(router, "POST", "/api/v1/auth/register", regB)
	require.Equal(t, http.StatusCreated, rr.Code)
	tokenB := login(t, router, "tenant-b-admin", "password123")

	// Org A creates a session.
	rr = doJSONWithAuth(router, "POST", "/api/v1/sessions",
		dto.CreateSessionRequest{AgentID: agentA, TemplateID: templateID}, tokenA)
	require.Equal(t, http.StatusCreated, rr.Code)
	var sess dto.SessionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sess))

	t.Run("sessions invisible across orgs", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/sessions", nil, tokenB)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListSessionsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		for _, s := range resp.Sessions {
			assert.NotEqual(t, sess.ID, s.ID)
		}

		// Knowing the id does not help: not-found, not forbidden, so the
		// response does not confirm the session exists.
		rr = doJSONWithAuth(router, "GET", "/api/v1/sessions/"+sess.ID, nil, tokenB)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("cross-org mutation rejected", func(t *testing.T) {
		rr := doJSONWithAuth(router, "PUT", "/api/v1/sessions/"+sess.ID+"/desired",
			dto.SetDesiredRequest{Desired: "terminated"}, tokenB)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		// The session is untouched.
		rr = doJSONWithAuth(router, "GET", "/api/v1/sessions/"+sess.ID, nil, tokenA)
		require.Equal(t, http.StatusOK, rr.Code)
		var got dto.SessionResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, "running", got.Desired)
	})

	t.Run("agents invisible across orgs", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/agents/"+agentA, nil, tokenB)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("cross-org connection token refused", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/api/v1/sessions/"+sess.ID+"/connection-token", nil, tokenB)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("cross-org session creation refused", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/api/v1/sessions",
			dto.CreateSessionRequest{AgentID: agentA, TemplateID: templateID}, tokenB)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
