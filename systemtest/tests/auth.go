package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/deskplane/deskplane/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthFlow(t *testing.T, router *gin.Engine, jwtSecret string) {
	t.Run("register organization", func(t *testing.T) {
		body := dto.RegisterRequest{Organization: "acme", Username: "acme-admin", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)

		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.RegisterResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "acme-admin", resp.Username)
		assert.Equal(t, "admin", resp.Role)
		assert.NotEmpty(t, resp.OrgID)
	})

	t.Run("duplicate organization", func(t *testing.T) {
		body := dto.RegisterRequest{Organization: "dup-org", Username: "dupadmin", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)
		require.Equal(t, http.StatusCreated, rr.Code)

		body.Username = "otheradmin"
		rr = doJSON(router, "POST", "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("password too short", func(t *testing.T) {
		body := dto.RegisterRequest{Organization: "shortpw-org", Username: "shortpw", Password: "short"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("login success", func(t *testing.T) {
		body := dto.LoginRequest{Username: "acme-admin", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/login", body)

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Token)

		claims, err := auth.ValidateToken(jwtSecret, resp.Token)
		require.NoError(t, err)
		assert.Equal(t, "acme-admin", claims.Username)
		assert.Equal(t, "admin", claims.Role)
		assert.NotEmpty(t, claims.OrgID)
	})

	t.Run("login wrong password", func(t *testing.T) {
		body := dto.LoginRequest{Username: "acme-admin", Password: "wrongpassword"}
		rr := doJSON(router, "POST", "/api/v1/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("protected endpoint without token", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/v1/sessions", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("member cannot enroll agents", func(t *testing.T) {
		adminToken := login(t, router, "acme-admin", "password123")

		createBody := dto.CreateUserRequest{Username: "acme-member", Password: "password123", Role: "member"}
		rr := doJSONWithAuth(router, "POST", "/api/v1/users", createBody, adminToken)
		require.Equal(t, http.StatusCreated, rr.Code)

		memberToken := login(t, router, "acme-member", "password123")
		enrollBody := dto.EnrollAgentRequest{Name: "rogue-agent"}
		rr = doJSONWithAuth(router, "POST", "/api/v1/agents", enrollBody, memberToken)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func login(t *testing.T, router *gin.Engine, username, password string) string {
	t.Helper()
	rr := doJSON(router, "POST", "/api/v1/auth/login", dto.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Token
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
