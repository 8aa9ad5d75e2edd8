package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestUserTokenRoundTrip(t *testing.T) {
	cfg := JWTConfig{Secret: testSecret, UserTTL: time.Hour}

	token, err := GenerateToken(cfg, "user-1", "alice", "org-1", "admin")
	require.NoError(t, err)

	claims, err := ValidateToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "admin", claims.Role)
}

func TestUserTokenWrongSecret(t *testing.T) {
	cfg := JWTConfig{Secret: testSecret}
	token, err := GenerateToken(cfg, "user-1", "alice", "org-1", "member")
	require.NoError(t, err)

	_, err = ValidateToken("other-secret", token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestUserTokenExpired(t *testing.T) {
	// Signed directly so the expiry can sit in the past.
	claims := Claims{
		UserID: "user-1",
		OrgID:  "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ValidateToken(testSecret, token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestUserTokenMissingOrgRejected(t *testing.T) {
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ValidateToken(testSecret, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestConnectionTokenRoundTrip(t *testing.T) {
	token, err := GenerateConnectionToken(testSecret, "sess-1", "user-1", "org-1", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateConnectionToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestConnectionTokenExpired(t *testing.T) {
	claims := ConnectionClaims{
		SessionID: "sess-1",
		OrgID:     "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ValidateConnectionToken(testSecret, token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestConnectionTokenNotValidAsUserToken(t *testing.T) {
	// A connection token has no user/org identity claims the user-token
	// validator accepts.
	token, err := GenerateConnectionToken(testSecret, "sess-1", "user-1", "org-1", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateToken(testSecret, token)
	if err == nil {
		// Parsed structurally, but it must not carry a user identity.
		assert.Empty(t, claims.Username)
	}
}

func TestConnectionTokenMissingSessionRejected(t *testing.T) {
	claims := ConnectionClaims{
		OrgID: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ValidateConnectionToken(testSecret, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
