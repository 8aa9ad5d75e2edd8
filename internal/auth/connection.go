package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultConnectionTTL bounds a viewer connection token's life. There is
// no revocation list: expiry is the only invalidation mechanism, so the
// window stays short.
const DefaultConnectionTTL = time.Hour

// ConnectionClaims authorize one viewer to open a tunnel to one session.
// The embedded org id is re-checked against the live session record at
// proxy time, which defangs a stale token should a session ever move
// between organizations.
type ConnectionClaims struct {
	SessionID string `json:"sid"`
	OrgID     string `json:"org"`
	jwt.RegisteredClaims
}

// GenerateConnectionToken issues a short-lived token scoped to a single
// session.
func GenerateConnectionToken(secret, sessionID, userID, orgID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}

	now := time.Now()
	claims := ConnectionClaims{
		SessionID: sessionID,
		OrgID:     orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign connection token: %w", err)
	}
	return signed, nil
}

// ValidateConnectionToken verifies signature and expiry. Statelessness is
// deliberate: validity is a pure function of the token and the clock.
func ValidateConnectionToken(secret, tokenString string) (*ConnectionClaims, error) {
	claims := &ConnectionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.SessionID == "" || claims.OrgID == "" || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
