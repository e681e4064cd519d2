// Package auth verifies the bearer credentials presented at connect time.
// Tokens are Supabase-style JWTs: HS256, audience "authenticated", user id
// in the sub claim.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	expectedAudience = "authenticated"
	expectedRole     = "authenticated"
)

// Claims is the minimal identity the engine needs from a verified token.
type Claims struct {
	UserID string
	Email  string
	Role   string
}

type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify checks signature, expiry, audience and role, and extracts the
// caller's user id. Any failure means the connection must be refused.
func (v *Verifier) Verify(token string) (Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return Claims{}, fmt.Errorf("verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("missing token")
	}

	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(expectedAudience),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}

	sub, err := mapClaims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Claims{}, fmt.Errorf("token missing user id")
	}
	role, _ := mapClaims["role"].(string)
	if role != expectedRole {
		return Claims{}, fmt.Errorf("invalid user role")
	}
	email, _ := mapClaims["email"].(string)

	return Claims{UserID: sub, Email: email, Role: role}, nil
}

// TokenFromRequest extracts the credential from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		if token != "" {
			return token, true
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, true
	}
	return "", false
}
