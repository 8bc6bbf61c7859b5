package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Gate checks clients against one shared secret.
type Gate struct {
	secret []byte
}

func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Check compares token with the secret in constant time.
func (g *Gate) Check(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if len(g.secret) == 0 || subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// TokenFromRequest returns the "token" query parameter, falling back to a
// Bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken extracts the token from "Bearer <token>", or returns "".
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
