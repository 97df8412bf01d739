package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthentication indicates a missing or invalid identity at connect time.
var ErrAuthentication = errors.New("authentication required")

// Authenticator resolves a handshake token to a verified user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, displayName string, err error)
}

// JWTAuthenticator verifies HMAC-signed access tokens minted by the identity
// service. The subject claim carries the user id and the name claim the
// display name.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator constructs a verifier over a shared signing secret.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

// Authenticate parses and verifies the token.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (string, string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", "", fmt.Errorf("authenticator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", ErrAuthentication
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !parsed.Valid {
		return "", "", ErrAuthentication
	}

	userID, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(userID) == "" {
		return "", "", ErrAuthentication
	}
	displayName, _ := claims["name"].(string)
	return strings.TrimSpace(userID), strings.TrimSpace(displayName), nil
}

var _ Authenticator = (*JWTAuthenticator)(nil)
