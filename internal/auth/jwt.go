package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// DevUser is the identity every request gets when authentication is disabled.
const DevUser = "dev"

// UserClaims are the claims of a dashboard user token. Ident is the user
// identifier shown in audit logs and falls back to the subject.
type UserClaims struct {
	jwt.RegisteredClaims
	Ident string `json:"ident,omitempty"`
}

// Authenticator resolves the user behind a dashboard request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWTVerifier validates ES256 bearer tokens.
type JWTVerifier struct {
	publicKey *ecdsa.PublicKey
}

func NewJWTVerifierFromPEM(publicKeyPEM string) (*JWTVerifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return &JWTVerifier{publicKey: publicKey}, nil
}

// Authenticate returns the user ident from the request's bearer token.
func (v *JWTVerifier) Authenticate(r *http.Request) (string, error) {
	tokenStr := BearerToken(r)
	if tokenStr == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return v.Verify(r.Context(), tokenStr)
}

// Verify parses and validates a token and returns its user ident.
func (v *JWTVerifier) Verify(ctx context.Context, tokenStr string) (string, error) {
	claims := &UserClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return v.publicKey, nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("JWT parse error")
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	if claims.Ident != "" {
		return claims.Ident, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
}

// NoAuth accepts every request as DevUser.
type NoAuth struct{}

func (NoAuth) Authenticate(*http.Request) (string, error) {
	return DevUser, nil
}

// BearerToken extracts the JWT from the Authorization header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
