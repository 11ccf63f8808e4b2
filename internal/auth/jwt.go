package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier verifies HMAC-signed (HS256/HS384/HS512) bearer tokens, for deployments that
// issue their own tokens instead of Firebase ID tokens — an alternative
// TokenVerifier implementation alongside FirebaseVerifier, since no pack
// example runs Firebase exclusively and golang-jwt is the ecosystem's
// standard token library.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a JWTVerifier keyed by secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type claims struct {
	jwt.RegisteredClaims
}

// VerifyToken implements TokenVerifier. The principal id is the token's
// subject claim.
func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth.JWTVerifier: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth.JWTVerifier.VerifyToken: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("auth.JWTVerifier.VerifyToken: token invalid")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth.JWTVerifier.VerifyToken: missing subject claim")
	}
	return c.Subject, nil
}
