// Package auth implements AuthGuard: extracting a principal from a bearer
// token, and permitting anonymous access where policy allows (spec §4.4's
// first stage, named "AuthGuard" in the component table).
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"unicode"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
)

// TokenVerifier verifies a bearer token and returns the principal id it
// names. Implementations: Firebase ID tokens (primary) and golang-jwt
// HMAC-signed tokens (fallback for non-Firebase deployments).
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (principalID string, err error)
}

// Guard is AuthGuard: resolves a request's Principal from its Authorization
// header, an internal service-to-service token, or an anonymous fingerprint,
// grounded on the teacher's InternalOrFirebaseAuth/FirebaseAuth middleware
// (bearer extraction, constant-time internal-secret compare).
type Guard struct {
	verifier      TokenVerifier
	principals    *repository.PrincipalRepo
	internalSecret []byte
}

// New creates a Guard.
func New(verifier TokenVerifier, principals *repository.PrincipalRepo, internalSecret string) *Guard {
	return &Guard{verifier: verifier, principals: principals, internalSecret: []byte(internalSecret)}
}

// Resolve extracts a Principal from the request's Authorization header (or
// internal auth headers), falling back to an anonymous FREE-tier principal
// when allowAnonymous is true and no credential is present.
func (g *Guard) Resolve(ctx context.Context, authHeader, internalToken, internalUserID, anonymousFingerprint string, allowAnonymous bool) (*model.Principal, error) {
	if internalToken != "" && internalUserID != "" && len(g.internalSecret) > 0 {
		if subtle.ConstantTimeCompare([]byte(internalToken), g.internalSecret) != 1 {
			return nil, apperror.New(apperror.KindUnauthenticated, "invalid internal auth token")
		}
		userID := strings.TrimSpace(internalUserID)
		if userID == "" || len(userID) > 256 || !isPrintableASCII(userID) {
			return nil, apperror.New(apperror.KindBadInput, "invalid user id")
		}
		return g.loadPrincipal(ctx, userID)
	}

	token := extractBearerToken(authHeader)
	if token == "" {
		if allowAnonymous {
			return model.NewAnonymousPrincipal(anonymousFingerprint), nil
		}
		return nil, apperror.New(apperror.KindUnauthenticated, "missing authorization token")
	}

	principalID, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnauthenticated, "invalid or expired token", err)
	}
	return g.loadPrincipal(ctx, principalID)
}

func (g *Guard) loadPrincipal(ctx context.Context, principalID string) (*model.Principal, error) {
	p, err := g.principals.GetByID(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("auth.Guard.loadPrincipal: %w", err)
	}
	if p == nil {
		return nil, apperror.New(apperror.KindUnauthenticated, "unknown principal")
	}
	// Active/revoked check per spec §7: "inactive or revoked principal → 403".
	if !p.Active {
		return nil, apperror.New(apperror.KindForbidden, "principal is inactive or revoked")
	}
	return p, nil
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
