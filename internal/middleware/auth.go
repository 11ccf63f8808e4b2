package middleware

import (
	"context"
	"net/http"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/auth"
	"github.com/connexus-ai/ragbox-backend/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the resolved Principal from the request
// context. Returns nil if no AuthGuard middleware ran.
func PrincipalFromContext(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalKey).(*model.Principal)
	return p
}

// WithPrincipal returns a new context with the given Principal set. Useful
// for testing handlers that depend on Authenticate without the middleware.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Authenticate returns middleware that resolves a Principal via AuthGuard
// and stores it on the request context, thin HTTP plumbing around
// auth.Guard.Resolve — the internal-token/Firebase/anonymous precedence
// itself lives in Guard, not here, grounded on the teacher's
// InternalOrFirebaseAuth/FirebaseAuth middleware shape (bearer extraction,
// internal-header pair) now generalized into one guard call.
func Authenticate(guard *auth.Guard, allowAnonymous bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := guard.Resolve(
				r.Context(),
				r.Header.Get("Authorization"),
				r.Header.Get("X-Internal-Auth"),
				r.Header.Get("X-User-ID"),
				anonymousFingerprint(r),
				allowAnonymous,
			)
			if err != nil {
				apperror.WriteProblem(w, err, r.URL.Path, r.Header.Get("X-Request-ID"))
				return
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// anonymousFingerprint derives a stable identifier for unauthenticated
// callers from their remote address, used to key FREE-tier rate limiting
// when AuthGuard permits anonymous access (spec §4.4).
func anonymousFingerprint(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
