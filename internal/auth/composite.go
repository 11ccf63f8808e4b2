package auth

import (
	"context"
	"errors"
)

// CompositeVerifier tries each TokenVerifier in order, returning the first
// success. Lets a deployment accept both Firebase ID tokens and
// self-issued JWTs without the caller needing to know which was presented.
type CompositeVerifier struct {
	verifiers []TokenVerifier
}

// NewCompositeVerifier creates a CompositeVerifier.
func NewCompositeVerifier(verifiers ...TokenVerifier) *CompositeVerifier {
	return &CompositeVerifier{verifiers: verifiers}
}

// VerifyToken implements TokenVerifier.
func (c *CompositeVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	var lastErr error
	for _, v := range c.verifiers {
		id, err := v.VerifyToken(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("auth.CompositeVerifier: no verifiers configured")
	}
	return "", lastErr
}
