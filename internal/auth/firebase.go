package auth

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/auth"
)

// firebaseClient is the interface for Firebase token verification, mirroring
// the teacher's AuthClient — an interface seam so tests can mock it.
type firebaseClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens, grounded on the teacher's
// AuthService.
type FirebaseVerifier struct {
	client firebaseClient
}

// NewFirebaseVerifier creates a FirebaseVerifier.
func NewFirebaseVerifier(client firebaseClient) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

// VerifyToken implements TokenVerifier.
func (v *FirebaseVerifier) VerifyToken(ctx context.Context, idToken string) (string, error) {
	if idToken == "" {
		return "", fmt.Errorf("auth.FirebaseVerifier.VerifyToken: token is empty")
	}
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("auth.FirebaseVerifier.VerifyToken: %w", err)
	}
	return token.UID, nil
}
