// Package auth turns opaque client credentials into verified user identities.
package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
)

var (
	// ErrInvalidCredential is returned by verifiers for credentials that are malformed,
	// expired, revoked or otherwise rejected.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrVerifierUnavailable is returned by verifiers that could not reach the identity provider.
	ErrVerifierUnavailable = errors.New("identity verifier unavailable")
)

// Verifier checks a credential with the identity provider and returns its subject.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, credential string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

// Identity is a verified user. The zero value is not a valid identity; the only way to
// obtain one is Gate.Authenticate.
type Identity struct {
	userID string
}

// UserID returns the subject asserted by the identity provider.
func (i Identity) UserID() string { return i.userID }

// IsZero reports whether i was never authenticated.
func (i Identity) IsZero() bool { return i.userID == "" }

// Gate authenticates credentials. Identities are never cached.
type Gate struct {
	verifier Verifier
	logger   *zap.Logger
}

func NewGate(verifier Verifier, logger *zap.Logger) *Gate {
	return &Gate{verifier: verifier, logger: logger.Named("auth")}
}

const authenticateOp = "auth.authenticate"

// Authenticate verifies credential. Rejected credentials produce an apperr.KindAuth error;
// an unreachable or failing verifier produces a transient apperr.KindInternal error so
// the caller can tell "who are you" apart from "try again later".
func (g *Gate) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperr.New(apperr.KindAuth, authenticateOp, "credential required", ErrInvalidCredential)
	}

	subject, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			g.logger.Debug("credential rejected", zap.Error(err))
			return Identity{}, apperr.New(apperr.KindAuth, authenticateOp, "invalid credential", err)
		}
		g.logger.Warn("identity verification failed", zap.Error(err))
		return Identity{}, apperr.NewTransient(apperr.KindInternal, authenticateOp, "identity verifier unavailable", err)
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Identity{}, apperr.New(apperr.KindAuth, authenticateOp, "credential has no subject", ErrInvalidCredential)
	}
	return Identity{userID: subject}, nil
}

type contextKey struct{}

func withIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || identity.IsZero() {
		return Identity{}, false
	}
	return identity, true
}

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	identity, ok := IdentityFrom(ctx)
	if !ok {
		return "", false
	}
	return identity.UserID(), true
}
