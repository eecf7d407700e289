package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "super-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-123",
		Audience:  jwt.ClaimStrings{"food-calorie"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestJWTVerifier(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "food-calorie")
	require.NoError(t, err)

	subject, err := verifier.Verify(context.Background(), signToken(t, testSecret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-123", subject)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	noSubject := validClaims()
	noSubject.Subject = ""

	rejected := map[string]string{
		"expired":        signToken(t, testSecret, expired),
		"no expiry":      signToken(t, testSecret, noExpiry),
		"wrong audience": signToken(t, testSecret, wrongAudience),
		"no subject":     signToken(t, testSecret, noSubject),
		"wrong secret":   signToken(t, "another-secret", validClaims()),
		"garbage":        "not-a-jwt",
	}
	for name, token := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestJWTVerifierRejectsUnsignedTokens(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier("  ", "")
	assert.Error(t, err)
}
