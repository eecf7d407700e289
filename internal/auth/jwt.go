package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HMAC-signed bearer tokens locally.
type JWTVerifier struct {
	secret   []byte
	audience string
}

// NewJWTVerifier returns a verifier for tokens signed with secret. When audience is set,
// tokens must list it in their aud claim.
func NewJWTVerifier(secret, audience string) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("missing JWT secret")
	}
	return &JWTVerifier{secret: []byte(secret), audience: strings.TrimSpace(audience)}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return "", ErrInvalidCredential
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims.Subject, nil
}
