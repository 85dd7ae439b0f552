// Package auth verifies the bearer tokens clients present when connecting.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// JWTVerifier validates HMAC-signed tokens issued by the account service and
// extracts the identity they carry.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the credential. All verification failures are
// reported as realtime.ErrInvalidToken so callers cannot distinguish a forged
// token from an expired one.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (realtime.Identity, error) {
	if credential == "" {
		return realtime.Identity{}, realtime.ErrInvalidToken
	}

	token, err := jwt.Parse(credential, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return realtime.Identity{}, fmt.Errorf("token validation failed: %w", realtime.ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return realtime.Identity{}, fmt.Errorf("unexpected claims type: %w", realtime.ErrInvalidToken)
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return realtime.Identity{}, fmt.Errorf("missing user_id claim: %w", realtime.ErrInvalidToken)
	}

	return realtime.Identity{UserID: userID}, nil
}
