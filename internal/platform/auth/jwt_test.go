package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "user-123",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", identity.UserID)
}

func TestJWTVerifier_RejectsWrongSecret(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token := signToken(t, "other-secret", jwt.MapClaims{"user_id": "user-123"})
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "user-123",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
}

func TestJWTVerifier_RejectsMissingUserID(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": "whoever"})
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
}

func TestJWTVerifier_RejectsWrongAlgorithm(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	// alg=none tokens must never pass, whatever their claims say.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "user-123"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
}

func TestJWTVerifier_RejectsEmptyCredential(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier("")
	require.Error(t, err)
}
