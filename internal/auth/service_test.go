package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(now time.Time) *Service {
	s := NewService("test-secret", "riskengine")
	s.now = func() time.Time { return now }
	return s
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(now)

	t.Run("should round trip claims", func(t *testing.T) {
		token, err := s.Issue("user-1", []string{PermReadRisk}, time.Hour)
		require.NoError(t, err)

		claims, err := s.VerifyToken("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.True(t, claims.Can(PermReadRisk))
		assert.False(t, claims.Can(PermWriteProfile))
		assert.NotEmpty(t, claims.ID)
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		token, err := s.Issue("user-1", nil, time.Minute)
		require.NoError(t, err)

		later := newTestService(now.Add(2 * time.Minute))
		_, err = later.VerifyToken(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should reject a different secret", func(t *testing.T) {
		token, err := NewService("other", "riskengine").Issue("user-1", nil, time.Hour)
		require.NoError(t, err)

		_, err = s.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject a different issuer", func(t *testing.T) {
		other := NewService("test-secret", "someone-else")
		other.now = s.now
		token, err := other.Issue("user-1", nil, time.Hour)
		require.NoError(t, err)

		_, err = s.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject the none algorithm", func(t *testing.T) {
		claims := &Claims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "riskengine",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = s.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject empty and malformed input", func(t *testing.T) {
		for _, raw := range []string{"", "Bearer ", "not.a.token"} {
			_, err := s.VerifyToken(raw)
			assert.ErrorIs(t, err, ErrInvalidToken, raw)
		}
	})
}
