package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret")
	userID, tenantID := uuid.New(), uuid.New()

	token, err := svc.Generate(userID, tenantID, RoleProctor, time.Hour)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, tenantID, claims.TenantID)
	assert.Equal(t, RoleProctor, claims.Role)
}

func TestJWTService_Validate(t *testing.T) {
	svc := NewJWTService("test-secret")

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewJWTService("other-secret").Generate(uuid.New(), uuid.New(), RoleCandidate, time.Hour)
		require.NoError(t, err)
		_, err = svc.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.Generate(uuid.New(), uuid.New(), RoleCandidate, -time.Minute)
		require.NoError(t, err)
		_, err = svc.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Validate("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
