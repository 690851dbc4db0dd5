package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// TestTokenIdentity_IssueAndVerify tests that issued tokens carry the owner and device
func TestTokenIdentity_IssueAndVerify(t *testing.T) {
	identity := NewTokenIdentity(testSecret, time.Hour, zerolog.Nop())

	token, expiresAt, err := identity.IssueToken("owner-1", "device-1")
	require.NoError(t, err)

	id, err := identity.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", id.OwnerID)
	assert.Equal(t, "device-1", id.DeviceID)
	assert.NotEmpty(t, id.SessionID)
	assert.WithinDuration(t, expiresAt, id.ExpiresAt, time.Second)
}

// TestTokenIdentity_VerifyRejects tests the tokens that must not be accepted
func TestTokenIdentity_VerifyRejects(t *testing.T) {
	identity := NewTokenIdentity(testSecret, time.Hour, zerolog.Nop())
	other := NewTokenIdentity("other-secret", time.Hour, zerolog.Nop())

	foreign, _, err := other.IssueToken("owner-1", "")
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "owner-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"missing subject", noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := identity.VerifyToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

// TestTokenIdentity_SetAndClear tests that listeners follow sign in and sign out
func TestTokenIdentity_SetAndClear(t *testing.T) {
	identity := NewTokenIdentity(testSecret, time.Hour, zerolog.Nop())
	_, ok := identity.Current()
	assert.False(t, ok)

	var changes []bool
	cancel := identity.Watch(func(id models.Identity, ok bool) { changes = append(changes, ok) })

	token, _, err := identity.IssueToken("owner-1", "")
	require.NoError(t, err)
	_, err = identity.SetToken(token)
	require.NoError(t, err)

	current, ok := identity.Current()
	require.True(t, ok)
	assert.Equal(t, "owner-1", current.OwnerID)

	identity.Clear()
	identity.Clear()
	_, ok = identity.Current()
	assert.False(t, ok)
	assert.Equal(t, []bool{true, false}, changes)

	cancel()
	assert.Equal(t, 0, identity.listeners.count())
}

// TestTokenIdentity_Expiry tests that the identity lapses when its token expires
func TestTokenIdentity_Expiry(t *testing.T) {
	identity := NewTokenIdentity(testSecret, 1500*time.Millisecond, zerolog.Nop())

	lost := make(chan struct{}, 1)
	identity.Watch(func(id models.Identity, ok bool) {
		if !ok {
			lost <- struct{}{}
		}
	})

	token, _, err := identity.IssueToken("owner-1", "")
	require.NoError(t, err)
	_, err = identity.SetToken(token)
	require.NoError(t, err)

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("identity did not expire")
	}
	_, ok := identity.Current()
	assert.False(t, ok)
}
