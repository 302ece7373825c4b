package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	auth, err := NewAuthService("test-secret", time.Hour)
	require.NoError(t, err)
	return auth
}

func TestPasswordHashing(t *testing.T) {
	auth := newTestAuth(t)

	hash, err := auth.HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	assert.NoError(t, auth.CheckPassword(hash, "hunter22"))
	assert.ErrorIs(t, auth.CheckPassword(hash, "wrong"), ErrWrongPassword)
}

func TestTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.GenerateToken("user-123")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenWrongSecret(t *testing.T) {
	auth := newTestAuth(t)
	other, err := NewAuthService("different-secret", time.Hour)
	require.NoError(t, err)

	token, err := auth.GenerateToken("user-123")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	auth, err := NewAuthService("test-secret", -time.Minute)
	require.NoError(t, err)

	token, err := auth.GenerateToken("user-123")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRevocation(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.GenerateToken("user-123")
	require.NoError(t, err)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)

	auth.RevokeToken(claims)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Other tokens remain valid
	other, err := auth.GenerateToken("user-123")
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.NoError(t, err)
}

func TestRandomSecretWhenEmpty(t *testing.T) {
	a, err := NewAuthService("", time.Hour)
	require.NoError(t, err)
	b, err := NewAuthService("", time.Hour)
	require.NoError(t, err)

	token, err := a.GenerateToken("user-123")
	require.NoError(t, err)

	_, err = a.ValidateToken(token)
	assert.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/api/user", nil)
	_, err := TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer abc123")
	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	// Header wins over cookie and query param
	r, _ = http.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
	r.AddCookie(&http.Cookie{Name: "auth_token", Value: "fromcookie"})
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "fromcookie", token)

	r, _ = http.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "fromquery", token)
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, roleAtLeast("admin", "moderator"))
	assert.True(t, roleAtLeast("admin", "admin"))
	assert.True(t, roleAtLeast("moderator", "user"))
	assert.False(t, roleAtLeast("moderator", "admin"))
	assert.False(t, roleAtLeast("user", "moderator"))
	assert.True(t, roleAtLeast("user", "user"))
}
