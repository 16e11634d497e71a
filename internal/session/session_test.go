package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, sub, name string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	out, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return out
}

func TestFromTokenReadsClaims(t *testing.T) {
	s, err := FromToken(signed(t, "u-7", "Ana"), "", "")
	require.NoError(t, err)
	require.Equal(t, "u-7", s.UserID)
	require.Equal(t, "Ana", s.DisplayName)
	require.True(t, s.Valid())
}

func TestFromTokenStripsBearerPrefix(t *testing.T) {
	raw := signed(t, "u-7", "")
	s, err := FromToken("Bearer "+raw, "", "")
	require.NoError(t, err)
	require.Equal(t, raw, s.Token)
	require.Equal(t, "u-7", s.DisplayName)
	require.Equal(t, "Bearer "+raw, s.AuthorizationHeader())
}

func TestFromTokenOverrides(t *testing.T) {
	s, err := FromToken(signed(t, "u-7", "Ana"), "u-9", "Ben")
	require.NoError(t, err)
	require.Equal(t, "u-9", s.UserID)
	require.Equal(t, "Ben", s.DisplayName)
}

func TestFromTokenOpaqueNeedsUserID(t *testing.T) {
	_, err := FromToken("opaque-session-token", "", "")
	require.ErrorIs(t, err, ErrNoUserID)

	s, err := FromToken("opaque-session-token", "u-1", "")
	require.NoError(t, err)
	require.Equal(t, "u-1", s.UserID)
}

func TestFromTokenEmpty(t *testing.T) {
	_, err := FromToken("  ", "u-1", "")
	require.ErrorIs(t, err, ErrNoToken)
}
