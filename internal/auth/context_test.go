package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("test-key")

func signToken(t *testing.T, sub, role string, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestJWTContextScopesToSubject(t *testing.T) {
	a, err := NewJWTContext(signToken(t, "alice", "", signingKey), signingKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.UserID())

	d, err := a.Handle(context.Background(), EventThreadsRead, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"owner": "alice"}, d.Filter)
	assert.Equal(t, map[string]interface{}{"owner": "alice"}, d.Mutable)
}

func TestJWTContextAdminSeesEverything(t *testing.T) {
	a, err := NewJWTContext(signToken(t, "root", "admin", signingKey), signingKey)
	require.NoError(t, err)

	d, err := a.Handle(context.Background(), EventAssistantsSearch, nil)
	require.NoError(t, err)
	assert.Nil(t, d.Filter)
	// Created entities still carry ownership.
	assert.Equal(t, map[string]interface{}{"owner": "root"}, d.Mutable)
}

func TestJWTContextRejectsBadTokens(t *testing.T) {
	_, err := NewJWTContext("garbage", signingKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Wrong key.
	_, err = NewJWTContext(signToken(t, "alice", "", []byte("other-key")), signingKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Missing subject.
	_, err = NewJWTContext(signToken(t, "", "", signingKey), signingKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := token.SignedString(signingKey)
	require.NoError(t, err)
	_, err = NewJWTContext(signed, signingKey)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNoopContextAllowsAll(t *testing.T) {
	d, err := NoopContext{}.Handle(context.Background(), EventRunsCancel, nil)
	require.NoError(t, err)
	assert.Nil(t, d.Filter)
	assert.Nil(t, d.Mutable)
	assert.Empty(t, NoopContext{}.UserID())
}
