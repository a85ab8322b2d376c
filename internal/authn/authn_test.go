package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m := NewManager(Config{SigningKey: "test-secret", TokenTTL: time.Minute})

	token, exp, err := m.Issue("user-1", "a@x.com", false)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.False(t, claims.IsAdmin)
}

func TestValidateAcceptsBearerPrefix(t *testing.T) {
	m := NewManager(Config{SigningKey: "test-secret", TokenTTL: time.Minute})
	token, _, err := m.Issue("user-1", "a@x.com", false)
	require.NoError(t, err)

	claims, err := m.Validate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager(Config{SigningKey: "test-secret", TokenTTL: -time.Minute})
	token, _, err := m.Issue("user-1", "a@x.com", false)
	require.NoError(t, err)

	_, err = m.Validate(token)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.Code(err))
}

func TestValidateRejectsTokenFromDifferentSecret(t *testing.T) {
	m1 := NewManager(Config{SigningKey: "secret-a", TokenTTL: time.Minute})
	m2 := NewManager(Config{SigningKey: "secret-b", TokenTTL: time.Minute})

	token, _, err := m1.Issue("user-1", "a@x.com", false)
	require.NoError(t, err)

	_, err = m2.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	m := NewManager(Config{SigningKey: "test-secret", TokenTTL: time.Minute})
	_, err := m.Validate("")
	require.Error(t, err)
}
