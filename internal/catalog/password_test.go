package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := hashPassword("Abcdefg1")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := verifyPassword("Abcdefg1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordProducesDistinctSalts(t *testing.T) {
	h1, err := hashPassword("same-password")
	require.NoError(t, err)
	h2, err := hashPassword("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
