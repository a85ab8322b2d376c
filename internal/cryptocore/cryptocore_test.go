package cryptocore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
	"github.com/r3e-cellvault/cellserver/pkg/logger"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dir := t.TempDir()
	core, err := New(Config{Enabled: true, MasterKeyPath: filepath.Join(dir, "master.key")}, logger.NewDefault("test"))
	require.NoError(t, err)
	return core
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	core := newTestCore(t)
	plaintext := []byte("hello cell")

	env1, err := core.Encrypt(plaintext, "cell1:greet")
	require.NoError(t, err)
	env2, err := core.Encrypt(plaintext, "cell1:greet")
	require.NoError(t, err)

	assert.NotEqual(t, env1.Nonce, env2.Nonce, "nonce must be unique per encrypt")

	got1, err := core.Decrypt(env1)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got1)

	got2, err := core.Decrypt(env2)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got2)
}

func TestDecryptKeyBindingFailsAcrossDataID(t *testing.T) {
	core := newTestCore(t)
	env, err := core.Encrypt([]byte("bound"), "cell1:item1")
	require.NoError(t, err)

	env.DataID = "cell1:item2"
	_, err = core.Decrypt(env)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDecryptFailed, errors.Code(err))
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	core := newTestCore(t)
	env, err := core.Encrypt([]byte("secret"), "d")
	require.NoError(t, err)

	raw, err := unb64(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	env.Ciphertext = b64(raw)

	_, err = core.Decrypt(env)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDecryptFailed, errors.Code(err))
}

func TestVerifyIntegrity(t *testing.T) {
	core := newTestCore(t)
	x := []byte("hash me")
	hx, err := core.Hash(x)
	require.NoError(t, err)

	ok, err := core.VerifyIntegrity(x, hx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = core.VerifyIntegrity([]byte("not x"), hx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledCoreReturnsUnavailable(t *testing.T) {
	core, err := New(Config{Enabled: false}, logger.NewDefault("test"))
	require.NoError(t, err)

	_, err = core.Encrypt([]byte("x"), "d")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.Code(err))
}

func TestRotateDerivedKeyCacheDoesNotBreakRoundTrip(t *testing.T) {
	core := newTestCore(t)
	env, err := core.Encrypt([]byte("stable"), "cell:item")
	require.NoError(t, err)

	core.RotateDerivedKeyCache()

	plaintext, err := core.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), plaintext)
}

func TestComputeSearch(t *testing.T) {
	core := newTestCore(t)
	env, err := core.Encrypt([]byte(`{"name":"Alice","age":30}`), "d")
	require.NoError(t, err)

	result, err := core.Compute("search", env, map[string]interface{}{"query": "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, result["count"])
}

func TestComputeUnsupportedOp(t *testing.T) {
	core := newTestCore(t)
	env, err := core.Encrypt([]byte(`{"a":1}`), "d")
	require.NoError(t, err)

	result, err := core.Compute("bogus", env, nil)
	require.NoError(t, err)
	assert.Equal(t, "unsupported operation", result["error"])
}
