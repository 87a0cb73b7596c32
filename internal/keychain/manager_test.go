package keychain

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenLifecycle(t *testing.T) {
	m := NewManagerWithRing(keyring.NewArrayKeyring(nil))

	_, err := m.LoadToken()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, m.SaveToken("  tok-123 \n"))
	tok, err := m.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok)

	require.NoError(t, m.ClearToken())
	require.NoError(t, m.ClearToken(), "clearing twice is fine")
	_, err = m.LoadToken()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestSaveTokenRejectsEmpty(t *testing.T) {
	m := NewManagerWithRing(keyring.NewArrayKeyring(nil))
	assert.Error(t, m.SaveToken("   "))
}

func TestResolveTokenPrecedence(t *testing.T) {
	m := NewManagerWithRing(keyring.NewArrayKeyring(nil))
	require.NoError(t, m.SaveToken("from-keychain"))

	t.Setenv(EnvToken, "")
	tok, err := ResolveToken(m)
	require.NoError(t, err)
	assert.Equal(t, "from-keychain", tok)

	t.Setenv(EnvToken, "from-env")
	tok, err = ResolveToken(m)
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)

	t.Setenv(EnvToken, "")
	_, err = ResolveToken(nil)
	assert.ErrorIs(t, err, ErrNoToken)
}
