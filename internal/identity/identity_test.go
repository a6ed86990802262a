package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretRoundTrip(t *testing.T) {
	generated, err := Generate()
	require.NoError(t, err)

	restored, err := FromSecret(generated.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, generated.NodeID(), restored.NodeID())
	assert.Equal(t, generated.Keypair().Public, restored.Keypair().Public)
}

func TestLoadOrGenerate(t *testing.T) {
	a, err := LoadOrGenerate("", false)
	require.NoError(t, err)
	b, err := LoadOrGenerate("", false)
	require.NoError(t, err)
	assert.NotEqual(t, a.NodeID(), b.NodeID())

	c, err := LoadOrGenerate(a.SecretHex(), false)
	require.NoError(t, err)
	assert.Equal(t, a.NodeID(), c.NodeID())
}

func TestFromSecretRejectsGarbage(t *testing.T) {
	_, err := FromSecret("not-hex")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = FromSecret("abcd")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}
