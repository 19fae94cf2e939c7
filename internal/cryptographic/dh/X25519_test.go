package dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX25519Agreement(t *testing.T) {
	aPriv, aPub, err := NewX25519KeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := NewX25519KeyPair()
	require.NoError(t, err)

	s1, err := X25519SharedSecret(aPriv[:], bPub[:])
	require.NoError(t, err)
	s2, err := X25519SharedSecret(bPriv[:], aPub[:])
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	pub, err := PublicKey(aPriv[:])
	require.NoError(t, err)
	assert.Equal(t, aPub[:], pub)
}

func TestX25519RejectsBadKeys(t *testing.T) {
	priv, _, err := NewX25519KeyPair()
	require.NoError(t, err)

	_, err = X25519SharedSecret(priv[:], []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = X25519SharedSecret(priv[:], make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
