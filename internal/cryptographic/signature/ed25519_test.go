package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	require.NoError(t, err)

	sig := ED25519Sign(priv, []byte("msg"))
	assert.True(t, ED25519Verify(pub, []byte("msg"), sig))
	assert.False(t, ED25519Verify(pub, []byte("msh"), sig))
	assert.False(t, ED25519Verify(pub[:3], []byte("msg"), sig))
	assert.False(t, ED25519Verify(pub, []byte("msg"), sig[:10]))
	assert.Equal(t, pub, PublicFromPrivate(priv))
}
