package x3dh

import (
	"testing"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keypair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	priv, pub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)
	return priv[:], pub[:]
}

func TestBothSidesDeriveSameKey(t *testing.T) {
	ikA, ikAPub := keypair(t)
	ekA, ekAPub := keypair(t)
	ikB, ikBPub := keypair(t)
	otkB, otkBPub := keypair(t)

	sk1, err := NewSender().GenerateShareKey(&model.OutboundAgreement{
		IdentityKey: ikA, BaseKey: ekA, TheirIdentityKey: ikBPub, TheirOneTimeKey: otkBPub,
	})
	require.NoError(t, err)

	sk2, err := NewReceiver().GenerateShareKey(&model.InboundAgreement{
		TheirIdentityKey: ikAPub, TheirBaseKey: ekAPub, IdentityKey: ikB, OneTimeKey: otkB,
	})
	require.NoError(t, err)

	assert.Equal(t, sk1, sk2)
	assert.Len(t, sk1, 32)
}

func TestMalformedPeerKey(t *testing.T) {
	ikA, _ := keypair(t)
	ekA, _ := keypair(t)
	_, ikBPub := keypair(t)

	_, err := NewSender().GenerateShareKey(&model.OutboundAgreement{
		IdentityKey: ikA, BaseKey: ekA, TheirIdentityKey: ikBPub, TheirOneTimeKey: []byte("short"),
	})
	assert.ErrorIs(t, err, ErrKeyAgreement)

	_, err = NewSender().GenerateShareKey(&model.OutboundAgreement{
		IdentityKey: ikA, BaseKey: ekA, TheirIdentityKey: ikBPub, TheirOneTimeKey: make([]byte, 32),
	})
	assert.ErrorIs(t, err, ErrKeyAgreement)
}
