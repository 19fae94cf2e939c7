package model

import (
	"testing"

	"e2e_crypto/internal/cryptographic/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreKeyMessageEncoding(t *testing.T) {
	m := &PreKeyMessage{
		IdentityKey: [32]byte{1},
		BaseKey:     [32]byte{2},
		OneTimeKey:  [32]byte{3},
		Message: Message{
			Header:     Header{Pub: [32]byte{4}, MsgNum: 7, Prev: 2},
			Ciphertext: []byte("ct"),
		},
	}

	got, err := DecodePreKeyMessage(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = DecodePreKeyMessage([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = DecodeMessage(append([]byte{9}, make([]byte, 50)...))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDeviceKeysSignature(t *testing.T) {
	pub, priv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)

	dk := &DeviceKeys{
		UserID:     "@alice:example.org",
		DeviceID:   "ALICEDEV",
		Algorithms: []string{AlgorithmOlm, AlgorithmMegolm},
		Keys: map[string]string{
			KeyID(KeyEd25519, "ALICEDEV"):    EncodeBase64(pub),
			KeyID(KeyCurve25519, "ALICEDEV"): EncodeBase64(make([]byte, 32)),
		},
	}
	sig, err := SignJSON(dk, priv)
	require.NoError(t, err)
	dk.Signatures = dk.Signatures.Add(dk.UserID, KeyID(KeyEd25519, dk.DeviceID), sig)

	require.NoError(t, dk.VerifySelfSignature())

	dk.Keys[KeyID(KeyCurve25519, "ALICEDEV")] = EncodeBase64([]byte("tampered-tampered-tampered-12345"))
	assert.ErrorIs(t, dk.VerifySelfSignature(), ErrInvalidSignature)
}

func TestCanonicalJSONIgnoresSignatures(t *testing.T) {
	a := &CrossSigningKey{UserID: "@u:x", Usage: []string{UsageMaster}, Keys: map[string]string{"ed25519:k": "k"}}
	b := *a
	b.Signatures = Signatures{}.Add("@u:x", "ed25519:k", "sig")

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(&b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
	assert.Equal(t, `{"keys":{"ed25519:k":"k"},"usage":["master"],"user_id":"@u:x"}`, string(ca))
}

func TestDecodeBase64AcceptsPadding(t *testing.T) {
	b, err := DecodeBase64("aGk=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), b)
	assert.Equal(t, "aGk", EncodeBase64([]byte("hi")))
}
