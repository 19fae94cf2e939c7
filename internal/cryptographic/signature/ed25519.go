package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

// NewEd25519Keypair returns (pub, priv).
func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

// ED25519Verify never panics on malformed keys or signatures.
func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	pubKey := ed25519.PublicKey(pubKeyBytes)
	return ed25519.Verify(pubKey, message, signature)
}

func PublicFromPrivate(privKeyBytes []byte) []byte {
	return []byte(ed25519.PrivateKey(privKeyBytes).Public().(ed25519.PublicKey))
}

func FromSeed(seed []byte) (pub, priv []byte) {
	priv = ed25519.NewKeyFromSeed(seed)
	return PublicFromPrivate(priv), priv
}
