package encryption

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// XSeal encrypts with XChaCha20-Poly1305 and returns nonce || ciphertext.
func XSeal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return aead.Seal(out, out[:aead.NonceSize()], plaintext, aad), nil
}

func XOpen(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	if len(nonceAndCiphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpen
	}
	nonce := nonceAndCiphertext[:aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, nonceAndCiphertext[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
