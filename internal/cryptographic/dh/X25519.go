package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.PointSize

var ErrInvalidKey = errors.New("dh: invalid curve25519 key")

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// X25519SharedSecret performs priv * pub. Low-order points are rejected.
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, ErrInvalidKey
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return out, nil
}
