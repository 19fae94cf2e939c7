package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"e2e_crypto/internal/cryptographic/encryption"
	"e2e_crypto/internal/cryptographic/kdf"
)

const (
	metaSaltKey  = "meta/salt"
	metaCheckKey = "meta/check"
	checkValue   = "e2e_crypto store"
)

var ErrWrongPassphrase = errors.New("store: wrong passphrase")

// Cipher encrypts values at rest. The record key is bound as associated data
// so values cannot be swapped between records.
type Cipher struct {
	key []byte
}

func NewCipher(key []byte) *Cipher {
	return &Cipher{key: key}
}

func (c *Cipher) Seal(key string, value []byte) ([]byte, error) {
	return encryption.XSeal(c.key, value, []byte(key))
}

func (c *Cipher) Open(key string, value []byte) ([]byte, error) {
	out, err := encryption.XOpen(c.key, value, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return out, nil
}

// deriveCipher loads or creates the salt and checks the passphrase against
// the stored check value.
func deriveCipher(ctx context.Context, b Backend, passphrase string, params kdf.Argon2Params) (*Cipher, error) {
	var c *Cipher
	err := b.Update(ctx, func(tx Tx) error {
		salt, err := tx.Get(metaSaltKey)
		switch {
		case errors.Is(err, ErrNotFound):
			salt = make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return err
			}
			c = NewCipher(kdf.Argon2id([]byte(passphrase), salt, params, 32))
			check, err := c.Seal(metaCheckKey, []byte(checkValue))
			if err != nil {
				return err
			}
			if err := tx.Set(metaSaltKey, salt); err != nil {
				return err
			}
			return tx.Set(metaCheckKey, check)
		case err != nil:
			return err
		}

		c = NewCipher(kdf.Argon2id([]byte(passphrase), salt, params, 32))
		check, err := tx.Get(metaCheckKey)
		if err != nil {
			return err
		}
		if _, err := c.Open(metaCheckKey, check); err != nil {
			return ErrWrongPassphrase
		}
		return nil
	})
	return c, err
}
