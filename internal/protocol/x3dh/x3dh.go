// Package x3dh implements the triple Diffie-Hellman agreement used to open a
// pairwise session against a published one-time key.
package x3dh

import (
	"errors"
	"fmt"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/model"
)

var ErrKeyAgreement = errors.New("x3dh: key agreement failed")

type (
	X3DHBase struct {
	}

	X3DHSender struct {
		*X3DHBase
	}

	X3DHReceiver struct {
		*X3DHBase
	}
)

func NewSender() *X3DHSender {
	return &X3DHSender{X3DHBase: &X3DHBase{}}
}

func NewReceiver() *X3DHReceiver {
	return &X3DHReceiver{X3DHBase: &X3DHBase{}}
}

func (s *X3DHBase) GenerateShareKey(dh1, dh2, dh3 []byte) ([]byte, error) {
	concat := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	sk := make([]byte, 32)
	if _, err := kdf.HKDF(concat, nil, []byte("SharedKey"), sk); err != nil {
		return nil, err
	}
	return sk, nil
}

func agree(priv, pub []byte) ([]byte, error) {
	out, err := dh.X25519SharedSecret(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return out, nil
}

// GenerateShareKey computes DH(I_a, O_b) | DH(E_a, I_b) | DH(E_a, O_b).
func (s *X3DHSender) GenerateShareKey(a *model.OutboundAgreement) ([]byte, error) {
	dh1, err := agree(a.IdentityKey, a.TheirOneTimeKey)
	if err != nil {
		return nil, err
	}

	dh2, err := agree(a.BaseKey, a.TheirIdentityKey)
	if err != nil {
		return nil, err
	}

	dh3, err := agree(a.BaseKey, a.TheirOneTimeKey)
	if err != nil {
		return nil, err
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3)
}

func (s *X3DHReceiver) GenerateShareKey(a *model.InboundAgreement) ([]byte, error) {
	dh1, err := agree(a.OneTimeKey, a.TheirIdentityKey)
	if err != nil {
		return nil, err
	}

	dh2, err := agree(a.IdentityKey, a.TheirBaseKey)
	if err != nil {
		return nil, err
	}

	dh3, err := agree(a.OneTimeKey, a.TheirBaseKey)
	if err != nil {
		return nil, err
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3)
}
