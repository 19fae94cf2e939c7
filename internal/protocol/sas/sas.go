// Package sas holds the cryptographic half of short authentication string
// verification: the ephemeral key exchange, the start commitment, emoji and
// decimal rendering, and MACs over the keys being verified.
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sort"
	"strings"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/model"
)

var ErrNoSharedSecret = errors.New("sas: peer key not set")

type (
	Emoji struct {
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
	}

	// SAS is one side of the exchange.
	SAS struct {
		priv   []byte
		pub    []byte
		secret []byte
	}

	// Info names both parties in the order the flow fixes for key derivation.
	Info struct {
		FirstUser, FirstDevice, FirstKey    string
		SecondUser, SecondDevice, SecondKey string
		TransactionID                       string
	}
)

func New() (*SAS, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &SAS{priv: priv[:], pub: pub[:]}, nil
}

// Restore rebuilds a SAS from its private key and, if known, the peer key.
func Restore(priv []byte, theirKey string) (*SAS, error) {
	pub, err := dh.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	s := &SAS{priv: priv, pub: pub}
	if theirKey != "" {
		if err := s.SetTheirKey(theirKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SAS) PrivateKey() []byte { return s.priv }

func (s *SAS) PublicKey() string {
	return model.EncodeBase64(s.pub)
}

func (s *SAS) SetTheirKey(key string) error {
	pub, err := model.DecodeKey(key, dh.KeySize)
	if err != nil {
		return err
	}
	secret, err := dh.X25519SharedSecret(s.priv, pub)
	if err != nil {
		return err
	}
	s.secret = secret
	return nil
}

// Commitment binds the committing side's key to the canonical start content.
func Commitment(publicKey string, start *model.VerificationStartContent) (string, error) {
	canonical, err := model.CanonicalJSON(start)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(publicKey))
	h.Write(canonical)
	return model.EncodeBase64(h.Sum(nil)), nil
}

func CommitmentsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (i Info) sasInfo() string {
	return strings.Join([]string{
		"E2E_KEY_VERIFICATION_SAS",
		i.FirstUser, i.FirstDevice, i.FirstKey,
		i.SecondUser, i.SecondDevice, i.SecondKey,
		i.TransactionID,
	}, "|")
}

// Bytes derives n bytes of short authentication string.
func (s *SAS) Bytes(info Info, n int) ([]byte, error) {
	if s.secret == nil {
		return nil, ErrNoSharedSecret
	}
	out := make([]byte, n)
	if _, err := kdf.HKDF(s.secret, nil, []byte(info.sasInfo()), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Emojis renders the first 42 bits as seven emoji.
func (s *SAS) Emojis(info Info) ([]Emoji, error) {
	b, err := s.Bytes(info, 6)
	if err != nil {
		return nil, err
	}
	var bits uint64
	for _, x := range b {
		bits = bits<<8 | uint64(x)
	}
	out := make([]Emoji, 7)
	for i := 0; i < 7; i++ {
		idx := (bits >> uint(48-6*(i+1))) & 0x3f
		out[i] = emojiTable[idx]
	}
	return out, nil
}

// Decimals renders the first 39 bits as three numbers in [1000, 9191].
func (s *SAS) Decimals(info Info) ([3]uint16, error) {
	var out [3]uint16
	b, err := s.Bytes(info, 5)
	if err != nil {
		return out, err
	}
	out[0] = uint16(b[0])<<5 | uint16(b[1])>>3
	out[1] = (uint16(b[1])&0x7)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6
	out[2] = (uint16(b[3])&0x3f)<<7 | uint16(b[4])>>1
	for i := range out {
		out[i] += 1000
	}
	return out, nil
}

// MacInfo builds the per-key MAC derivation info from the sender's view.
func MacInfo(senderUser, senderDevice, receiverUser, receiverDevice, txnID, keyID string) string {
	return strings.Join([]string{
		"E2E_KEY_VERIFICATION_MAC",
		senderUser, senderDevice, receiverUser, receiverDevice, txnID, keyID,
	}, "|")
}

// CalculateMac returns base64 HMAC-SHA256(HKDF(secret, info), input).
func (s *SAS) CalculateMac(input, info string) (string, error) {
	if s.secret == nil {
		return "", ErrNoSharedSecret
	}
	key := make([]byte, 32)
	if _, err := kdf.HKDF(s.secret, nil, []byte(info), key); err != nil {
		return "", err
	}
	return model.EncodeBase64(kdf.HMACSHA256(key, []byte(input))), nil
}

func (s *SAS) VerifyMac(input, info, mac string) bool {
	want, err := s.CalculateMac(input, info)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(mac))
}

// KeyList is the sorted comma-joined list of key ids covered by a mac event.
func KeyList(keyIDs []string) string {
	ids := append([]string(nil), keyIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
