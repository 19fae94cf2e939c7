package megolm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"e2e_crypto/internal/cryptographic/encryption"
	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/cryptographic/signature"
	"e2e_crypto/internal/model"
)

const (
	sessionKeyVersion  = 2
	exportedKeyVersion = 1
	messageVersion     = 3

	signatureLength  = 64
	publicKeyLength  = 32
	sessionKeyLength = 1 + 4 + RatchetLength + publicKeyLength + signatureLength
	exportedLength   = 1 + 4 + RatchetLength + publicKeyLength
	messageHeaderLen = 1 + 4
)

var (
	ErrBadSessionKey     = errors.New("megolm: malformed session key")
	ErrBadMessage        = errors.New("megolm: malformed message")
	ErrAuthentication    = errors.New("megolm: authentication failed")
	ErrIndexBeforeStart  = errors.New("megolm: message index before session start")
	errShortRandomSource = errors.New("megolm: short read from random source")
)

type (
	OutboundSession struct {
		Ratchet    Ratchet `json:"ratchet"`
		SigningKey []byte  `json:"signing_key"`
	}

	InboundSession struct {
		Initial    Ratchet `json:"initial"`
		Latest     Ratchet `json:"latest"`
		SigningKey []byte  `json:"signing_key"`
		// Signed is set when the session key carried a valid signature from
		// the session's own key, i.e. it came straight from the creator.
		Signed bool `json:"signed"`
	}

	// RatchetCache keeps ratchet values at already decrypted indices.
	RatchetCache interface {
		Get(sessionID string, index uint32) (Ratchet, bool)
		Set(sessionID string, r Ratchet)
	}
)

func NewOutboundSession() (*OutboundSession, error) {
	var r Ratchet
	if n, err := rand.Read(r.Data[:]); err != nil {
		return nil, err
	} else if n != RatchetLength {
		return nil, errShortRandomSource
	}
	_, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	return &OutboundSession{Ratchet: r, SigningKey: priv}, nil
}

func (s *OutboundSession) publicKey() []byte {
	return signature.PublicFromPrivate(s.SigningKey)
}

// ID is the base64 signing public key.
func (s *OutboundSession) ID() string {
	return model.EncodeBase64(s.publicKey())
}

func (s *OutboundSession) MessageIndex() uint32 {
	return s.Ratchet.Counter
}

// SessionKey returns the signed key material for the current index.
func (s *OutboundSession) SessionKey() string {
	out := make([]byte, 0, sessionKeyLength)
	out = append(out, sessionKeyVersion)
	out = append(out, s.Ratchet.MarshalBinary()...)
	out = append(out, s.publicKey()...)
	out = append(out, signature.ED25519Sign(s.SigningKey, out)...)
	return model.EncodeBase64(out)
}

func messageKeys(r *Ratchet) (key, nonce []byte, err error) {
	buf := make([]byte, 32+12)
	if _, err := kdf.HKDF(r.Data[:], nil, []byte("MEGOLM_KEYS"), buf); err != nil {
		return nil, nil, err
	}
	return buf[:32], buf[32:], nil
}

// Encrypt returns the base64 message and the index it used; the ratchet then
// moves on so the index is never reused.
func (s *OutboundSession) Encrypt(plaintext []byte) (string, uint32, error) {
	index := s.Ratchet.Counter
	key, nonce, err := messageKeys(&s.Ratchet)
	if err != nil {
		return "", 0, err
	}

	header := make([]byte, messageHeaderLen)
	header[0] = messageVersion
	binary.BigEndian.PutUint32(header[1:], index)

	ct, err := encryption.Seal(key, nonce, plaintext, header)
	if err != nil {
		return "", 0, err
	}

	msg := append(header, ct...)
	msg = append(msg, signature.ED25519Sign(s.SigningKey, msg)...)

	s.Ratchet.Advance()
	return model.EncodeBase64(msg), index, nil
}

func parseRatchet(b []byte) Ratchet {
	var r Ratchet
	r.Counter = binary.BigEndian.Uint32(b[:4])
	copy(r.Data[:], b[4:4+RatchetLength])
	return r
}

// NewInboundSession opens a session from a signed session key.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	b, err := model.DecodeBase64(sessionKey)
	if err != nil || len(b) != sessionKeyLength || b[0] != sessionKeyVersion {
		return nil, ErrBadSessionKey
	}
	pub := b[1+4+RatchetLength : 1+4+RatchetLength+publicKeyLength]
	signed := b[:sessionKeyLength-signatureLength]
	if !signature.ED25519Verify(pub, signed, b[sessionKeyLength-signatureLength:]) {
		return nil, fmt.Errorf("%w: session key signature", ErrAuthentication)
	}

	r := parseRatchet(b[1:])
	return &InboundSession{
		Initial:    r,
		Latest:     r,
		SigningKey: append([]byte(nil), pub...),
		Signed:     true,
	}, nil
}

// ImportInboundSession opens a session from an unsigned export.
func ImportInboundSession(exported string) (*InboundSession, error) {
	b, err := model.DecodeBase64(exported)
	if err != nil || len(b) != exportedLength || b[0] != exportedKeyVersion {
		return nil, ErrBadSessionKey
	}
	r := parseRatchet(b[1:])
	return &InboundSession{
		Initial:    r,
		Latest:     r,
		SigningKey: append([]byte(nil), b[1+4+RatchetLength:]...),
	}, nil
}

func (s *InboundSession) ID() string {
	return model.EncodeBase64(s.SigningKey)
}

func (s *InboundSession) FirstKnownIndex() uint32 {
	return s.Initial.Counter
}

// Export serialises the session from index onwards.
func (s *InboundSession) Export(index uint32) (string, error) {
	if index < s.Initial.Counter {
		return "", ErrIndexBeforeStart
	}
	r := s.Initial
	if s.Latest.Counter <= index {
		r = s.Latest
	}
	if err := r.AdvanceTo(index); err != nil {
		return "", err
	}

	out := make([]byte, 0, exportedLength)
	out = append(out, exportedKeyVersion)
	out = append(out, r.MarshalBinary()...)
	out = append(out, s.SigningKey...)
	return model.EncodeBase64(out), nil
}

// MessageIndex reads the index of a message without decrypting it.
func MessageIndex(message string) (uint32, error) {
	b, err := model.DecodeBase64(message)
	if err != nil || len(b) < messageHeaderLen+signatureLength || b[0] != messageVersion {
		return 0, ErrBadMessage
	}
	return binary.BigEndian.Uint32(b[1:5]), nil
}

// Decrypt verifies and decrypts message. cache may be nil.
func (s *InboundSession) Decrypt(message string, cache RatchetCache) ([]byte, uint32, error) {
	b, err := model.DecodeBase64(message)
	if err != nil || len(b) < messageHeaderLen+signatureLength || b[0] != messageVersion {
		return nil, 0, ErrBadMessage
	}
	body := b[:len(b)-signatureLength]
	if !signature.ED25519Verify(s.SigningKey, body, b[len(b)-signatureLength:]) {
		return nil, 0, ErrAuthentication
	}

	index := binary.BigEndian.Uint32(b[1:5])
	if index < s.Initial.Counter {
		return nil, index, ErrIndexBeforeStart
	}

	sessionID := s.ID()
	r, cached := Ratchet{}, false
	if cache != nil {
		r, cached = cache.Get(sessionID, index)
	}
	if !cached {
		r = s.Initial
		if s.Latest.Counter <= index {
			r = s.Latest
		}
		if err := r.AdvanceTo(index); err != nil {
			return nil, index, err
		}
	}

	key, nonce, err := messageKeys(&r)
	if err != nil {
		return nil, index, err
	}
	plain, err := encryption.Open(key, nonce, body[messageHeaderLen:], body[:messageHeaderLen])
	if err != nil {
		return nil, index, ErrAuthentication
	}

	if cache != nil {
		cache.Set(sessionID, r)
	}
	if index > s.Latest.Counter {
		s.Latest = r
	}
	return plain, index, nil
}
