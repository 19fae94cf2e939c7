package model

import (
	"encoding/binary"
	"errors"
)

const (
	olmMessageVersion    = 1
	olmPreKeyVersion     = 1
	olmHeaderLength      = 1 + 32 + 4 + 4
	olmPreKeyHeaderLenth = 1 + 32*3
)

var ErrMalformedMessage = errors.New("model: malformed message")

type (
	// Header is the message header carried along with each ciphertext.
	Header struct {
		Pub    [32]byte // sender's current ratchet public key
		MsgNum uint32   // message number in the sending chain
		Prev   uint32   // previous sending chain length (PN)
	}

	Message struct {
		Header     Header
		Ciphertext []byte
	}

	// PreKeyMessage carries the key agreement inputs until the peer replies.
	PreKeyMessage struct {
		IdentityKey [32]byte
		BaseKey     [32]byte
		OneTimeKey  [32]byte
		Message     Message
	}
)

// AAD is the header encoding bound into every ciphertext.
func (h Header) AAD() []byte {
	b := make([]byte, 32+4+4)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)
	return b
}

func (m *Message) Encode() []byte {
	out := make([]byte, 0, olmHeaderLength+len(m.Ciphertext))
	out = append(out, olmMessageVersion)
	out = append(out, m.Header.AAD()...)
	return append(out, m.Ciphertext...)
}

func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < olmHeaderLength || b[0] != olmMessageVersion {
		return nil, ErrMalformedMessage
	}
	var m Message
	copy(m.Header.Pub[:], b[1:33])
	m.Header.MsgNum = binary.BigEndian.Uint32(b[33:37])
	m.Header.Prev = binary.BigEndian.Uint32(b[37:41])
	m.Ciphertext = append([]byte(nil), b[olmHeaderLength:]...)
	return &m, nil
}

func (m *PreKeyMessage) Encode() []byte {
	inner := m.Message.Encode()
	out := make([]byte, 0, olmPreKeyHeaderLenth+len(inner))
	out = append(out, olmPreKeyVersion)
	out = append(out, m.IdentityKey[:]...)
	out = append(out, m.BaseKey[:]...)
	out = append(out, m.OneTimeKey[:]...)
	return append(out, inner...)
}

func DecodePreKeyMessage(b []byte) (*PreKeyMessage, error) {
	if len(b) < olmPreKeyHeaderLenth || b[0] != olmPreKeyVersion {
		return nil, ErrMalformedMessage
	}
	var m PreKeyMessage
	copy(m.IdentityKey[:], b[1:33])
	copy(m.BaseKey[:], b[33:65])
	copy(m.OneTimeKey[:], b[65:97])

	inner, err := DecodeMessage(b[olmPreKeyHeaderLenth:])
	if err != nil {
		return nil, err
	}
	m.Message = *inner
	return &m, nil
}
