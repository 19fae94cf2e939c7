package doubleratchet

import (
	"bytes"
	"errors"
	"fmt"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/cryptographic/encryption"
	"e2e_crypto/internal/model"
)

const (
	DefaultMaxMessageGap  = 2000
	DefaultMaxSkippedKeys = 40
)

var (
	ErrMessageGapTooLarge = errors.New("doubleratchet: message gap too large")
	ErrDecrypt            = errors.New("doubleratchet: decryption failed")
	ErrNoSendingChain     = errors.New("doubleratchet: no remote ratchet key to send on")
)

type (
	// Config bounds the skipped-message window.
	Config struct {
		// MaxMessageGap is the largest jump in message numbers accepted in a
		// single receive.
		MaxMessageGap uint32 `yaml:"max_message_gap" json:"max_message_gap"`
		// MaxSkippedKeys caps stored keys for messages not yet received; the
		// oldest are evicted first.
		MaxSkippedKeys int `yaml:"max_skipped_keys" json:"max_skipped_keys"`
	}

	SkippedKey struct {
		Pub    []byte `json:"pub"`
		MsgNum uint32 `json:"n"`
		Key    []byte `json:"key"`
	}

	RatchetState struct {
		RootKey []byte `json:"root_key"`

		// Our current DH (private/public) used for sending ratchets
		DHsPriv []byte `json:"dhs_priv,omitempty"`
		DHsPub  []byte `json:"dhs_pub,omitempty"`

		// Remote party's current DH public key
		DHr []byte `json:"dhr,omitempty"`

		// Chain keys and counters
		SendingChainKey   []byte `json:"cks,omitempty"`
		ReceivingChainKey []byte `json:"ckr,omitempty"`
		Ns                uint32 `json:"ns"`
		Nr                uint32 `json:"nr"`
		PN                uint32 `json:"pn"`

		// Skipped message keys in insertion order.
		Skipped []SkippedKey `json:"skipped,omitempty"`
	}
)

func DefaultConfig() Config {
	return Config{MaxMessageGap: DefaultMaxMessageGap, MaxSkippedKeys: DefaultMaxSkippedKeys}
}

func (c Config) withDefaults() Config {
	if c.MaxMessageGap == 0 {
		c.MaxMessageGap = DefaultMaxMessageGap
	}
	if c.MaxSkippedKeys <= 0 {
		c.MaxSkippedKeys = DefaultMaxSkippedKeys
	}
	return c
}

// NewSenderState initialises the initiator side. The initiator owns a fresh
// ratchet key and can send immediately on the chain derived from the secret.
func NewSenderState(sharedSecret []byte) (*RatchetState, error) {
	rootKey, chainKey, err := InitialKeys(sharedSecret)
	if err != nil {
		return nil, err
	}
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &RatchetState{
		RootKey:         rootKey,
		DHsPriv:         priv[:],
		DHsPub:          pub[:],
		SendingChainKey: chainKey,
	}, nil
}

// NewReceiverState initialises the responder side from the initiator's first
// ratchet key. The responder ratchets before its first send.
func NewReceiverState(sharedSecret, theirRatchetPub []byte) (*RatchetState, error) {
	rootKey, chainKey, err := InitialKeys(sharedSecret)
	if err != nil {
		return nil, err
	}
	return &RatchetState{
		RootKey:           rootKey,
		DHr:               append([]byte(nil), theirRatchetPub...),
		ReceivingChainKey: chainKey,
	}, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Clone returns a deep copy so a receive attempt can be discarded on failure.
func (s *RatchetState) Clone() *RatchetState {
	c := &RatchetState{
		RootKey:           cloneBytes(s.RootKey),
		DHsPriv:           cloneBytes(s.DHsPriv),
		DHsPub:            cloneBytes(s.DHsPub),
		DHr:               cloneBytes(s.DHr),
		SendingChainKey:   cloneBytes(s.SendingChainKey),
		ReceivingChainKey: cloneBytes(s.ReceivingChainKey),
		Ns:                s.Ns,
		Nr:                s.Nr,
		PN:                s.PN,
	}
	if len(s.Skipped) > 0 {
		c.Skipped = make([]SkippedKey, len(s.Skipped))
		for i, k := range s.Skipped {
			c.Skipped[i] = SkippedKey{Pub: cloneBytes(k.Pub), MsgNum: k.MsgNum, Key: cloneBytes(k.Key)}
		}
	}
	return c
}

// HasReceived reports whether any message from the peer was accepted.
func (s *RatchetState) HasReceived() bool {
	return s.ReceivingChainKey != nil
}

// InitiateSendingRatchet generates a new DH key for this party and derives a
// sending chain key (CKs). Call this before sending the first message of a
// new sending chain.
func (s *RatchetState) InitiateSendingRatchet() error {
	if len(s.DHr) == 0 {
		return ErrNoSendingChain
	}

	// new ephemeral DH key pair
	newPriv, newPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}

	// DH with the *current* remote public key
	shared, err := dh.X25519SharedSecret(newPriv[:], s.DHr)
	if err != nil {
		return fmt.Errorf("X25519 during InitiateSendingRatchet: %w", err)
	}

	// Update RK and derive the sending chain key
	s.RootKey, s.SendingChainKey, err = KDFRootKey(s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("InitiateSendingRatchet: %w", err)
	}

	// commit the new DH key pair as our current sending key
	s.DHsPriv = newPriv[:]
	s.DHsPub = newPub[:]
	s.Ns = 0
	return nil
}

func (s *RatchetState) storeSkipped(pub []byte, msgNum uint32, key []byte, limit int) {
	s.Skipped = append(s.Skipped, SkippedKey{Pub: cloneBytes(pub), MsgNum: msgNum, Key: key})
	if over := len(s.Skipped) - limit; over > 0 {
		s.Skipped = append([]SkippedKey(nil), s.Skipped[over:]...)
	}
}

func (s *RatchetState) takeSkipped(pub []byte, msgNum uint32) ([]byte, bool) {
	for i, k := range s.Skipped {
		if k.MsgNum == msgNum && bytes.Equal(k.Pub, pub) {
			s.Skipped = append(s.Skipped[:i:i], s.Skipped[i+1:]...)
			return k.Key, true
		}
	}
	return nil, false
}

// saveSkippedMessages fills the skipped list for messages that were not received.
// until: generate keys for message indices [Nr, until)
func (s *RatchetState) saveSkippedMessages(cfg Config, until uint32) error {
	if s.ReceivingChainKey == nil || until <= s.Nr {
		return nil
	}

	if until-s.Nr > cfg.MaxMessageGap {
		return fmt.Errorf("%w: %d messages skipped (max %d)", ErrMessageGapTooLarge, until-s.Nr, cfg.MaxMessageGap)
	}

	for s.Nr < until {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		s.storeSkipped(s.DHr, s.Nr, msgKey, cfg.MaxSkippedKeys)
		s.Nr++
	}
	return nil
}

// Send produces a header and ciphertext for the plaintext message.
// It will produce a new sending chain (ratchet) if SendingChainKey is nil.
func (s *RatchetState) Send(plaintext []byte) (*model.Header, []byte, error) {
	// ensure we have a sending chain key; if not, start a ratchet
	if s.SendingChainKey == nil {
		if err := s.InitiateSendingRatchet(); err != nil {
			return nil, nil, err
		}
	}

	msgNum := s.Ns
	// derive next sender chain key and message key
	nextChain, msgKey, err := KDFChainKey(s.SendingChainKey)
	if err != nil {
		return nil, nil, err
	}

	var hdr model.Header
	copy(hdr.Pub[:], s.DHsPub)
	hdr.MsgNum = msgNum
	hdr.Prev = s.PN

	ct, err := encryption.AEADEncrypt(msgKey, plaintext, hdr.AAD())
	if err != nil {
		return nil, nil, err
	}

	s.SendingChainKey = nextChain
	s.Ns++
	return &hdr, ct, nil
}

// Receive consumes a header and ciphertext, returns plaintext or error.
// It handles skipped messages and incoming ratchets. On error the state may
// be partially advanced; callers work on a Clone and keep it only on success.
func (s *RatchetState) Receive(cfg Config, h model.Header, ciphertext []byte) ([]byte, error) {
	cfg = cfg.withDefaults()

	// First, if this exact message was previously stored in skipped, use it
	if mk, ok := s.takeSkipped(h.Pub[:], h.MsgNum); ok {
		plain, err := encryption.AEADDecrypt(mk, ciphertext, h.AAD())
		if err != nil {
			return nil, ErrDecrypt
		}
		return plain, nil
	}

	// If header's pub != current DHr, a DH ratchet happened (sender generated a new DH)
	if !bytes.Equal(h.Pub[:], s.DHr) {
		if len(s.DHsPriv) == 0 {
			return nil, ErrDecrypt
		}

		// Save skipped keys for the *old* receiving chain up to h.Prev (PN)
		if err := s.saveSkippedMessages(cfg, h.Prev); err != nil {
			return nil, err
		}

		shared, err := dh.X25519SharedSecret(s.DHsPriv, h.Pub[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}

		s.RootKey, s.ReceivingChainKey, err = KDFRootKey(s.RootKey, shared)
		if err != nil {
			return nil, err
		}

		// adopt new remote public key; our next send starts a new chain
		s.DHr = cloneBytes(h.Pub[:])
		s.PN = s.Ns
		s.Ns = 0
		s.Nr = 0
		s.SendingChainKey = nil
	}

	if h.MsgNum < s.Nr {
		// already consumed and not in the skipped list
		return nil, ErrDecrypt
	}

	// Now generate skipped message keys within the receiving chain up to h.MsgNum
	if err := s.saveSkippedMessages(cfg, h.MsgNum); err != nil {
		return nil, err
	}

	var msgKey []byte
	var err error
	s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	s.Nr++

	plain, err := encryption.AEADDecrypt(msgKey, ciphertext, h.AAD())
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
