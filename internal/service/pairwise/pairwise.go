// Package pairwise runs double ratchet sessions between two devices. They
// carry small to-device payloads, room keys above all.
package pairwise

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/doubleratchet"
	"e2e_crypto/internal/protocol/x3dh"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

var (
	ErrKeyAgreement       = x3dh.ErrKeyAgreement
	ErrUnknownOneTimeKey  = store.ErrUnknownOneTimeKey
	ErrMalformedMessage   = model.ErrMalformedMessage
	ErrMessageGapTooLarge = doubleratchet.ErrMessageGapTooLarge
	ErrDecryptionFailed   = errors.New("pairwise: decryption failed")
	ErrDuplicateMessage   = errors.New("pairwise: message already decrypted")
	ErrNoSession          = errors.New("pairwise: no session with peer")
	ErrNotForThisDevice   = errors.New("pairwise: message not encrypted for this device")
)

type (
	Service struct {
		store   store.CryptoStore
		account *account.Service
		locks   *keylock.KeyLock
		cfg     doubleratchet.Config
		now     func() time.Time
	}

	// DecryptedEvent is a to-device event recovered from a pairwise message
	// whose envelope matched the sender and this device.
	DecryptedEvent struct {
		Sender        string
		SenderDevice  string
		SenderKey     string
		SenderEd25519 string
		Type          string
		Content       json.RawMessage
	}
)

func New(st store.CryptoStore, acc *account.Service, locks *keylock.KeyLock, cfg doubleratchet.Config) *Service {
	return &Service{store: st, account: acc, locks: locks, cfg: cfg, now: time.Now}
}

func lockKey(peerKey string) string {
	return "olm:" + peerKey
}

func sessionID(identityKey, baseKey, oneTimeKey [32]byte) string {
	h := sha256.New()
	h.Write(identityKey[:])
	h.Write(baseKey[:])
	h.Write(oneTimeKey[:])
	return model.EncodeBase64(h.Sum(nil))
}

func messageHash(senderKey string, body []byte) store.MessageHash {
	sum := sha256.Sum256(body)
	return store.MessageHash{SenderKey: senderKey, Hash: model.EncodeBase64(sum[:])}
}

// EstablishOutbound opens a session to a peer from its identity key and a
// claimed one-time key. The session is stored before it is returned.
func (s *Service) EstablishOutbound(ctx context.Context, peerIdentityKey, peerOneTimeKey string) (*store.Session, error) {
	ikB, err := model.DecodeKey(peerIdentityKey, dh.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: identity key: %v", ErrKeyAgreement, err)
	}
	otkB, err := model.DecodeKey(peerOneTimeKey, dh.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: one-time key: %v", ErrKeyAgreement, err)
	}

	acc, err := s.account.Keys(ctx)
	if err != nil {
		return nil, err
	}
	ikPubA, err := dh.PublicKey(acc.IdentityKey)
	if err != nil {
		return nil, err
	}
	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	shared, err := x3dh.NewSender().GenerateShareKey(&model.OutboundAgreement{
		IdentityKey:      acc.IdentityKey,
		BaseKey:          ekPriv[:],
		TheirIdentityKey: ikB,
		TheirOneTimeKey:  otkB,
	})
	if err != nil {
		return nil, err
	}
	state, err := doubleratchet.NewSenderState(shared)
	if err != nil {
		return nil, err
	}

	var pre model.PreKeyMessage
	copy(pre.IdentityKey[:], ikPubA)
	copy(pre.BaseKey[:], ekPub[:])
	copy(pre.OneTimeKey[:], otkB)

	now := s.now().UTC()
	sess := &store.Session{
		ID:      sessionID(pre.IdentityKey, pre.BaseKey, pre.OneTimeKey),
		PeerKey: model.EncodeBase64(ikB),
		State:   state,
		PreKey: &store.PreKeyInfo{
			IdentityKey: pre.IdentityKey[:],
			BaseKey:     pre.BaseKey[:],
			OneTimeKey:  pre.OneTimeKey[:],
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}

	unlock, err := s.locks.Lock(ctx, lockKey(sess.PeerKey))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.store.SaveChanges(ctx, &store.Changes{NewSessions: []*store.Session{sess}}); err != nil {
		return nil, err
	}
	metrics.SessionsCreatedTotal.WithLabelValues("pairwise_outbound").Inc()
	log.Debug("pairwise session created", zap.String("peer", sess.PeerKey), zap.String("session_id", sess.ID))
	return sess, nil
}

// EstablishInbound opens the session a pre-key message announces, decrypts
// its body and consumes the referenced one-time key in the same
// transaction.
func (s *Service) EstablishInbound(ctx context.Context, senderKey string, msg *model.PreKeyMessage) (*store.Session, []byte, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(senderKey))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	return s.establishInbound(ctx, senderKey, msg, nil)
}

func (s *Service) establishInbound(ctx context.Context, senderKey string, msg *model.PreKeyMessage, hash *store.MessageHash) (*store.Session, []byte, error) {
	if model.EncodeBase64(msg.IdentityKey[:]) != senderKey {
		return nil, nil, fmt.Errorf("%w: identity key does not match sender", ErrMalformedMessage)
	}

	otkPub := model.EncodeBase64(msg.OneTimeKey[:])
	otk, fallback, err := s.account.FindKey(ctx, otkPub)
	if err != nil {
		return nil, nil, err
	}
	if otk == nil {
		return nil, nil, ErrUnknownOneTimeKey
	}

	acc, err := s.account.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	shared, err := x3dh.NewReceiver().GenerateShareKey(&model.InboundAgreement{
		TheirIdentityKey: msg.IdentityKey[:],
		TheirBaseKey:     msg.BaseKey[:],
		IdentityKey:      acc.IdentityKey,
		OneTimeKey:       otk.Private,
	})
	if err != nil {
		return nil, nil, err
	}

	state, err := doubleratchet.NewReceiverState(shared, msg.Message.Header.Pub[:])
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := state.Receive(s.cfg, msg.Message.Header, msg.Message.Ciphertext)
	if err != nil {
		return nil, nil, decryptErr(err)
	}

	now := s.now().UTC()
	sess := &store.Session{
		ID:         sessionID(msg.IdentityKey, msg.BaseKey, msg.OneTimeKey),
		PeerKey:    senderKey,
		State:      state,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	changes := &store.Changes{NewSessions: []*store.Session{sess}}
	if !fallback {
		changes.ConsumedOneTimeKeys = []string{otkPub}
	}
	if hash != nil {
		changes.MessageHashes = []store.MessageHash{*hash}
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return nil, nil, err
	}
	if !fallback {
		clear(otk.Private)
	}

	metrics.SessionsCreatedTotal.WithLabelValues("pairwise_inbound").Inc()
	log.Debug("pairwise session accepted",
		zap.String("peer", senderKey), zap.String("session_id", sess.ID), zap.Bool("fallback_key", fallback))
	return sess, plaintext, nil
}

func decryptErr(err error) error {
	if errors.Is(err, doubleratchet.ErrMessageGapTooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
}

// byLastUse orders sessions most recently used first.
func byLastUse(sessions []*store.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].LastUsedAt.Equal(sessions[j].LastUsedAt) {
			return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func (s *Service) HasSession(ctx context.Context, peerKey string) (bool, error) {
	sessions, err := s.store.GetSessions(ctx, peerKey)
	return len(sessions) > 0, err
}

// Encrypt advances the most recently used session with the peer by one
// step. The advanced state is stored before the ciphertext is returned.
func (s *Service) Encrypt(ctx context.Context, peerKey string, plaintext []byte) (*model.OlmCiphertext, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(peerKey))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sessions, err := s.store.GetSessions(ctx, peerKey)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNoSession
	}
	byLastUse(sessions)
	sess := sessions[0]

	hdr, ct, err := sess.State.Send(plaintext)
	if err != nil {
		return nil, err
	}
	msg := model.Message{Header: *hdr, Ciphertext: ct}

	out := &model.OlmCiphertext{Type: model.OlmMessage, Body: model.EncodeBase64(msg.Encode())}
	if sess.PreKey != nil && !sess.State.HasReceived() {
		pre := model.PreKeyMessage{Message: msg}
		copy(pre.IdentityKey[:], sess.PreKey.IdentityKey)
		copy(pre.BaseKey[:], sess.PreKey.BaseKey)
		copy(pre.OneTimeKey[:], sess.PreKey.OneTimeKey)
		out = &model.OlmCiphertext{Type: model.OlmPreKey, Body: model.EncodeBase64(pre.Encode())}
	}

	sess.LastUsedAt = s.now().UTC()
	if err := s.store.SaveChanges(ctx, &store.Changes{Sessions: []*store.Session{sess}}); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt tries every session shared with the sender; the first one that
// authenticates the message wins and only its advanced state is stored.
func (s *Service) Decrypt(ctx context.Context, senderKey string, ct model.OlmCiphertext) ([]byte, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(senderKey))
	if err != nil {
		return nil, err
	}
	defer unlock()

	plaintext, err := s.decrypt(ctx, senderKey, ct)
	if err != nil {
		reason := "failed"
		switch {
		case errors.Is(err, ErrDuplicateMessage):
			reason = "duplicate"
		case errors.Is(err, ErrMessageGapTooLarge):
			reason = "gap"
		case errors.Is(err, ErrMalformedMessage):
			reason = "malformed"
		case errors.Is(err, ErrUnknownOneTimeKey):
			reason = "unknown_one_time_key"
		}
		metrics.DecryptionFailuresTotal.WithLabelValues("pairwise", reason).Inc()
	}
	return plaintext, err
}

func (s *Service) decrypt(ctx context.Context, senderKey string, ct model.OlmCiphertext) ([]byte, error) {
	body, err := model.DecodeBase64(ct.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	hash := messageHash(senderKey, body)
	known, err := s.store.IsMessageKnown(ctx, hash)
	if err != nil {
		return nil, err
	}
	if known {
		return nil, ErrDuplicateMessage
	}

	var msg *model.Message
	var preKey *model.PreKeyMessage
	switch ct.Type {
	case model.OlmPreKey:
		if preKey, err = model.DecodePreKeyMessage(body); err != nil {
			return nil, err
		}
		msg = &preKey.Message
	case model.OlmMessage:
		if msg, err = model.DecodeMessage(body); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedMessage, ct.Type)
	}

	sessions, err := s.store.GetSessions(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	byLastUse(sessions)

	if preKey != nil {
		// A pre-key message for a session we already have is decrypted by
		// that session rather than opening a new one.
		id := sessionID(preKey.IdentityKey, preKey.BaseKey, preKey.OneTimeKey)
		var matching []*store.Session
		for _, sess := range sessions {
			if sess.ID == id {
				matching = append(matching, sess)
			}
		}
		if len(matching) == 0 {
			_, plaintext, err := s.establishInbound(ctx, senderKey, preKey, &hash)
			return plaintext, err
		}
		sessions = matching
	}

	if len(sessions) == 0 {
		return nil, ErrNoSession
	}

	var lastErr error
	for _, sess := range sessions {
		next := sess.State.Clone()
		plaintext, err := next.Receive(s.cfg, msg.Header, msg.Ciphertext)
		if err != nil {
			if lastErr == nil || errors.Is(err, ErrMessageGapTooLarge) {
				lastErr = err
			}
			continue
		}

		sess.State = next
		sess.LastUsedAt = s.now().UTC()
		if sess.State.HasReceived() {
			sess.PreKey = nil
		}
		err = s.store.SaveChanges(ctx, &store.Changes{
			Sessions:      []*store.Session{sess},
			MessageHashes: []store.MessageHash{hash},
		})
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return nil, decryptErr(lastErr)
}

// EncryptEvent wraps an event for one recipient device. The envelope binds
// both parties so the payload cannot be replayed to another device.
func (s *Service) EncryptEvent(ctx context.Context, recipient *store.Device, eventType string, content any) (*model.OlmEncryptedContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(model.OlmPayload{
		Type:          eventType,
		Content:       raw,
		Sender:        id.UserID,
		SenderDevice:  id.DeviceID,
		Keys:          map[string]string{model.KeyEd25519: id.Ed25519},
		Recipient:     recipient.UserID(),
		RecipientKeys: map[string]string{model.KeyEd25519: recipient.Ed25519()},
	})
	if err != nil {
		return nil, err
	}

	ct, err := s.Encrypt(ctx, recipient.Curve25519(), payload)
	if err != nil {
		return nil, err
	}
	return &model.OlmEncryptedContent{
		Algorithm:  model.AlgorithmOlm,
		SenderKey:  id.Curve25519,
		Ciphertext: map[string]model.OlmCiphertext{recipient.Curve25519(): *ct},
	}, nil
}

// DecryptEvent decrypts a to-device m.room.encrypted event from sender and
// checks the envelope.
func (s *Service) DecryptEvent(ctx context.Context, sender string, content *model.OlmEncryptedContent) (*DecryptedEvent, error) {
	if content.Algorithm != model.AlgorithmOlm {
		return nil, fmt.Errorf("%w: algorithm %q", ErrMalformedMessage, content.Algorithm)
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	ct, ok := content.Ciphertext[id.Curve25519]
	if !ok {
		return nil, ErrNotForThisDevice
	}

	plaintext, err := s.Decrypt(ctx, content.SenderKey, ct)
	if err != nil {
		return nil, err
	}

	var payload model.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case payload.Sender != sender:
		return nil, fmt.Errorf("%w: sender mismatch", ErrMalformedMessage)
	case payload.Recipient != id.UserID:
		return nil, fmt.Errorf("%w: recipient mismatch", ErrMalformedMessage)
	case payload.RecipientKeys[model.KeyEd25519] != id.Ed25519:
		return nil, fmt.Errorf("%w: recipient key mismatch", ErrMalformedMessage)
	}

	claimed := payload.Keys[model.KeyEd25519]
	device, err := s.store.GetDeviceByKey(ctx, content.SenderKey)
	if err != nil {
		return nil, err
	}
	if device != nil && (device.UserID() != sender || device.Ed25519() != claimed) {
		return nil, fmt.Errorf("%w: sender keys do not match the known device", ErrMalformedMessage)
	}

	return &DecryptedEvent{
		Sender:        sender,
		SenderDevice:  payload.SenderDevice,
		SenderKey:     content.SenderKey,
		SenderEd25519: claimed,
		Type:          payload.Type,
		Content:       payload.Content,
	}, nil
}
