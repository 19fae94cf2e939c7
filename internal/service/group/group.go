// Package group manages megolm room sessions: one outbound session per room
// and any number of inbound sessions per (room, sender key, session id).
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/megolm"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

var (
	ErrUnknownSession          = errors.New("group: unknown session")
	ErrIndexBeforeSessionStart = errors.New("group: message index before session start")
	ErrAuthenticationFailed    = errors.New("group: authentication failed")
	ErrMalformedMessage        = model.ErrMalformedMessage
	ErrNoOutboundSession       = errors.New("group: no outbound session for room")
	ErrSessionExpired          = errors.New("group: outbound session must be rotated")
	ErrNotShared               = errors.New("group: outbound session has unsent shares")
)

var DefaultRotation = store.RotationSettings{MaxMessages: 100, MaxAge: 7 * 24 * time.Hour}

type (
	Config struct {
		RatchetCacheSize int64                  `yaml:"ratchet_cache_size"`
		Rotation         store.RotationSettings `yaml:"rotation"`
	}

	Service struct {
		store   store.CryptoStore
		account *account.Service
		locks   *keylock.KeyLock
		cfg     Config
		cache   *ratchetCache
		now     func() time.Time
	}

	// DecryptionError carries what is known about a message that could not
	// be decrypted. Withheld is set when the sender told us it will not
	// share the session.
	DecryptionError struct {
		RoomID    string
		SenderKey string
		SessionID string
		Index     uint32
		Withheld  *model.RoomKeyWithheldContent
		Err       error
	}

	Decrypted struct {
		Plaintext       []byte
		Index           uint32
		SenderKey       string
		SenderEd25519   string
		SenderDeviceID  string
		ForwardingChain []string
		// Authentic is false for sessions that came from a forward, an
		// import or a backup; the sender cannot be vouched for.
		Authentic bool
	}

	DecryptedEvent struct {
		Decrypted
		Type    string
		Content json.RawMessage
	}
)

func (e *DecryptionError) Error() string {
	msg := fmt.Sprintf("decrypt %s/%s index %d: %v", e.RoomID, e.SessionID, e.Index, e.Err)
	if e.Withheld != nil {
		msg += fmt.Sprintf(" (withheld: %s)", e.Withheld.Code)
	}
	return msg
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func New(st store.CryptoStore, acc *account.Service, locks *keylock.KeyLock, cfg Config) (*Service, error) {
	if cfg.Rotation.MaxMessages == 0 && cfg.Rotation.MaxAge == 0 {
		cfg.Rotation = DefaultRotation
	}
	cache, err := newRatchetCache(cfg.RatchetCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{store: st, account: acc, locks: locks, cfg: cfg, cache: cache, now: time.Now}, nil
}

func (s *Service) Close() {
	s.cache.close()
}

func outboundLock(roomID string) string {
	return "ogs:" + roomID
}

func inboundLock(roomID, senderKey, sessionID string) string {
	return "igs:" + roomID + "|" + senderKey + "|" + sessionID
}

func (s *Service) expired(ogs *store.OutboundGroupSession) bool {
	p := ogs.Settings
	if p.MaxMessages > 0 && ogs.MessageCount >= p.MaxMessages {
		return true
	}
	return p.MaxAge > 0 && s.now().Sub(ogs.CreatedAt) >= p.MaxAge
}

// NeedsRotation reports whether the room has no usable outbound session.
func (s *Service) NeedsRotation(ctx context.Context, roomID string) (bool, error) {
	ogs, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return false, err
	}
	return ogs == nil || ogs.Invalidated || s.expired(ogs), nil
}

// RotateOutbound returns the room's outbound session, replacing it first if
// there is none or it is invalidated or past either rotation bound. A new
// session must be shared before it is used; created tells the caller so.
func (s *Service) RotateOutbound(ctx context.Context, roomID string, policy store.RotationSettings) (ogs *store.OutboundGroupSession, created bool, err error) {
	unlock, err := s.locks.Lock(ctx, outboundLock(roomID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	current, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if current != nil && !current.Invalidated && !s.expired(current) {
		return current, false, nil
	}

	if policy.MaxMessages == 0 && policy.MaxAge == 0 {
		policy = s.cfg.Rotation
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, false, err
	}
	session, err := megolm.NewOutboundSession()
	if err != nil {
		return nil, false, err
	}
	inbound, err := megolm.NewInboundSession(session.SessionKey())
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	ogs = &store.OutboundGroupSession{
		RoomID:     roomID,
		Session:    session,
		Settings:   policy,
		CreatedAt:  now,
		SharedWith: map[string]map[string]store.ShareInfo{},
		Pending:    map[string][]store.PendingShare{},
	}
	own := &store.InboundGroupSession{
		RoomID:         roomID,
		SenderKey:      id.Curve25519,
		SessionID:      session.ID(),
		SenderDeviceID: id.DeviceID,
		SigningKeys:    map[string]string{model.KeyEd25519: id.Ed25519},
		Session:        inbound,
		CreatedAt:      now,
	}
	err = s.store.SaveChanges(ctx, &store.Changes{
		OutboundGroupSessions: []*store.OutboundGroupSession{ogs},
		InboundGroupSessions:  []*store.InboundGroupSession{own},
	})
	if err != nil {
		return nil, false, err
	}

	metrics.SessionsCreatedTotal.WithLabelValues("group_outbound").Inc()
	fields := []zap.Field{zap.String("room_id", roomID), zap.String("session_id", ogs.Session.ID())}
	if current != nil {
		fields = append(fields, zap.String("previous_session_id", current.Session.ID()),
			zap.Uint32("previous_message_count", current.MessageCount))
	}
	log.Debug("outbound group session rotated", fields...)
	return ogs, true, nil
}

// Invalidate forces the next RotateOutbound for the room to create a new
// session, e.g. after a member left or a device got blacklisted.
func (s *Service) Invalidate(ctx context.Context, roomID string) error {
	unlock, err := s.locks.Lock(ctx, outboundLock(roomID))
	if err != nil {
		return err
	}
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil || ogs == nil || ogs.Invalidated {
		return err
	}
	ogs.Invalidated = true
	log.Debug("outbound group session invalidated", zap.String("room_id", roomID), zap.String("session_id", ogs.Session.ID()))
	return s.store.SaveChanges(ctx, &store.Changes{OutboundGroupSessions: []*store.OutboundGroupSession{ogs}})
}

// RoomKey is the content sent to each recipient of the outbound session at
// its current index.
func RoomKey(ogs *store.OutboundGroupSession) *model.RoomKeyContent {
	return &model.RoomKeyContent{
		Algorithm:  model.AlgorithmMegolm,
		RoomID:     ogs.RoomID,
		SessionID:  ogs.Session.ID(),
		SessionKey: ogs.Session.SessionKey(),
	}
}

// SharedWith reports whether the device already holds the session, either
// confirmed or waiting in a pending request.
func SharedWith(ogs *store.OutboundGroupSession, userID, deviceID string) (store.ShareInfo, bool) {
	if info, ok := ogs.SharedWith[userID][deviceID]; ok {
		return info, true
	}
	for _, shares := range ogs.Pending {
		for _, p := range shares {
			if p.UserID == userID && p.DeviceID == deviceID {
				return p.Info, true
			}
		}
	}
	return store.ShareInfo{}, false
}

// AddPendingShare records recipients of a to-device request that carries
// the session key. The session cannot encrypt until MarkShareSent.
func (s *Service) AddPendingShare(ctx context.Context, roomID, sessionID, requestID string, shares []store.PendingShare) error {
	unlock, err := s.locks.Lock(ctx, outboundLock(roomID))
	if err != nil {
		return err
	}
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return err
	}
	if ogs == nil || ogs.Session.ID() != sessionID {
		return ErrNoOutboundSession
	}
	if ogs.Pending == nil {
		ogs.Pending = map[string][]store.PendingShare{}
	}
	ogs.Pending[requestID] = append(ogs.Pending[requestID], shares...)
	return s.store.SaveChanges(ctx, &store.Changes{OutboundGroupSessions: []*store.OutboundGroupSession{ogs}})
}

// RecordWithheld stores the withheld codes sent to devices excluded from the
// room's current session so the notice is not repeated.
func (s *Service) RecordWithheld(ctx context.Context, roomID, sessionID string, codes map[string]map[string]string) error {
	unlock, err := s.locks.Lock(ctx, outboundLock(roomID))
	if err != nil {
		return err
	}
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return err
	}
	if ogs == nil || ogs.Session.ID() != sessionID {
		return ErrNoOutboundSession
	}
	if ogs.Withheld == nil {
		ogs.Withheld = map[string]map[string]string{}
	}
	for userID, devices := range codes {
		if ogs.Withheld[userID] == nil {
			ogs.Withheld[userID] = map[string]string{}
		}
		for deviceID, code := range devices {
			ogs.Withheld[userID][deviceID] = code
		}
	}
	return s.store.SaveChanges(ctx, &store.Changes{OutboundGroupSessions: []*store.OutboundGroupSession{ogs}})
}

// MarkShareSent moves the recipients of a sent request to the shared set.
// It reports whether any outbound session was waiting on the request.
func (s *Service) MarkShareSent(ctx context.Context, requestID string) (bool, error) {
	sessions, err := s.store.OutboundGroupSessions(ctx)
	if err != nil {
		return false, err
	}
	for _, candidate := range sessions {
		if _, ok := candidate.Pending[requestID]; !ok {
			continue
		}
		return true, s.markShareSent(ctx, candidate.RoomID, requestID)
	}
	return false, nil
}

func (s *Service) markShareSent(ctx context.Context, roomID, requestID string) error {
	unlock, err := s.locks.Lock(ctx, outboundLock(roomID))
	if err != nil {
		return err
	}
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil || ogs == nil {
		return err
	}
	shares, ok := ogs.Pending[requestID]
	if !ok {
		return nil
	}
	ogs.MarkShared(requestID)
	changes := &store.Changes{OutboundGroupSessions: []*store.OutboundGroupSession{ogs}}

	id, err := s.account.Identity(ctx)
	if err != nil {
		return err
	}
	sessionID := ogs.Session.ID()
	unlockInbound, err := s.locks.Lock(ctx, inboundLock(roomID, id.Curve25519, sessionID))
	if err != nil {
		return err
	}
	defer unlockInbound()
	igs, err := s.store.GetInboundGroupSession(ctx, roomID, id.Curve25519, sessionID)
	if err != nil {
		return err
	}
	if igs != nil {
		if igs.SharedWith == nil {
			igs.SharedWith = map[string]map[string]store.ShareInfo{}
		}
		for _, p := range shares {
			if igs.SharedWith[p.UserID] == nil {
				igs.SharedWith[p.UserID] = map[string]store.ShareInfo{}
			}
			igs.SharedWith[p.UserID][p.DeviceID] = p.Info
		}
		changes.InboundGroupSessions = []*store.InboundGroupSession{igs}
	}

	log.Debug("room key share sent", zap.String("room_id", roomID), zap.String("request_id", requestID), zap.Int("devices", len(shares)))
	return s.store.SaveChanges(ctx, changes)
}

// EncryptGroup encrypts with the room's outbound session. The advanced
// session is stored before the ciphertext is returned, so an index is never
// handed out twice.
func (s *Service) EncryptGroup(ctx context.Context, roomID string, plaintext []byte) (ciphertext string, index uint32, err error) {
	ciphertext, index, _, err = s.encrypt(ctx, roomID, plaintext)
	return ciphertext, index, err
}

func (s *Service) encrypt(ctx context.Context, roomID string, plaintext []byte) (string, uint32, string, error) {
	unlock, err := s.locks.Lock(ctx, outboundLock(roomID))
	if err != nil {
		return "", 0, "", err
	}
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return "", 0, "", err
	}
	switch {
	case ogs == nil:
		return "", 0, "", ErrNoOutboundSession
	case ogs.Invalidated || s.expired(ogs):
		return "", 0, "", ErrSessionExpired
	case len(ogs.Pending) > 0:
		return "", 0, "", ErrNotShared
	}

	ciphertext, index, err := ogs.Session.Encrypt(plaintext)
	if err != nil {
		return "", 0, "", err
	}
	ogs.MessageCount++
	if err := s.store.SaveChanges(ctx, &store.Changes{OutboundGroupSessions: []*store.OutboundGroupSession{ogs}}); err != nil {
		return "", 0, "", err
	}
	return ciphertext, index, ogs.Session.ID(), nil
}

// EncryptEvent wraps a room event for the room's outbound session.
func (s *Service) EncryptEvent(ctx context.Context, roomID, eventType string, content any) (*model.MegolmEncryptedContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(model.MegolmPayload{Type: eventType, Content: raw, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, _, sessionID, err := s.encrypt(ctx, roomID, payload)
	if err != nil {
		return nil, err
	}
	return &model.MegolmEncryptedContent{
		Algorithm:  model.AlgorithmMegolm,
		SenderKey:  id.Curve25519,
		DeviceID:   id.DeviceID,
		SessionID:  sessionID,
		Ciphertext: ciphertext,
	}, nil
}
