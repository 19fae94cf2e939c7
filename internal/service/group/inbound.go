package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/megolm"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

// better reports whether candidate should replace current. A session that
// starts earlier always wins; at the same start the one with the shorter
// forwarding chain wins, then a signed session key over an export.
func better(candidate, current *store.InboundGroupSession) bool {
	ci, ei := candidate.Session.FirstKnownIndex(), current.Session.FirstKnownIndex()
	if ci != ei {
		return ci < ei
	}
	ch, eh := len(candidate.ForwardingChain), len(current.ForwardingChain)
	if ch != eh {
		return ch < eh
	}
	return candidate.Session.Signed && !current.Session.Signed
}

// storeInbound saves igs unless an existing session for the same
// (room, sender key, session id) already covers at least as much.
func (s *Service) storeInbound(ctx context.Context, igs *store.InboundGroupSession) (bool, error) {
	unlock, err := s.locks.Lock(ctx, inboundLock(igs.RoomID, igs.SenderKey, igs.SessionID))
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := s.store.GetInboundGroupSession(ctx, igs.RoomID, igs.SenderKey, igs.SessionID)
	if err != nil {
		return false, err
	}
	if current != nil && !better(igs, current) {
		log.Debug("inbound group session kept",
			zap.String("room_id", igs.RoomID), zap.String("session_id", igs.SessionID),
			zap.Uint32("current_first_index", current.Session.FirstKnownIndex()),
			zap.Uint32("offered_first_index", igs.Session.FirstKnownIndex()))
		return false, nil
	}
	if current != nil && igs.SenderDeviceID == "" {
		igs.SenderDeviceID = current.SenderDeviceID
	}

	if err := s.store.SaveChanges(ctx, &store.Changes{InboundGroupSessions: []*store.InboundGroupSession{igs}}); err != nil {
		return false, err
	}
	metrics.SessionsCreatedTotal.WithLabelValues("group_inbound").Inc()
	log.Debug("inbound group session stored",
		zap.String("room_id", igs.RoomID), zap.String("session_id", igs.SessionID),
		zap.Uint32("first_index", igs.Session.FirstKnownIndex()),
		zap.Int("forwarding_hops", len(igs.ForwardingChain)), zap.Bool("imported", igs.Imported))
	return true, nil
}

// AddRoomKey stores a session key received directly from its creator over a
// pairwise channel. senderKey and senderEd25519 are the authenticated keys of
// that channel.
func (s *Service) AddRoomKey(ctx context.Context, senderKey, senderEd25519, senderDeviceID string, content *model.RoomKeyContent) (*store.InboundGroupSession, bool, error) {
	if content.Algorithm != model.AlgorithmMegolm {
		return nil, false, fmt.Errorf("%w: algorithm %q", ErrMalformedMessage, content.Algorithm)
	}
	session, err := megolm.NewInboundSession(content.SessionKey)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if session.ID() != content.SessionID {
		return nil, false, fmt.Errorf("%w: session id does not match session key", ErrMalformedMessage)
	}

	igs := &store.InboundGroupSession{
		RoomID:         content.RoomID,
		SenderKey:      senderKey,
		SessionID:      content.SessionID,
		SenderDeviceID: senderDeviceID,
		SigningKeys:    map[string]string{model.KeyEd25519: senderEd25519},
		Session:        session,
		CreatedAt:      s.now().UTC(),
	}
	stored, err := s.storeInbound(ctx, igs)
	return igs, stored, err
}

// ImportInbound stores an exported session. imported marks sessions coming
// from a backup or an export file rather than a forward.
func (s *Service) ImportInbound(ctx context.Context, key *model.ExportedRoomKey, imported bool) (*store.InboundGroupSession, bool, error) {
	if key.Algorithm != model.AlgorithmMegolm {
		return nil, false, fmt.Errorf("%w: algorithm %q", ErrMalformedMessage, key.Algorithm)
	}
	session, err := megolm.ImportInboundSession(key.SessionKey)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if session.ID() != key.SessionID {
		return nil, false, fmt.Errorf("%w: session id does not match session key", ErrMalformedMessage)
	}
	if session.FirstKnownIndex() != key.FirstKnownIndex {
		return nil, false, fmt.Errorf("%w: first known index %d, key starts at %d",
			ErrMalformedMessage, key.FirstKnownIndex, session.FirstKnownIndex())
	}

	igs := &store.InboundGroupSession{
		RoomID:          key.RoomID,
		SenderKey:       key.SenderKey,
		SessionID:       key.SessionID,
		SenderDeviceID:  key.SenderDeviceID,
		SigningKeys:     key.SenderClaimedKeys,
		Session:         session,
		ForwardingChain: append([]string(nil), key.ForwardingCurve25519KeyChain...),
		Imported:        imported,
		CreatedAt:       s.now().UTC(),
	}
	stored, err := s.storeInbound(ctx, igs)
	return igs, stored, err
}

// Export serialises an inbound session from its first known index.
func Export(igs *store.InboundGroupSession) (*model.ExportedRoomKey, error) {
	sessionKey, err := igs.Session.Export(igs.Session.FirstKnownIndex())
	if err != nil {
		return nil, err
	}
	claimed := make(map[string]string, len(igs.SigningKeys))
	for k, v := range igs.SigningKeys {
		claimed[k] = v
	}
	return &model.ExportedRoomKey{
		Algorithm:                    model.AlgorithmMegolm,
		RoomID:                       igs.RoomID,
		SenderKey:                    igs.SenderKey,
		SenderDeviceID:               igs.SenderDeviceID,
		SessionID:                    igs.SessionID,
		SessionKey:                   sessionKey,
		FirstKnownIndex:              igs.Session.FirstKnownIndex(),
		SenderClaimedKeys:            claimed,
		ForwardingCurve25519KeyChain: append([]string{}, igs.ForwardingChain...),
	}, nil
}

// ExportRoomKeys exports every inbound session accepted by keep, or all of
// them when keep is nil.
func (s *Service) ExportRoomKeys(ctx context.Context, keep func(*store.InboundGroupSession) bool) ([]*model.ExportedRoomKey, error) {
	sessions, err := s.store.InboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ExportedRoomKey, 0, len(sessions))
	for _, igs := range sessions {
		if keep != nil && !keep(igs) {
			continue
		}
		key, err := Export(igs)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// DecryptGroup decrypts a megolm message. Decrypting the same index again
// yields the same plaintext; the stored session is never modified.
func (s *Service) DecryptGroup(ctx context.Context, roomID, senderKey, sessionID, ciphertext string) (*Decrypted, error) {
	res, err := s.decryptGroup(ctx, roomID, senderKey, sessionID, ciphertext)
	if err != nil {
		reason := "failed"
		switch {
		case errors.Is(err, ErrUnknownSession):
			reason = "unknown_session"
		case errors.Is(err, ErrIndexBeforeSessionStart):
			reason = "index_before_start"
		case errors.Is(err, ErrAuthenticationFailed):
			reason = "authentication"
		case errors.Is(err, ErrMalformedMessage):
			reason = "malformed"
		}
		metrics.DecryptionFailuresTotal.WithLabelValues("group", reason).Inc()
	}
	return res, err
}

func (s *Service) decryptGroup(ctx context.Context, roomID, senderKey, sessionID, ciphertext string) (*Decrypted, error) {
	decErr := &DecryptionError{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
	index, err := megolm.MessageIndex(ciphertext)
	if err != nil {
		decErr.Err = fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		return nil, decErr
	}
	decErr.Index = index

	igs, err := s.store.GetInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	if igs == nil {
		decErr.Err = ErrUnknownSession
		if decErr.Withheld, err = s.store.GetWithheldInfo(ctx, roomID, sessionID); err != nil {
			return nil, err
		}
		return nil, decErr
	}

	plaintext, _, err := igs.Session.Decrypt(ciphertext, s.cache.scope(roomID, senderKey))
	switch {
	case errors.Is(err, megolm.ErrIndexBeforeStart):
		decErr.Err = ErrIndexBeforeSessionStart
		return nil, decErr
	case errors.Is(err, megolm.ErrAuthentication):
		decErr.Err = ErrAuthenticationFailed
		return nil, decErr
	case errors.Is(err, megolm.ErrBadMessage):
		decErr.Err = fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		return nil, decErr
	case err != nil:
		decErr.Err = err
		return nil, decErr
	}

	return &Decrypted{
		Plaintext:       plaintext,
		Index:           index,
		SenderKey:       senderKey,
		SenderEd25519:   igs.SigningKeys[model.KeyEd25519],
		SenderDeviceID:  igs.SenderDeviceID,
		ForwardingChain: igs.ForwardingChain,
		Authentic:       len(igs.ForwardingChain) == 0 && !igs.Imported,
	}, nil
}

// DecryptEvent decrypts an m.room.encrypted room event and checks that the
// payload belongs to the room it was sent in.
func (s *Service) DecryptEvent(ctx context.Context, roomID string, content *model.MegolmEncryptedContent) (*DecryptedEvent, error) {
	if content.Algorithm != model.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: algorithm %q", ErrMalformedMessage, content.Algorithm)
	}
	res, err := s.DecryptGroup(ctx, roomID, content.SenderKey, content.SessionID, content.Ciphertext)
	if err != nil {
		return nil, err
	}

	var payload model.MegolmPayload
	if err := json.Unmarshal(res.Plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if payload.RoomID != roomID {
		return nil, fmt.Errorf("%w: payload is for room %q", ErrMalformedMessage, payload.RoomID)
	}
	if content.DeviceID != "" && res.SenderDeviceID != "" && content.DeviceID != res.SenderDeviceID {
		log.Warn("room event device id differs from session sender",
			zap.String("room_id", roomID), zap.String("session_id", content.SessionID))
	}
	return &DecryptedEvent{Decrypted: *res, Type: payload.Type, Content: payload.Content}, nil
}
