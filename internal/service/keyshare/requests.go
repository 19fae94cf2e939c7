package keyshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/megolm"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/pairwise"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

func requestLock(info model.RequestedKeyInfo) string {
	return "keyreq:" + info.Key()
}

// ReceiveRoomKey stores a room key sent to us directly by its creator and
// drops any outgoing request for it.
func (s *Service) ReceiveRoomKey(ctx context.Context, ev *pairwise.DecryptedEvent) (*store.InboundGroupSession, error) {
	var content model.RoomKeyContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
	}
	igs, stored, err := s.group.AddRoomKey(ctx, ev.SenderKey, ev.SenderEd25519, ev.SenderDevice, &content)
	if err != nil {
		return nil, err
	}
	if stored {
		info := model.RequestedKeyInfo{Algorithm: content.Algorithm, RoomID: content.RoomID, SenderKey: ev.SenderKey, SessionID: content.SessionID}
		if err := s.CancelRoomKeyRequest(ctx, info); err != nil {
			return nil, err
		}
	}
	return igs, nil
}

// RequestRoomKey queues a request for a session we cannot decrypt. It
// reports false if a request for the same session is already queued.
func (s *Service) RequestRoomKey(ctx context.Context, roomID, senderKey, sessionID string) (bool, error) {
	info := model.RequestedKeyInfo{Algorithm: model.AlgorithmMegolm, RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
	unlock, err := s.locks.Lock(ctx, requestLock(info))
	if err != nil {
		return false, err
	}
	defer unlock()

	existing, err := s.store.GetKeyRequestByInfo(ctx, info)
	if err != nil {
		return false, err
	}
	if existing != nil && !existing.Cancelled {
		return false, nil
	}
	req := &store.KeyRequest{RequestID: uuid.NewString(), Info: info, CreatedAt: time.Now().UTC()}
	if existing != nil {
		// Reuse a request whose cancellation was not sent yet.
		req = existing
		req.Cancelled = false
		req.Sent = false
	}
	if err := s.store.SaveChanges(ctx, &store.Changes{KeyRequests: []*store.KeyRequest{req}}); err != nil {
		return false, err
	}
	log.Debug("room key requested", zap.String("room_id", roomID), zap.String("session_id", sessionID), zap.String("request_id", req.RequestID))
	return true, nil
}

// CancelRoomKeyRequest withdraws the request for info, if any. A request
// that was never sent is dropped; otherwise a cancellation gets queued.
func (s *Service) CancelRoomKeyRequest(ctx context.Context, info model.RequestedKeyInfo) error {
	unlock, err := s.locks.Lock(ctx, requestLock(info))
	if err != nil {
		return err
	}
	defer unlock()

	req, err := s.store.GetKeyRequestByInfo(ctx, info)
	if err != nil || req == nil || req.Cancelled {
		return err
	}
	if !req.Sent {
		return s.store.DeleteKeyRequest(ctx, req.RequestID)
	}
	req.Cancelled = true
	req.Sent = false
	return s.store.SaveChanges(ctx, &store.Changes{KeyRequests: []*store.KeyRequest{req}})
}

// OutgoingKeyRequests builds the to-device requests for queued key requests
// and cancellations. They go to all our devices and to the session's
// creator when we know its device.
func (s *Service) OutgoingKeyRequests(ctx context.Context) ([]*model.OutgoingRequest, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.UnsentKeyRequests(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*model.OutgoingRequest, 0, len(pending))
	for _, r := range pending {
		content := model.RoomKeyRequestContent{
			Action:             model.KeyRequestAction,
			RequestingDeviceID: id.DeviceID,
			RequestID:          r.RequestID,
		}
		if r.Cancelled {
			content.Action = model.KeyRequestCancelation
		} else {
			info := r.Info
			content.Body = &info
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}

		req := &model.ToDeviceRequest{EventType: model.EventRoomKeyRequest, TxnID: r.RequestID}
		req.AddMessage(id.UserID, "*", raw)
		creator, err := s.store.GetDeviceByKey(ctx, r.Info.SenderKey)
		if err != nil {
			return nil, err
		}
		if creator != nil && creator.UserID() != id.UserID {
			req.AddMessage(creator.UserID(), creator.DeviceID(), raw)
		}
		out = append(out, &model.OutgoingRequest{ID: r.RequestID, Type: model.RequestToDevice, ToDevice: req})
	}
	return out, nil
}

// MarkKeyRequestSent reports whether requestID belonged to a key request.
func (s *Service) MarkKeyRequestSent(ctx context.Context, requestID string) (bool, error) {
	req, err := s.store.GetKeyRequest(ctx, requestID)
	if err != nil || req == nil {
		return false, err
	}
	unlock, err := s.locks.Lock(ctx, requestLock(req.Info))
	if err != nil {
		return false, err
	}
	defer unlock()

	if req.Cancelled {
		return true, s.store.DeleteKeyRequest(ctx, requestID)
	}
	req.Sent = true
	return true, s.store.SaveChanges(ctx, &store.Changes{KeyRequests: []*store.KeyRequest{req}})
}

func ignoreRequest(reason string, fields ...zap.Field) {
	metrics.KeyRequestsTotal.WithLabelValues("ignored").Inc()
	log.Info("room key request ignored", append(fields, zap.String("reason", reason))...)
}

// ReceiveKeyRequest answers a room key request from sender with a
// forwarded key. Requests we must not answer are dropped without a reply:
// the requesting device must be eligible, and either be our own verified
// device or a device the session was originally shared with.
func (s *Service) ReceiveKeyRequest(ctx context.Context, sender string, content *model.RoomKeyRequestContent) (*model.OutgoingRequest, error) {
	if content.Action != model.KeyRequestAction || content.Body == nil {
		return nil, nil
	}
	info := content.Body
	fields := []zap.Field{
		zap.String("sender", sender), zap.String("device_id", content.RequestingDeviceID),
		zap.String("room_id", info.RoomID), zap.String("session_id", info.SessionID),
	}

	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	if sender == id.UserID && content.RequestingDeviceID == id.DeviceID {
		return nil, nil
	}
	if info.Algorithm != model.AlgorithmMegolm {
		ignoreRequest("unsupported algorithm", fields...)
		return nil, nil
	}

	igs, err := s.store.GetInboundGroupSession(ctx, info.RoomID, info.SenderKey, info.SessionID)
	if err != nil {
		return nil, err
	}
	if igs == nil {
		ignoreRequest("unknown session", fields...)
		return nil, nil
	}
	device, err := s.store.GetDevice(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		ignoreRequest("unknown device", fields...)
		return nil, nil
	}
	state, err := s.trust.DeviceState(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		return nil, err
	}
	if !state.Eligible() {
		ignoreRequest("device not eligible", fields...)
		return nil, nil
	}

	index := igs.Session.FirstKnownIndex()
	if sender == id.UserID {
		if state != trust.Verified {
			ignoreRequest("own device not verified", fields...)
			return nil, nil
		}
	} else {
		shared, ok, err := s.sharedWith(ctx, id, info, sender, content.RequestingDeviceID)
		if err != nil {
			return nil, err
		}
		if !ok {
			ignoreRequest("session not shared with device", fields...)
			return nil, nil
		}
		if s.cfg.OnlyTrustedDevices && state != trust.Verified {
			ignoreRequest("device not verified", fields...)
			return nil, nil
		}
		index = max(index, shared.MessageIndex)
	}

	ok, err := s.pairwise.HasSession(ctx, device.Curve25519())
	if err != nil {
		return nil, err
	}
	if !ok {
		ignoreRequest("no pairwise session", fields...)
		return nil, nil
	}

	sessionKey, err := igs.Session.Export(index)
	if err != nil {
		return nil, err
	}
	chain := igs.ForwardingChain
	if chain == nil {
		chain = []string{}
	}
	enc, err := s.pairwise.EncryptEvent(ctx, device, model.EventForwardedRoomKey, &model.ForwardedRoomKeyContent{
		Algorithm:                    model.AlgorithmMegolm,
		RoomID:                       igs.RoomID,
		SenderKey:                    igs.SenderKey,
		SessionID:                    igs.SessionID,
		SessionKey:                   sessionKey,
		SenderClaimedEd25519Key:      igs.SigningKeys[model.KeyEd25519],
		ForwardingCurve25519KeyChain: chain,
	})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		return nil, err
	}

	req := newToDevice(model.EventEncrypted)
	req.ToDevice.AddMessage(sender, content.RequestingDeviceID, raw)
	metrics.KeyRequestsTotal.WithLabelValues("answered").Inc()
	log.Info("room key request answered", append(fields, zap.Uint32("index", index))...)
	return req, nil
}

// sharedWith looks the device up in the share records of a session we
// created: the room's outbound session while it is current, our own inbound
// copy after it rotated.
func (s *Service) sharedWith(ctx context.Context, id *account.Identity, info *model.RequestedKeyInfo, userID, deviceID string) (store.ShareInfo, bool, error) {
	if info.SenderKey != id.Curve25519 {
		return store.ShareInfo{}, false, nil
	}
	ogs, err := s.store.GetOutboundGroupSession(ctx, info.RoomID)
	if err != nil {
		return store.ShareInfo{}, false, err
	}
	if ogs != nil && ogs.Session.ID() == info.SessionID {
		if shared, ok := ogs.IsSharedWith(userID, deviceID); ok {
			return shared, true, nil
		}
	}
	igs, err := s.store.GetInboundGroupSession(ctx, info.RoomID, info.SenderKey, info.SessionID)
	if err != nil || igs == nil {
		return store.ShareInfo{}, false, err
	}
	shared, ok := igs.SharedWith[userID][deviceID]
	return shared, ok, nil
}

// ReceiveForwardedRoomKey imports a forwarded key if we asked for it and it
// came from our own verified device or from the session's creator. It
// reports whether the key was stored.
func (s *Service) ReceiveForwardedRoomKey(ctx context.Context, ev *pairwise.DecryptedEvent) (bool, error) {
	var content model.ForwardedRoomKeyContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
	}
	info := model.RequestedKeyInfo{Algorithm: content.Algorithm, RoomID: content.RoomID, SenderKey: content.SenderKey, SessionID: content.SessionID}
	fields := []zap.Field{
		zap.String("sender", ev.Sender), zap.String("device_id", ev.SenderDevice),
		zap.String("room_id", info.RoomID), zap.String("session_id", info.SessionID),
	}

	req, err := s.store.GetKeyRequestByInfo(ctx, info)
	if err != nil {
		return false, err
	}
	if req == nil || req.Cancelled {
		log.Info("unrequested forwarded room key dropped", fields...)
		return false, nil
	}

	id, err := s.account.Identity(ctx)
	if err != nil {
		return false, err
	}
	trusted := ev.SenderKey == content.SenderKey
	if !trusted && ev.Sender == id.UserID {
		state, err := s.trust.DeviceState(ctx, ev.Sender, ev.SenderDevice)
		if err != nil && !errors.Is(err, trust.ErrUnknownDevice) {
			return false, err
		}
		trusted = state == trust.Verified
	}
	if !trusted {
		log.Warn("forwarded room key from untrusted device dropped", fields...)
		return false, nil
	}

	session, err := megolm.ImportInboundSession(content.SessionKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
	}
	var creatorDevice string
	if creator, err := s.store.GetDeviceByKey(ctx, content.SenderKey); err != nil {
		return false, err
	} else if creator != nil {
		creatorDevice = creator.DeviceID()
	}
	_, stored, err := s.group.ImportInbound(ctx, &model.ExportedRoomKey{
		Algorithm:                    content.Algorithm,
		RoomID:                       content.RoomID,
		SenderKey:                    content.SenderKey,
		SenderDeviceID:               creatorDevice,
		SessionID:                    content.SessionID,
		SessionKey:                   content.SessionKey,
		FirstKnownIndex:              session.FirstKnownIndex(),
		SenderClaimedKeys:            map[string]string{model.KeyEd25519: content.SenderClaimedEd25519Key},
		ForwardingCurve25519KeyChain: append(append([]string{}, content.ForwardingCurve25519KeyChain...), ev.SenderKey),
	}, false)
	if err != nil {
		return false, err
	}
	if err := s.CancelRoomKeyRequest(ctx, info); err != nil {
		return false, err
	}
	log.Debug("forwarded room key received", append(fields, zap.Bool("stored", stored))...)
	return stored, nil
}

// ReceiveWithheld records why a sender did not share a session with us.
// Decryption failures for that session report it. Notices about a
// curve25519 key that belongs to another user are dropped.
func (s *Service) ReceiveWithheld(ctx context.Context, sender string, content *model.RoomKeyWithheldContent) error {
	if content.RoomID == "" || content.SessionID == "" {
		log.Debug("withheld notice without session", zap.String("sender", sender), zap.String("code", content.Code))
		return nil
	}
	device, err := s.store.GetDeviceByKey(ctx, content.SenderKey)
	if err != nil {
		return err
	}
	if device == nil || device.UserID() != sender || (content.FromDevice != "" && content.FromDevice != device.DeviceID()) {
		log.Warn("withheld notice for a key the sender does not own dropped",
			zap.String("sender", sender), zap.String("room_id", content.RoomID), zap.String("session_id", content.SessionID))
		return nil
	}
	return s.store.SaveChanges(ctx, &store.Changes{WithheldInfo: []store.WithheldInfo{{
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		Content:   *content,
	}}})
}
