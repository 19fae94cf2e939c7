package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/utils/log"
)

var (
	ErrNotEncrypted     = errors.New("engine: event is not encrypted")
	ErrMismatchedSender = errors.New("engine: session does not belong to the event sender")
)

type (
	// EncryptionInfo says who a room event came from and how far that can
	// be trusted.
	EncryptionInfo struct {
		Sender          string
		SenderDeviceID  string
		SenderKey       string
		SenderEd25519   string
		SessionID       string
		ForwardingChain []string
		// Trust is the sender device's state, at most Unverified when the
		// key did not come from the sender directly.
		Trust     trust.State
		Authentic bool
	}

	DecryptedRoomEvent struct {
		Type    string
		Content json.RawMessage
		Info    EncryptionInfo
	}
)

// EncryptRoomEvent encrypts content with the room's current session. The
// room key must have been shared first.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content any) (*model.MegolmEncryptedContent, error) {
	return m.group.EncryptEvent(ctx, roomID, eventType, content)
}

// DecryptRoomEvent decrypts an m.room.encrypted room event. A missing or
// too new session queues a room key request before the error is returned.
func (m *Machine) DecryptRoomEvent(ctx context.Context, ev *model.RoomEvent) (*DecryptedRoomEvent, error) {
	if ev.Type != model.EventEncrypted {
		return nil, ErrNotEncrypted
	}
	var content model.MegolmEncryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
	}

	dec, err := m.group.DecryptEvent(ctx, ev.RoomID, &content)
	if errors.Is(err, group.ErrUnknownSession) || errors.Is(err, group.ErrIndexBeforeSessionStart) {
		if _, reqErr := m.keyshare.RequestRoomKey(ctx, ev.RoomID, content.SenderKey, content.SessionID); reqErr != nil {
			log.Warn("room key request failed", zap.String("room_id", ev.RoomID),
				zap.String("session_id", content.SessionID), zap.Error(reqErr))
		}
	}
	if err != nil {
		return nil, err
	}

	info, err := m.encryptionInfo(ctx, ev.Sender, content.SessionID, &dec.Decrypted)
	if err != nil {
		return nil, err
	}
	return &DecryptedRoomEvent{Type: dec.Type, Content: dec.Content, Info: *info}, nil
}

func (m *Machine) encryptionInfo(ctx context.Context, sender, sessionID string, dec *group.Decrypted) (*EncryptionInfo, error) {
	info := &EncryptionInfo{
		Sender:          sender,
		SenderDeviceID:  dec.SenderDeviceID,
		SenderKey:       dec.SenderKey,
		SenderEd25519:   dec.SenderEd25519,
		SessionID:       sessionID,
		ForwardingChain: dec.ForwardingChain,
		Authentic:       dec.Authentic,
		Trust:           trust.Unset,
	}

	device, err := m.store.GetDeviceByKey(ctx, dec.SenderKey)
	if err != nil || device == nil {
		return info, err
	}
	if device.UserID() != sender {
		return nil, fmt.Errorf("%w: key of %s used by %s", ErrMismatchedSender, device.UserID(), sender)
	}
	if dec.SenderEd25519 != "" && device.Ed25519() != dec.SenderEd25519 {
		return nil, fmt.Errorf("%w: claimed signing key differs from %s", ErrMismatchedSender, device.DeviceID())
	}
	info.SenderDeviceID = device.DeviceID()

	state, err := m.trust.DeviceState(ctx, device.UserID(), device.DeviceID())
	if err != nil {
		return nil, err
	}
	if !dec.Authentic && state == trust.Verified {
		state = trust.Unverified
	}
	info.Trust = state
	return info, nil
}
