package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/pairwise"
	"e2e_crypto/internal/utils/log"
)

type (
	// SyncChanges is the crypto relevant part of one sync response.
	SyncChanges struct {
		ToDevice []model.ToDeviceEvent
		// ChangedUsers had their device list change since the last sync.
		ChangedUsers           []string
		OneTimeKeyCounts       map[string]int
		UnusedFallbackKeyTypes []string
	}

	// ProcessedToDevice is one to-device event after decryption. Encrypted
	// events carry the decrypted type and content.
	ProcessedToDevice struct {
		Sender    string
		Type      string
		Content   json.RawMessage
		Encrypted bool
		SenderKey string
		// Err is set when the event could not be decrypted or handled.
		Err error
	}
)

// ReceiveSyncChanges applies a sync response. A bad event never stops the
// rest; its error is reported in the result.
func (m *Machine) ReceiveSyncChanges(ctx context.Context, changes *SyncChanges) ([]*ProcessedToDevice, error) {
	if changes.OneTimeKeyCounts != nil || changes.UnusedFallbackKeyTypes != nil {
		if err := m.account.UpdateKeyCounts(ctx, changes.OneTimeKeyCounts, changes.UnusedFallbackKeyTypes); err != nil {
			return nil, err
		}
	}
	if len(changes.ChangedUsers) > 0 {
		if err := m.trust.MarkUsersDirty(ctx, changes.ChangedUsers...); err != nil {
			return nil, err
		}
	}

	out := make([]*ProcessedToDevice, 0, len(changes.ToDevice))
	for i := range changes.ToDevice {
		ev := &changes.ToDevice[i]
		p := &ProcessedToDevice{Sender: ev.Sender, Type: ev.Type, Content: ev.Content}
		p.Err = m.receiveToDevice(ctx, ev, p)
		if p.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			log.Warn("to-device event dropped", zap.String("sender", ev.Sender), zap.String("type", p.Type), zap.Error(p.Err))
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Machine) receiveToDevice(ctx context.Context, ev *model.ToDeviceEvent, p *ProcessedToDevice) error {
	if ev.Type != model.EventEncrypted {
		return m.dispatch(ctx, ev.Sender, ev.Type, ev.Content, nil)
	}

	var content model.OlmEncryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
	}
	dec, err := m.pairwise.DecryptEvent(ctx, ev.Sender, &content)
	if err != nil {
		return err
	}
	p.Type, p.Content, p.Encrypted, p.SenderKey = dec.Type, dec.Content, true, dec.SenderKey
	return m.dispatch(ctx, ev.Sender, dec.Type, dec.Content, dec)
}

// dispatch routes an event by type. dec is set when it arrived over a
// pairwise channel; room keys are only accepted that way.
func (m *Machine) dispatch(ctx context.Context, sender, eventType string, content json.RawMessage, dec *pairwise.DecryptedEvent) error {
	switch {
	case eventType == model.EventRoomKey:
		if dec == nil {
			return errors.New("room key sent in the clear")
		}
		_, err := m.keyshare.ReceiveRoomKey(ctx, dec)
		return err

	case eventType == model.EventForwardedRoomKey:
		if dec == nil {
			return errors.New("forwarded room key sent in the clear")
		}
		_, err := m.keyshare.ReceiveForwardedRoomKey(ctx, dec)
		return err

	case eventType == model.EventRoomKeyRequest:
		var req model.RoomKeyRequestContent
		if err := json.Unmarshal(content, &req); err != nil {
			return fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
		}
		reply, err := m.keyshare.ReceiveKeyRequest(ctx, sender, &req)
		if err != nil {
			return err
		}
		m.enqueue(reply)
		return nil

	case eventType == model.EventRoomKeyWithheld:
		var withheld model.RoomKeyWithheldContent
		if err := json.Unmarshal(content, &withheld); err != nil {
			return fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
		}
		return m.keyshare.ReceiveWithheld(ctx, sender, &withheld)

	case strings.HasPrefix(eventType, "m.key.verification."):
		out, err := m.verification.Receive(ctx, sender, eventType, content)
		if err != nil {
			return err
		}
		return m.enqueueVerification(out)

	case eventType == model.EventDummy:
		return nil
	}
	log.Debug("unhandled to-device event", zap.String("sender", sender), zap.String("type", eventType))
	return nil
}
