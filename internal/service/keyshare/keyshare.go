// Package keyshare distributes room keys over pairwise sessions and answers
// or issues room key requests.
package keyshare

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/pairwise"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

const (
	DefaultConcurrency = 8

	// maxToDeviceMessages caps the recipients of one to-device request.
	maxToDeviceMessages = 250
)

type (
	Config struct {
		// OnlyTrustedDevices withholds room keys from devices that are not
		// Verified. Rooms can also opt in through their settings.
		OnlyTrustedDevices bool `yaml:"only_trusted_devices"`
		Concurrency        int  `yaml:"concurrency"`
	}

	Service struct {
		store    store.CryptoStore
		account  *account.Service
		pairwise *pairwise.Service
		group    *group.Service
		trust    *trust.Service
		locks    *keylock.KeyLock
		cfg      Config
	}
)

func New(st store.CryptoStore, acc *account.Service, pw *pairwise.Service, gr *group.Service, tr *trust.Service, locks *keylock.KeyLock, cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Service{store: st, account: acc, pairwise: pw, group: gr, trust: tr, locks: locks, cfg: cfg}
}

func uniqueSorted(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// GetMissingSessions returns a key claim for every eligible device of users
// that has no pairwise session with us yet, or nil if there is none.
func (s *Service) GetMissingSessions(ctx context.Context, users []string) (*model.KeysClaimRequest, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	claim := &model.KeysClaimRequest{OneTimeKeys: map[string]map[string]string{}}
	for _, userID := range uniqueSorted(users) {
		devices, err := s.trust.UserDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if userID == id.UserID && d.Device.DeviceID() == id.DeviceID {
				continue
			}
			if !d.State.Eligible() || d.Device.Curve25519() == "" {
				continue
			}
			ok, err := s.pairwise.HasSession(ctx, d.Device.Curve25519())
			if err != nil {
				return nil, err
			}
			if ok {
				continue
			}
			if claim.OneTimeKeys[userID] == nil {
				claim.OneTimeKeys[userID] = map[string]string{}
			}
			claim.OneTimeKeys[userID][d.Device.DeviceID()] = model.KeySignedCurve25519
		}
	}
	if len(claim.OneTimeKeys) == 0 {
		return nil, nil
	}
	return claim, nil
}

// ReceiveKeysClaimResponse establishes outbound sessions from claimed
// one-time keys. Keys with a bad signature or for unknown devices are
// skipped.
func (s *Service) ReceiveKeysClaimResponse(ctx context.Context, resp *model.KeysClaimResponse) error {
	for _, userID := range sortedKeys(resp.OneTimeKeys) {
		for _, deviceID := range sortedKeys(resp.OneTimeKeys[userID]) {
			fields := []zap.Field{zap.String("user_id", userID), zap.String("device_id", deviceID)}
			device, err := s.store.GetDevice(ctx, userID, deviceID)
			if err != nil {
				return err
			}
			if device == nil {
				log.Warn("claimed key for unknown device, skipping", fields...)
				continue
			}
			pub, err := model.DecodeKey(device.Ed25519(), 32)
			if err != nil {
				log.Warn("device has no usable signing key, skipping", fields...)
				continue
			}

			for _, keyID := range sortedKeys(resp.OneTimeKeys[userID][deviceID]) {
				key := resp.OneTimeKeys[userID][deviceID][keyID]
				if err := model.VerifyJSON(key, key.Signatures, userID, model.KeyID(model.KeyEd25519, deviceID), pub); err != nil {
					log.Warn("claimed one-time key has an invalid signature, skipping", append(fields, zap.Error(err))...)
					continue
				}
				if _, err := s.pairwise.EstablishOutbound(ctx, device.Curve25519(), key.Key); err != nil {
					log.Warn("cannot establish session from claimed key", append(fields, zap.Error(err))...)
				}
				break
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type recipients map[string]map[string]trust.DeviceInfo

func (s *Service) recipients(ctx context.Context, users []string) (recipients, error) {
	out := recipients{}
	for _, userID := range uniqueSorted(users) {
		devices, err := s.trust.UserDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		out[userID] = map[string]trust.DeviceInfo{}
		for _, d := range devices {
			out[userID][d.Device.DeviceID()] = d
		}
	}
	return out, nil
}

// mustRotate reports whether a device that holds the current session left
// the recipient set or lost its eligibility.
func mustRotate(ogs *store.OutboundGroupSession, rcpt recipients, onlyTrusted bool) bool {
	for userID, devices := range ogs.SharedWith {
		for deviceID := range devices {
			d, ok := rcpt[userID][deviceID]
			if !ok || !d.State.Eligible() || (onlyTrusted && d.State != trust.Verified) {
				return true
			}
		}
	}
	return false
}

func withheldCode(state trust.State, onlyTrusted bool) string {
	switch {
	case state == trust.Blacklisted:
		return model.WithheldBlacklisted
	case onlyTrusted && state != trust.Verified:
		return model.WithheldUnverified
	}
	return ""
}

// ShareRoomKey makes sure every eligible device of users holds the room's
// outbound session, rotating it first when needed. It returns the
// to-device requests to send; the session can encrypt once every request
// carrying the key was confirmed with group.MarkShareSent.
func (s *Service) ShareRoomKey(ctx context.Context, roomID string, users []string) ([]*model.OutgoingRequest, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.GetRoomSettings(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var policy store.RotationSettings
	onlyTrusted := s.cfg.OnlyTrustedDevices
	if settings != nil {
		policy = settings.Rotation
		onlyTrusted = onlyTrusted || settings.OnlyAllowTrustedDevices
	}

	rcpt, err := s.recipients(ctx, users)
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if current != nil && mustRotate(current, rcpt, onlyTrusted) {
		log.Info("recipient set changed, rotating room key", zap.String("room_id", roomID))
		if err := s.group.Invalidate(ctx, roomID); err != nil {
			return nil, err
		}
	}
	ogs, _, err := s.group.RotateOutbound(ctx, roomID, policy)
	if err != nil {
		return nil, err
	}

	var (
		targets  []*store.Device
		withheld = map[string]map[string]string{}
		notices  []*model.OutgoingRequest
	)
	for _, userID := range sortedKeys(rcpt) {
		for _, deviceID := range sortedKeys(rcpt[userID]) {
			d := rcpt[userID][deviceID]
			if userID == id.UserID && deviceID == id.DeviceID {
				continue
			}
			if _, ok := group.SharedWith(ogs, userID, deviceID); ok {
				continue
			}
			if d.State == trust.Ignored {
				continue
			}

			code := withheldCode(d.State, onlyTrusted)
			if code == "" {
				ok, err := s.pairwise.HasSession(ctx, d.Device.Curve25519())
				if err != nil {
					return nil, err
				}
				if !ok {
					code = model.WithheldNoOlm
				}
			}
			if code == "" {
				targets = append(targets, d.Device)
				continue
			}
			if ogs.Withheld[userID][deviceID] == code {
				continue
			}
			if withheld[userID] == nil {
				withheld[userID] = map[string]string{}
			}
			withheld[userID][deviceID] = code
		}
	}

	encrypted := make([]json.RawMessage, len(targets))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Concurrency)
	content := group.RoomKey(ogs)
	for i, d := range targets {
		eg.Go(func() error {
			enc, err := s.pairwise.EncryptEvent(egCtx, d, model.EventRoomKey, content)
			if err != nil {
				return err
			}
			encrypted[i], err = json.Marshal(enc)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []*model.OutgoingRequest
	info := store.ShareInfo{SenderKey: id.Curve25519, MessageIndex: ogs.Session.MessageIndex()}
	for start := 0; start < len(targets); start += maxToDeviceMessages {
		end := min(start+maxToDeviceMessages, len(targets))
		req := newToDevice(model.EventEncrypted)
		shares := make([]store.PendingShare, 0, end-start)
		for i := start; i < end; i++ {
			d := targets[i]
			req.ToDevice.AddMessage(d.UserID(), d.DeviceID(), encrypted[i])
			shares = append(shares, store.PendingShare{UserID: d.UserID(), DeviceID: d.DeviceID(), Info: info})
		}
		if err := s.group.AddPendingShare(ctx, roomID, ogs.Session.ID(), req.ID, shares); err != nil {
			return nil, err
		}
		out = append(out, req)
	}

	if len(withheld) > 0 {
		req := newToDevice(model.EventRoomKeyWithheld)
		for _, userID := range sortedKeys(withheld) {
			for _, deviceID := range sortedKeys(withheld[userID]) {
				raw, err := json.Marshal(&model.RoomKeyWithheldContent{
					Algorithm:  model.AlgorithmMegolm,
					Code:       withheld[userID][deviceID],
					RoomID:     roomID,
					SessionID:  ogs.Session.ID(),
					SenderKey:  id.Curve25519,
					FromDevice: id.DeviceID,
				})
				if err != nil {
					return nil, err
				}
				req.ToDevice.AddMessage(userID, deviceID, raw)
			}
		}
		if err := s.group.RecordWithheld(ctx, roomID, ogs.Session.ID(), withheld); err != nil {
			return nil, err
		}
		notices = append(notices, req)
		metrics.RoomKeysSharedTotal.WithLabelValues("withheld").Add(float64(req.ToDevice.MessageCount()))
	}

	metrics.RoomKeysSharedTotal.WithLabelValues("sent").Add(float64(len(targets)))
	log.Debug("room key shared", zap.String("room_id", roomID), zap.String("session_id", ogs.Session.ID()),
		zap.Int("devices", len(targets)), zap.Int("withheld_users", len(withheld)))
	return append(out, notices...), nil
}

func newToDevice(eventType string) *model.OutgoingRequest {
	txnID := uuid.NewString()
	return &model.OutgoingRequest{
		ID:       txnID,
		Type:     model.RequestToDevice,
		ToDevice: &model.ToDeviceRequest{EventType: eventType, TxnID: txnID},
	}
}
