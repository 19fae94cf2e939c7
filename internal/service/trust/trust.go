// Package trust keeps device and cross-signing records and computes device
// trust from them.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"e2e_crypto/internal/cryptographic/signature"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

var (
	ErrUnknownDevice       = errors.New("trust: unknown device")
	ErrUnknownIdentity     = errors.New("trust: unknown user identity")
	ErrNoPrivateIdentity   = errors.New("trust: cross-signing keys are not available on this device")
	ErrCrossSigningExists  = errors.New("trust: cross-signing keys already exist")
	ErrInvalidCrossSigning = errors.New("trust: invalid cross-signing key")
)

type (
	Service struct {
		store   store.CryptoStore
		account *account.Service
		locks   *keylock.KeyLock
		now     func() time.Time
	}

	DeviceInfo struct {
		Device *store.Device
		State  State
	}

	// QueryResult summarises what a key query changed.
	QueryResult struct {
		NewDevices     []*store.Device
		ChangedDevices []*store.Device
		DeletedDevices []*store.Device
		// IdentityChanged lists users whose master key was replaced.
		IdentityChanged []string
	}
)

func New(st store.CryptoStore, acc *account.Service, locks *keylock.KeyLock) *Service {
	return &Service{store: st, account: acc, locks: locks, now: time.Now}
}

func userLock(userID string) string {
	return "user:" + userID
}

// Snapshot loads the identities needed to judge the given users.
func (s *Service) Snapshot(ctx context.Context, userIDs ...string) (*Snapshot, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	priv, err := s.store.LoadPrivateIdentity(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{OwnUserID: id.UserID, OwnPrivate: priv, Identities: map[string]*store.UserIdentity{}}
	for _, userID := range append([]string{id.UserID}, userIDs...) {
		if _, ok := snap.Identities[userID]; ok {
			continue
		}
		ident, err := s.store.GetIdentity(ctx, userID)
		if err != nil {
			return nil, err
		}
		if ident != nil {
			snap.Identities[userID] = ident
		}
	}
	return snap, nil
}

func (s *Service) DeviceState(ctx context.Context, userID, deviceID string) (State, error) {
	d, err := s.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return Unset, err
	}
	if d == nil {
		return Unset, ErrUnknownDevice
	}
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return Unset, err
	}
	return snap.DeviceState(d), nil
}

// UserDevices lists the known devices of userID with their computed trust.
func (s *Service) UserDevices(ctx context.Context, userID string) ([]DeviceInfo, error) {
	devices, err := s.store.GetUserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{Device: d, State: snap.DeviceState(d)})
	}
	return out, nil
}

func (s *Service) IdentityVerified(ctx context.Context, userID string) (bool, error) {
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return snap.IdentityVerified(userID), nil
}

// SetLocalTrust records a local decision about a device.
func (s *Service) SetLocalTrust(ctx context.Context, userID, deviceID string, t store.LocalTrust) error {
	unlock, err := s.locks.Lock(ctx, userLock(userID))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrUnknownDevice
	}
	d.LocalTrust = t
	log.Info("device trust changed", zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Stringer("local_trust", t))
	return s.store.SaveChanges(ctx, &store.Changes{Devices: store.DeviceChanges{Changed: []*store.Device{d}}})
}

// TrackUsers starts tracking device lists; users seen for the first time
// need a key query.
func (s *Service) TrackUsers(ctx context.Context, userIDs ...string) error {
	tracked, err := s.trackedSet(ctx)
	if err != nil {
		return err
	}
	var changes store.Changes
	for _, u := range userIDs {
		if _, ok := tracked[u]; !ok {
			changes.TrackedUsers = append(changes.TrackedUsers, store.TrackedUser{UserID: u, Dirty: true})
		}
	}
	if changes.IsEmpty() {
		return nil
	}
	return s.store.SaveChanges(ctx, &changes)
}

// MarkUsersDirty flags tracked users whose device list changed.
func (s *Service) MarkUsersDirty(ctx context.Context, userIDs ...string) error {
	tracked, err := s.trackedSet(ctx)
	if err != nil {
		return err
	}
	var changes store.Changes
	for _, u := range userIDs {
		if dirty, ok := tracked[u]; ok && !dirty {
			changes.TrackedUsers = append(changes.TrackedUsers, store.TrackedUser{UserID: u, Dirty: true})
		}
	}
	if changes.IsEmpty() {
		return nil
	}
	return s.store.SaveChanges(ctx, &changes)
}

func (s *Service) trackedSet(ctx context.Context) (map[string]bool, error) {
	users, err := s.store.TrackedUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(users))
	for _, u := range users {
		out[u.UserID] = u.Dirty
	}
	return out, nil
}

// UsersForKeyQuery returns a query for every dirty tracked user, or nil.
func (s *Service) UsersForKeyQuery(ctx context.Context) (*model.KeysQueryRequest, error) {
	users, err := s.store.TrackedUsers(ctx)
	if err != nil {
		return nil, err
	}
	req := &model.KeysQueryRequest{DeviceKeys: map[string][]string{}}
	for _, u := range users {
		if u.Dirty {
			req.DeviceKeys[u.UserID] = []string{}
		}
	}
	if len(req.DeviceKeys) == 0 {
		return nil, nil
	}
	return req, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReceiveKeysQueryResponse stores the devices and cross-signing keys of a
// key query. Devices with a bad self-signature or whose keys changed under
// an existing device id are dropped; devices missing from the response are
// deleted.
func (s *Service) ReceiveKeysQueryResponse(ctx context.Context, resp *model.KeysQueryResponse) (*QueryResult, error) {
	own, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}

	users := map[string]struct{}{}
	for u := range resp.DeviceKeys {
		users[u] = struct{}{}
	}
	for u := range resp.MasterKeys {
		users[u] = struct{}{}
	}
	locks := make([]string, 0, len(users))
	for _, u := range sortedKeys(users) {
		locks = append(locks, userLock(u))
	}
	unlock, err := s.locks.LockAll(ctx, locks...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		changes store.Changes
		res     QueryResult
		now     = s.now().UTC()
	)
	for _, userID := range sortedKeys(resp.DeviceKeys) {
		existing, err := s.store.GetUserDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		known := make(map[string]*store.Device, len(existing))
		for _, d := range existing {
			known[d.DeviceID()] = d
		}

		for _, deviceID := range sortedKeys(resp.DeviceKeys[userID]) {
			keys := resp.DeviceKeys[userID][deviceID]
			fields := []zap.Field{zap.String("user_id", userID), zap.String("device_id", deviceID)}
			if keys.UserID != userID || keys.DeviceID != deviceID {
				log.Warn("device keys for the wrong device, ignoring", fields...)
				continue
			}
			if err := keys.VerifySelfSignature(); err != nil {
				log.Warn("device keys with invalid signature, ignoring", append(fields, zap.Error(err))...)
				delete(known, deviceID)
				continue
			}
			if userID == own.UserID && deviceID == own.DeviceID && keys.Ed25519() != own.Ed25519 {
				log.Warn("server reports different keys for this device, ignoring", fields...)
				delete(known, deviceID)
				continue
			}

			old := known[deviceID]
			delete(known, deviceID)
			switch {
			case old == nil:
				d := &store.Device{Keys: keys, FirstSeen: now}
				changes.Devices.New = append(changes.Devices.New, d)
				res.NewDevices = append(res.NewDevices, d)
			case old.Ed25519() != keys.Ed25519() || old.Curve25519() != keys.Curve25519():
				log.Warn("device keys changed, ignoring", fields...)
			case !reflect.DeepEqual(old.Keys, keys):
				old.Keys = keys
				changes.Devices.Changed = append(changes.Devices.Changed, old)
				res.ChangedDevices = append(res.ChangedDevices, old)
			}
		}

		for _, d := range known {
			if d.UserID() == own.UserID && d.DeviceID() == own.DeviceID {
				continue
			}
			changes.Devices.Deleted = append(changes.Devices.Deleted, d)
			res.DeletedDevices = append(res.DeletedDevices, d)
		}
		changes.TrackedUsers = append(changes.TrackedUsers, store.TrackedUser{UserID: userID})
	}

	for _, userID := range sortedKeys(resp.MasterKeys) {
		ident, err := s.identityFromResponse(ctx, resp, userID)
		if err != nil {
			log.Warn("cross-signing keys rejected", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		old, err := s.store.GetIdentity(ctx, userID)
		if err != nil {
			return nil, err
		}
		if old != nil {
			_, oldKey := old.Master.PublicKey()
			_, newKey := ident.Master.PublicKey()
			if oldKey == newKey {
				ident.MasterVerified = old.MasterVerified
				// Only the owner is served the user-signing key.
				if ident.UserSigning == nil {
					ident.UserSigning = old.UserSigning
				}
			} else {
				res.IdentityChanged = append(res.IdentityChanged, userID)
				log.Warn("master key changed", zap.String("user_id", userID))
			}
		}
		if reflect.DeepEqual(old, ident) {
			continue
		}
		changes.Identities = append(changes.Identities, ident)
	}

	if changes.IsEmpty() {
		return &res, nil
	}
	if err := s.store.SaveChanges(ctx, &changes); err != nil {
		return nil, err
	}
	log.Debug("key query processed",
		zap.Int("new_devices", len(res.NewDevices)), zap.Int("changed_devices", len(res.ChangedDevices)),
		zap.Int("deleted_devices", len(res.DeletedDevices)), zap.Int("identities", len(changes.Identities)))
	return &res, nil
}

func (s *Service) identityFromResponse(ctx context.Context, resp *model.KeysQueryResponse, userID string) (*store.UserIdentity, error) {
	master := resp.MasterKeys[userID]
	if !validKey(&master, userID, model.UsageMaster) {
		return nil, ErrInvalidCrossSigning
	}
	ident := &store.UserIdentity{UserID: userID, Master: &master}

	ss, ok := resp.SelfSigningKeys[userID]
	if !ok || !validKey(&ss, userID, model.UsageSelfSigning) || ss.VerifiedBy(&master) != nil {
		return nil, ErrInvalidCrossSigning
	}
	ident.SelfSigning = &ss

	if us, ok := resp.UserSigningKeys[userID]; ok {
		if validKey(&us, userID, model.UsageUserSigning) && us.VerifiedBy(&master) == nil {
			ident.UserSigning = &us
		} else {
			log.Warn("invalid user-signing key dropped", zap.String("user_id", userID))
		}
	}
	return ident, nil
}

func newCrossSigningKey(userID, usage string) (*model.CrossSigningKey, []byte, error) {
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	key := model.EncodeBase64(pub)
	return &model.CrossSigningKey{
		UserID: userID,
		Usage:  []string{usage},
		Keys:   map[string]string{model.KeyID(model.KeyEd25519, key): key},
	}, priv, nil
}

func signWith(v any, sigs *model.Signatures, userID string, signer *model.CrossSigningKey, priv []byte) error {
	sig, err := model.SignJSON(v, priv)
	if err != nil {
		return err
	}
	keyID, _ := signer.PublicKey()
	*sigs = sigs.Add(userID, keyID, sig)
	return nil
}

func addSigned(req *model.SignatureUploadRequest, userID, keyID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if req.Signed == nil {
		req.Signed = map[string]map[string]json.RawMessage{}
	}
	if req.Signed[userID] == nil {
		req.Signed[userID] = map[string]json.RawMessage{}
	}
	req.Signed[userID][keyID] = raw
	return nil
}

// BootstrapCrossSigning creates this user's master, self-signing and
// user-signing keys and signs the current device with them. The returned
// requests upload the public keys and the device signature.
func (s *Service) BootstrapCrossSigning(ctx context.Context, reset bool) (*model.UploadSigningKeysRequest, *model.SignatureUploadRequest, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.Lock(ctx, userLock(id.UserID))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	existing, err := s.store.LoadPrivateIdentity(ctx)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && !reset {
		return nil, nil, ErrCrossSigningExists
	}

	master, masterPriv, err := newCrossSigningKey(id.UserID, model.UsageMaster)
	if err != nil {
		return nil, nil, err
	}
	ss, ssPriv, err := newCrossSigningKey(id.UserID, model.UsageSelfSigning)
	if err != nil {
		return nil, nil, err
	}
	us, usPriv, err := newCrossSigningKey(id.UserID, model.UsageUserSigning)
	if err != nil {
		return nil, nil, err
	}

	keyID, sig, err := s.account.SignJSON(ctx, master)
	if err != nil {
		return nil, nil, err
	}
	master.Signatures = master.Signatures.Add(id.UserID, keyID, sig)
	if err := signWith(ss, &ss.Signatures, id.UserID, master, masterPriv); err != nil {
		return nil, nil, err
	}
	if err := signWith(us, &us.Signatures, id.UserID, master, masterPriv); err != nil {
		return nil, nil, err
	}

	dk, err := s.account.DeviceKeys(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := signWith(dk, &dk.Signatures, id.UserID, ss, ssPriv); err != nil {
		return nil, nil, err
	}
	upload := &model.SignatureUploadRequest{}
	if err := addSigned(upload, id.UserID, id.DeviceID, dk); err != nil {
		return nil, nil, err
	}

	device, err := s.store.GetDevice(ctx, id.UserID, id.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if device == nil {
		device = &store.Device{FirstSeen: s.now().UTC()}
	}
	device.Keys = *dk

	err = s.store.SaveChanges(ctx, &store.Changes{
		PrivateIdentity: &store.PrivateIdentity{UserID: id.UserID, Master: masterPriv, SelfSigning: ssPriv, UserSigning: usPriv},
		Identities:      []*store.UserIdentity{{UserID: id.UserID, Master: master, SelfSigning: ss, UserSigning: us, MasterVerified: true}},
		Devices:         store.DeviceChanges{Changed: []*store.Device{device}},
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("cross-signing keys created", zap.String("user_id", id.UserID), zap.Bool("reset", existing != nil))
	return &model.UploadSigningKeysRequest{MasterKey: master, SelfSigningKey: ss, UserSigningKey: us}, upload, nil
}

// SignOwnDevice signs another device of this user with the self-signing key.
func (s *Service) SignOwnDevice(ctx context.Context, deviceID string) (*model.SignatureUploadRequest, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, userLock(id.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	device, err := s.store.GetDevice(ctx, id.UserID, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrUnknownDevice
	}
	upload, err := s.signOwnDevice(ctx, id.UserID, device)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveChanges(ctx, &store.Changes{Devices: store.DeviceChanges{Changed: []*store.Device{device}}}); err != nil {
		return nil, err
	}
	return upload, nil
}

func (s *Service) signOwnDevice(ctx context.Context, userID string, device *store.Device) (*model.SignatureUploadRequest, error) {
	priv, ident, err := s.ownCrossSigning(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := signWith(&device.Keys, &device.Keys.Signatures, userID, ident.SelfSigning, priv.SelfSigning); err != nil {
		return nil, err
	}
	upload := &model.SignatureUploadRequest{}
	if err := addSigned(upload, userID, device.DeviceID(), device.Keys); err != nil {
		return nil, err
	}
	return upload, nil
}

func (s *Service) ownCrossSigning(ctx context.Context, userID string) (*store.PrivateIdentity, *store.UserIdentity, error) {
	priv, err := s.store.LoadPrivateIdentity(ctx)
	if err != nil {
		return nil, nil, err
	}
	ident, err := s.store.GetIdentity(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if priv == nil || ident == nil || ident.SelfSigning == nil {
		return nil, nil, ErrNoPrivateIdentity
	}
	return priv, ident, nil
}

// VerifyIdentity marks userID's master key as verified. For another user it
// also signs that key with our user-signing key when we hold it; the
// returned upload is nil otherwise.
func (s *Service) VerifyIdentity(ctx context.Context, userID string) (*model.SignatureUploadRequest, error) {
	own, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.LockAll(ctx, userLock(own.UserID), userLock(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	ident, upload, err := s.verifyIdentity(ctx, own.UserID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveChanges(ctx, &store.Changes{Identities: []*store.UserIdentity{ident}}); err != nil {
		return nil, err
	}
	log.Info("identity verified", zap.String("user_id", userID))
	return upload, nil
}

func (s *Service) verifyIdentity(ctx context.Context, ownUserID, userID string) (*store.UserIdentity, *model.SignatureUploadRequest, error) {
	ident, err := s.store.GetIdentity(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if ident == nil {
		return nil, nil, ErrUnknownIdentity
	}
	ident.MasterVerified = true
	if userID == ownUserID {
		return ident, nil, nil
	}

	priv, mine, err := s.ownCrossSigning(ctx, ownUserID)
	switch {
	case errors.Is(err, ErrNoPrivateIdentity):
		return ident, nil, nil
	case err != nil:
		return nil, nil, err
	case len(priv.UserSigning) == 0 || mine.UserSigning == nil:
		return ident, nil, nil
	}
	if err := signWith(ident.Master, &ident.Master.Signatures, ownUserID, mine.UserSigning, priv.UserSigning); err != nil {
		return nil, nil, err
	}
	_, masterKey := ident.Master.PublicKey()
	upload := &model.SignatureUploadRequest{}
	if err := addSigned(upload, userID, masterKey, ident.Master); err != nil {
		return nil, nil, err
	}
	return ident, upload, nil
}

// MarkVerified records an interactive verification: the device becomes
// locally verified and, with master set, so does its owner's master key.
// Our own devices are also signed with the self-signing key when we hold
// it. Everything is saved together with extra in one transaction.
func (s *Service) MarkVerified(ctx context.Context, userID, deviceID string, device, master bool, extra *store.Changes) ([]*model.SignatureUploadRequest, error) {
	own, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.LockAll(ctx, userLock(own.UserID), userLock(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	changes := extra
	if changes == nil {
		changes = &store.Changes{}
	}
	var uploads []*model.SignatureUploadRequest
	if device {
		d, err := s.store.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, ErrUnknownDevice
		}
		d.LocalTrust = store.LocalTrustVerified
		if userID == own.UserID {
			upload, err := s.signOwnDevice(ctx, userID, d)
			switch {
			case errors.Is(err, ErrNoPrivateIdentity):
			case err != nil:
				return nil, err
			default:
				uploads = append(uploads, upload)
			}
		}
		changes.Devices.Changed = append(changes.Devices.Changed, d)
	}
	if master {
		ident, upload, err := s.verifyIdentity(ctx, own.UserID, userID)
		if err != nil {
			return nil, err
		}
		if upload != nil {
			uploads = append(uploads, upload)
		}
		changes.Identities = append(changes.Identities, ident)
	}

	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return nil, err
	}
	log.Info("device verified", zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Bool("master_key", master))
	return uploads, nil
}
