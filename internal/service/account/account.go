// Package account owns the device identity keys and the pool of one-time and
// fallback keys other devices claim to open pairwise sessions.
package account

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/cryptographic/signature"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

const (
	lockKey               = "account"
	DefaultMaxOneTimeKeys = 100
)

var (
	ErrIdentityExists = errors.New("account: identity already generated")
	ErrNoAccount      = errors.New("account: no identity generated yet")
)

type (
	Config struct {
		MaxOneTimeKeys int `yaml:"max_one_time_keys"`
	}

	Service struct {
		store store.CryptoStore
		locks *keylock.KeyLock
		cfg   Config
		now   func() time.Time
	}

	// Identity is the public half of the account.
	Identity struct {
		UserID     string
		DeviceID   string
		Curve25519 string
		Ed25519    string
	}
)

func New(st store.CryptoStore, locks *keylock.KeyLock, cfg Config) *Service {
	if cfg.MaxOneTimeKeys <= 0 {
		cfg.MaxOneTimeKeys = DefaultMaxOneTimeKeys
	}
	return &Service{store: st, locks: locks, cfg: cfg, now: time.Now}
}

// GenerateIdentity creates the device keys. It succeeds once per store.
func (s *Service) GenerateIdentity(ctx context.Context, userID, deviceID string) (*Identity, error) {
	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrIdentityExists
	}

	curvePriv, _, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	_, edPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}

	acc := &store.Account{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: curvePriv[:],
		SigningKey:  edPriv,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SaveChanges(ctx, &store.Changes{Account: acc}); err != nil {
		return nil, err
	}

	log.Info("device identity generated", zap.String("user_id", userID), zap.String("device_id", deviceID))
	return identityOf(acc)
}

func (s *Service) load(ctx context.Context) (*store.Account, error) {
	acc, err := s.store.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrNoAccount
	}
	return acc, nil
}

func identityOf(acc *store.Account) (*Identity, error) {
	curvePub, err := dh.PublicKey(acc.IdentityKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:     acc.UserID,
		DeviceID:   acc.DeviceID,
		Curve25519: model.EncodeBase64(curvePub),
		Ed25519:    model.EncodeBase64(signature.PublicFromPrivate(acc.SigningKey)),
	}, nil
}

func (s *Service) Identity(ctx context.Context) (*Identity, error) {
	acc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return identityOf(acc)
}

// Keys returns the account record including private keys.
func (s *Service) Keys(ctx context.Context) (*store.Account, error) {
	return s.load(ctx)
}

// SignJSON signs v with the device ed25519 key.
func (s *Service) SignJSON(ctx context.Context, v any) (keyID, sig string, err error) {
	acc, err := s.load(ctx)
	if err != nil {
		return "", "", err
	}
	sig, err = model.SignJSON(v, acc.SigningKey)
	if err != nil {
		return "", "", err
	}
	return model.KeyID(model.KeyEd25519, acc.DeviceID), sig, nil
}

// DeviceKeys returns the self-signed public device keys.
func (s *Service) DeviceKeys(ctx context.Context) (*model.DeviceKeys, error) {
	acc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return deviceKeys(acc)
}

func deviceKeys(acc *store.Account) (*model.DeviceKeys, error) {
	id, err := identityOf(acc)
	if err != nil {
		return nil, err
	}
	keys := &model.DeviceKeys{
		UserID:     acc.UserID,
		DeviceID:   acc.DeviceID,
		Algorithms: []string{model.AlgorithmOlm, model.AlgorithmMegolm},
		Keys: map[string]string{
			model.KeyID(model.KeyCurve25519, acc.DeviceID): id.Curve25519,
			model.KeyID(model.KeyEd25519, acc.DeviceID):    id.Ed25519,
		},
	}
	sig, err := model.SignJSON(keys, acc.SigningKey)
	if err != nil {
		return nil, err
	}
	keys.Signatures = keys.Signatures.Add(acc.UserID, model.KeyID(model.KeyEd25519, acc.DeviceID), sig)
	return keys, nil
}

func keyIDFromCounter(n uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return model.EncodeBase64(b[:])
}

func newOneTimeKey(id string, now time.Time) (*store.OneTimeKey, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &store.OneTimeKey{ID: id, Public: pub[:], Private: priv[:], CreatedAt: now}, nil
}

func signKey(acc *store.Account, k *store.OneTimeKey, fallback bool) (model.SignedKey, error) {
	signed := model.SignedKey{Key: model.EncodeBase64(k.Public), Fallback: fallback}
	sig, err := model.SignJSON(signed, acc.SigningKey)
	if err != nil {
		return signed, err
	}
	signed.Signatures = signed.Signatures.Add(acc.UserID, model.KeyID(model.KeyEd25519, acc.DeviceID), sig)
	return signed, nil
}

// ReplenishOneTimeKeys tops the unclaimed pool (keys on the server plus keys
// not yet uploaded) up to target, capped at the configured maximum. It
// returns every unpublished key, keyed by "signed_curve25519:<id>", so a
// retried upload carries the keys of a failed one.
func (s *Service) ReplenishOneTimeKeys(ctx context.Context, target int) (map[string]model.SignedKey, error) {
	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.OneTimeKeys(ctx)
	if err != nil {
		return nil, err
	}

	var unpublished []*store.OneTimeKey
	for _, k := range existing {
		if !k.Published {
			unpublished = append(unpublished, k)
		}
	}

	if target > s.cfg.MaxOneTimeKeys {
		target = s.cfg.MaxOneTimeKeys
	}
	missing := target - acc.UploadedKeyCount - len(unpublished)

	changes := &store.Changes{}
	now := s.now().UTC()
	for i := 0; i < missing; i++ {
		acc.NextKeyID++
		k, err := newOneTimeKey(keyIDFromCounter(acc.NextKeyID), now)
		if err != nil {
			return nil, err
		}
		unpublished = append(unpublished, k)
		changes.OneTimeKeys = append(changes.OneTimeKeys, k)
	}
	if len(changes.OneTimeKeys) > 0 {
		changes.Account = acc
		if err := s.store.SaveChanges(ctx, changes); err != nil {
			return nil, err
		}
		log.Debug("one-time keys generated", zap.Int("count", len(changes.OneTimeKeys)))
	}

	out := make(map[string]model.SignedKey, len(unpublished))
	for _, k := range unpublished {
		signed, err := signKey(acc, k, false)
		if err != nil {
			return nil, err
		}
		out[model.KeyID(model.KeySignedCurve25519, k.ID)] = signed
	}
	return out, nil
}

// MarkKeysAsPublished records that the server confirmed the upload of the
// given key ids. Call it only after the confirmation arrived.
func (s *Service) MarkKeysAsPublished(ctx context.Context, keyIDs []string) error {
	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return err
	}
	defer unlock()

	acc, err := s.load(ctx)
	if err != nil {
		return err
	}
	keys, err := s.store.OneTimeKeys(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		if _, short, ok := model.SplitKeyID(id); ok {
			id = short
		}
		wanted[id] = struct{}{}
	}

	changes := &store.Changes{}
	for _, k := range keys {
		if _, ok := wanted[k.ID]; ok && !k.Published {
			k.Published = true
			changes.OneTimeKeys = append(changes.OneTimeKeys, k)
		}
	}
	if fb := acc.FallbackKey; fb != nil && !fb.Published {
		if _, ok := wanted[fb.ID]; ok {
			fb.Published = true
			changes.Account = acc
		}
	}
	return s.store.SaveChanges(ctx, changes)
}

// GenerateFallbackKey rotates the fallback key. The previous one keeps
// working until ForgetOldFallbackKey.
func (s *Service) GenerateFallbackKey(ctx context.Context) error {
	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return err
	}
	defer unlock()

	acc, err := s.load(ctx)
	if err != nil {
		return err
	}
	acc.NextKeyID++
	k, err := newOneTimeKey(keyIDFromCounter(acc.NextKeyID), s.now().UTC())
	if err != nil {
		return err
	}
	acc.PrevFallbackKey = acc.FallbackKey
	acc.FallbackKey = k
	return s.store.SaveChanges(ctx, &store.Changes{Account: acc})
}

func (s *Service) ForgetOldFallbackKey(ctx context.Context) error {
	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return err
	}
	defer unlock()

	acc, err := s.load(ctx)
	if err != nil {
		return err
	}
	if acc.PrevFallbackKey == nil {
		return nil
	}
	acc.PrevFallbackKey = nil
	return s.store.SaveChanges(ctx, &store.Changes{Account: acc})
}

// FindKey resolves a one-time or fallback key by its base64 public key.
// Fallback keys are reported with fallback set; they are never consumed.
func (s *Service) FindKey(ctx context.Context, publicKey string) (k *store.OneTimeKey, fallback bool, err error) {
	k, err = s.store.GetOneTimeKey(ctx, publicKey)
	if err != nil || k != nil {
		return k, false, err
	}
	acc, err := s.load(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, fb := range []*store.OneTimeKey{acc.FallbackKey, acc.PrevFallbackKey} {
		if fb != nil && model.EncodeBase64(fb.Public) == publicKey {
			return fb, true, nil
		}
	}
	return nil, false, nil
}

// KeysForUpload returns what the server still lacks, or nil when nothing is
// pending. Device keys go up once, one-time keys are topped up to half the
// maximum the way the server count is tracked.
func (s *Service) KeysForUpload(ctx context.Context) (*model.KeysUploadRequest, error) {
	acc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	req := &model.KeysUploadRequest{}
	if !acc.Shared {
		if req.DeviceKeys, err = deviceKeys(acc); err != nil {
			return nil, err
		}
	}

	otks, err := s.ReplenishOneTimeKeys(ctx, s.cfg.MaxOneTimeKeys/2)
	if err != nil {
		return nil, err
	}
	if len(otks) > 0 {
		req.OneTimeKeys = otks
	}

	if fb := acc.FallbackKey; fb != nil && !fb.Published {
		signed, err := signKey(acc, fb, true)
		if err != nil {
			return nil, err
		}
		req.FallbackKeys = map[string]model.SignedKey{model.KeyID(model.KeySignedCurve25519, fb.ID): signed}
	}

	if req.DeviceKeys == nil && req.OneTimeKeys == nil && req.FallbackKeys == nil {
		return nil, nil
	}
	return req, nil
}

// ReceiveKeysUploadResponse marks the uploaded material as published.
func (s *Service) ReceiveKeysUploadResponse(ctx context.Context, req *model.KeysUploadRequest, resp *model.KeysUploadResponse) error {
	ids := make([]string, 0, len(req.OneTimeKeys)+len(req.FallbackKeys))
	for id := range req.OneTimeKeys {
		ids = append(ids, id)
	}
	for id := range req.FallbackKeys {
		ids = append(ids, id)
	}
	if err := s.MarkKeysAsPublished(ctx, ids); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return err
	}
	defer unlock()

	acc, err := s.load(ctx)
	if err != nil {
		return err
	}
	if req.DeviceKeys != nil {
		acc.Shared = true
	}
	if resp != nil {
		acc.UploadedKeyCount = resp.OneTimeKeyCounts[model.KeySignedCurve25519]
	}
	return s.store.SaveChanges(ctx, &store.Changes{Account: acc})
}

// UpdateKeyCounts applies the counts the server reports during sync. When the
// server no longer lists an unused fallback key a new one is generated.
func (s *Service) UpdateKeyCounts(ctx context.Context, counts map[string]int, unusedFallbackKeyTypes []string) error {
	unlock, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return err
	}
	acc, err := s.load(ctx)
	if err != nil {
		unlock()
		return err
	}
	if n, ok := counts[model.KeySignedCurve25519]; ok {
		acc.UploadedKeyCount = n
	}
	err = s.store.SaveChanges(ctx, &store.Changes{Account: acc})
	unlock()
	if err != nil {
		return err
	}

	if unusedFallbackKeyTypes == nil {
		return nil
	}
	for _, t := range unusedFallbackKeyTypes {
		if t == model.KeySignedCurve25519 {
			return nil
		}
	}
	if acc.FallbackKey != nil && !acc.FallbackKey.Published {
		return nil
	}
	return s.GenerateFallbackKey(ctx)
}

// ShouldUpload reports whether KeysForUpload has work to do.
func (s *Service) ShouldUpload(ctx context.Context) (bool, error) {
	acc, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if !acc.Shared || acc.UploadedKeyCount < s.cfg.MaxOneTimeKeys/2 {
		return true, nil
	}
	return acc.FallbackKey != nil && !acc.FallbackKey.Published, nil
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s/%s", id.UserID, id.DeviceID)
}
