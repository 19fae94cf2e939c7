// Package store defines the persistence contract of the crypto engine and a
// record layout on top of any transactional key/value Backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/model"
)

var (
	ErrUnknownOneTimeKey = errors.New("store: one-time key unknown or already consumed")
	ErrSessionExists     = errors.New("store: session already exists")
	errReadOnly          = errors.New("store: write in read-only transaction")
)

// CryptoStore is what the engine needs from persistence. Lookups of a single
// record return (nil, nil) when it does not exist.
type CryptoStore interface {
	LoadAccount(ctx context.Context) (*Account, error)
	// SaveChanges applies every change atomically.
	SaveChanges(ctx context.Context, changes *Changes) error

	OneTimeKeys(ctx context.Context) ([]*OneTimeKey, error)
	GetOneTimeKey(ctx context.Context, publicKey string) (*OneTimeKey, error)

	GetSessions(ctx context.Context, peerKey string) ([]*Session, error)

	GetInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (*InboundGroupSession, error)
	InboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error)
	InboundGroupSessionCounts(ctx context.Context) (RoomKeyCounts, error)
	InboundGroupSessionsForBackup(ctx context.Context, limit int) ([]*InboundGroupSession, error)
	MarkInboundGroupSessionsAsBackedUp(ctx context.Context, version string, refs []SessionRef) error
	ResetBackupState(ctx context.Context) error

	GetOutboundGroupSession(ctx context.Context, roomID string) (*OutboundGroupSession, error)
	OutboundGroupSessions(ctx context.Context) ([]*OutboundGroupSession, error)

	GetDevice(ctx context.Context, userID, deviceID string) (*Device, error)
	GetUserDevices(ctx context.Context, userID string) ([]*Device, error)
	GetDeviceByKey(ctx context.Context, curveKey string) (*Device, error)
	GetIdentity(ctx context.Context, userID string) (*UserIdentity, error)
	LoadPrivateIdentity(ctx context.Context) (*PrivateIdentity, error)

	IsMessageKnown(ctx context.Context, hash MessageHash) (bool, error)

	GetKeyRequest(ctx context.Context, requestID string) (*KeyRequest, error)
	GetKeyRequestByInfo(ctx context.Context, info model.RequestedKeyInfo) (*KeyRequest, error)
	UnsentKeyRequests(ctx context.Context) ([]*KeyRequest, error)
	DeleteKeyRequest(ctx context.Context, requestID string) error

	GetWithheldInfo(ctx context.Context, roomID, sessionID string) (*model.RoomKeyWithheldContent, error)

	GetVerificationFlow(ctx context.Context, transactionID string) (*VerificationFlow, error)
	VerificationFlows(ctx context.Context) ([]*VerificationFlow, error)
	IsTransactionIDUsed(ctx context.Context, transactionID string) (bool, error)

	LoadBackupKeys(ctx context.Context) (*BackupKeys, error)
	GetRoomSettings(ctx context.Context, roomID string) (*RoomSettings, error)

	GetCustomValue(ctx context.Context, key string) ([]byte, error)
	SetCustomValue(ctx context.Context, key string, value []byte) error
	// InsertCustomValueIfMissing reports whether the value was written.
	InsertCustomValueIfMissing(ctx context.Context, key string, value []byte) (bool, error)
	RemoveCustomValue(ctx context.Context, key string) error

	TrackedUsers(ctx context.Context) ([]TrackedUser, error)

	Close() error
}

const (
	keyAccount         = "account"
	keyPrivateIdentity = "private_identity"
	keyBackupKeys      = "backup_keys"

	prefixOTK        = "otk/"
	prefixSession    = "session/"
	prefixInbound    = "igs/"
	prefixOutbound   = "ogs/"
	prefixDevice     = "device/"
	prefixDeviceKey  = "devkey/"
	prefixIdentity   = "identity/"
	prefixHash       = "hash/"
	prefixKeyRequest = "keyreq/"
	prefixKeyReqInfo = "keyreq_info/"
	prefixWithheld   = "withheld/"
	prefixFlow       = "flow/"
	prefixTxnID      = "txn/"
	prefixRoom       = "room/"
	prefixCustom     = "custom/"
	prefixTracked    = "tracked/"
)

type (
	Store struct {
		backend Backend
		cipher  *Cipher
	}

	Option func(*options)

	options struct {
		passphrase string
		argon      kdf.Argon2Params
	}

	deviceRef struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
)

var _ CryptoStore = (*Store)(nil)

// WithPassphrase encrypts every record value with a key derived from
// passphrase.
func WithPassphrase(passphrase string) Option {
	return func(o *options) { o.passphrase = passphrase }
}

func WithArgon2(p kdf.Argon2Params) Option {
	return func(o *options) { o.argon = p }
}

func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	o := options{argon: kdf.DefaultArgon2}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{backend: backend}
	if o.passphrase != "" {
		c, err := deriveCipher(ctx, backend, o.passphrase, o.argon)
		if err != nil {
			return nil, err
		}
		s.cipher = c
	}
	return s, nil
}

func k(prefix string, parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return prefix + strings.Join(escaped, "/")
}

func (s *Store) put(tx Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if s.cipher != nil {
		if data, err = s.cipher.Seal(key, data); err != nil {
			return err
		}
	}
	return tx.Set(key, data)
}

func (s *Store) decode(key string, data []byte, v any) error {
	if s.cipher != nil {
		var err error
		if data, err = s.cipher.Open(key, data); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// get returns false when the key does not exist.
func (s *Store) get(tx Reader, key string, v any) (bool, error) {
	data, err := tx.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.decode(key, data, v)
}

func getOne[T any](ctx context.Context, s *Store, key string) (*T, error) {
	var out *T
	err := s.backend.View(ctx, func(tx Tx) error {
		var v T
		ok, err := s.get(tx, key, &v)
		if ok {
			out = &v
		}
		return err
	})
	return out, err
}

func scanAll[T any](ctx context.Context, s *Store, prefix string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.backend.View(ctx, func(tx Tx) error {
		return tx.Scan(prefix, func(key string, value []byte) error {
			var v T
			if err := s.decode(key, value, &v); err != nil {
				return err
			}
			if keep == nil || keep(&v) {
				out = append(out, &v)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) LoadAccount(ctx context.Context) (*Account, error) {
	return getOne[Account](ctx, s, keyAccount)
}

func (s *Store) SaveChanges(ctx context.Context, c *Changes) error {
	if c == nil || c.IsEmpty() {
		return nil
	}
	return s.backend.Update(ctx, func(tx Tx) error {
		return s.apply(tx, c)
	})
}

func (s *Store) apply(tx Tx, c *Changes) error {
	if c.Account != nil {
		if err := s.put(tx, keyAccount, c.Account); err != nil {
			return err
		}
	}

	for _, otk := range c.OneTimeKeys {
		if err := s.put(tx, k(prefixOTK, model.EncodeBase64(otk.Public)), otk); err != nil {
			return err
		}
	}
	for _, pub := range c.ConsumedOneTimeKeys {
		key := k(prefixOTK, pub)
		if _, err := tx.Get(key); errors.Is(err, ErrNotFound) {
			return ErrUnknownOneTimeKey
		} else if err != nil {
			return err
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
	}

	for _, sess := range c.NewSessions {
		key := k(prefixSession, sess.PeerKey, sess.ID)
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.put(tx, key, sess); err != nil {
			return err
		}
	}
	for _, sess := range c.Sessions {
		if err := s.put(tx, k(prefixSession, sess.PeerKey, sess.ID), sess); err != nil {
			return err
		}
	}

	for _, igs := range c.InboundGroupSessions {
		if err := s.put(tx, k(prefixInbound, igs.RoomID, igs.SenderKey, igs.SessionID), igs); err != nil {
			return err
		}
	}
	for _, ogs := range c.OutboundGroupSessions {
		if err := s.put(tx, k(prefixOutbound, ogs.RoomID), ogs); err != nil {
			return err
		}
	}

	for _, devs := range [][]*Device{c.Devices.New, c.Devices.Changed} {
		for _, d := range devs {
			if err := s.put(tx, k(prefixDevice, d.UserID(), d.DeviceID()), d); err != nil {
				return err
			}
			if ck := d.Curve25519(); ck != "" {
				ref := deviceRef{UserID: d.UserID(), DeviceID: d.DeviceID()}
				if err := s.put(tx, k(prefixDeviceKey, ck), ref); err != nil {
					return err
				}
			}
		}
	}
	for _, d := range c.Devices.Deleted {
		if err := tx.Delete(k(prefixDevice, d.UserID(), d.DeviceID())); err != nil {
			return err
		}
		if ck := d.Curve25519(); ck != "" {
			if err := tx.Delete(k(prefixDeviceKey, ck)); err != nil {
				return err
			}
		}
	}

	for _, id := range c.Identities {
		if err := s.put(tx, k(prefixIdentity, id.UserID), id); err != nil {
			return err
		}
	}
	if c.PrivateIdentity != nil {
		if err := s.put(tx, keyPrivateIdentity, c.PrivateIdentity); err != nil {
			return err
		}
	}

	for _, h := range c.MessageHashes {
		if err := s.put(tx, k(prefixHash, h.SenderKey, h.Hash), h); err != nil {
			return err
		}
	}

	for _, r := range c.KeyRequests {
		if err := s.put(tx, k(prefixKeyRequest, r.RequestID), r); err != nil {
			return err
		}
		if err := s.put(tx, k(prefixKeyReqInfo, r.Info.RoomID, r.Info.SenderKey, r.Info.SessionID), r.RequestID); err != nil {
			return err
		}
	}

	for _, w := range c.WithheldInfo {
		if err := s.put(tx, k(prefixWithheld, w.RoomID, w.SessionID), w.Content); err != nil {
			return err
		}
	}

	for _, f := range c.VerificationFlows {
		if err := s.put(tx, k(prefixFlow, f.TransactionID), f); err != nil {
			return err
		}
		if err := s.put(tx, k(prefixTxnID, f.TransactionID), true); err != nil {
			return err
		}
	}

	if c.BackupKeys != nil {
		if err := s.put(tx, keyBackupKeys, c.BackupKeys); err != nil {
			return err
		}
	}

	for roomID, rs := range c.RoomSettings {
		if err := s.put(tx, k(prefixRoom, roomID), rs); err != nil {
			return err
		}
	}

	for _, u := range c.TrackedUsers {
		if err := s.put(tx, k(prefixTracked, u.UserID), u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) OneTimeKeys(ctx context.Context) ([]*OneTimeKey, error) {
	return scanAll[OneTimeKey](ctx, s, prefixOTK, nil)
}

func (s *Store) GetOneTimeKey(ctx context.Context, publicKey string) (*OneTimeKey, error) {
	return getOne[OneTimeKey](ctx, s, k(prefixOTK, publicKey))
}

func (s *Store) GetSessions(ctx context.Context, peerKey string) ([]*Session, error) {
	return scanAll[Session](ctx, s, k(prefixSession, peerKey)+"/", nil)
}

func (s *Store) GetInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (*InboundGroupSession, error) {
	return getOne[InboundGroupSession](ctx, s, k(prefixInbound, roomID, senderKey, sessionID))
}

func (s *Store) InboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error) {
	return scanAll[InboundGroupSession](ctx, s, prefixInbound, nil)
}

func (s *Store) InboundGroupSessionCounts(ctx context.Context) (RoomKeyCounts, error) {
	var counts RoomKeyCounts
	sessions, err := s.InboundGroupSessions(ctx)
	if err != nil {
		return counts, err
	}
	counts.Total = len(sessions)
	for _, sess := range sessions {
		if sess.BackedUp {
			counts.BackedUp++
		}
	}
	return counts, nil
}

func (s *Store) InboundGroupSessionsForBackup(ctx context.Context, limit int) ([]*InboundGroupSession, error) {
	var out []*InboundGroupSession
	errLimit := errors.New("limit reached")
	err := s.backend.View(ctx, func(tx Tx) error {
		return tx.Scan(prefixInbound, func(key string, value []byte) error {
			var v InboundGroupSession
			if err := s.decode(key, value, &v); err != nil {
				return err
			}
			if v.BackedUp {
				return nil
			}
			out = append(out, &v)
			if limit > 0 && len(out) >= limit {
				return errLimit
			}
			return nil
		})
	})
	if errors.Is(err, errLimit) {
		err = nil
	}
	return out, err
}

func (s *Store) MarkInboundGroupSessionsAsBackedUp(ctx context.Context, version string, refs []SessionRef) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		for _, ref := range refs {
			key := k(prefixInbound, ref.RoomID, ref.SenderKey, ref.SessionID)
			var v InboundGroupSession
			ok, err := s.get(tx, key, &v)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			v.BackedUp = true
			v.BackupVersion = version
			if err := s.put(tx, key, &v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ResetBackupState(ctx context.Context) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		var updated []*InboundGroupSession
		err := tx.Scan(prefixInbound, func(key string, value []byte) error {
			var v InboundGroupSession
			if err := s.decode(key, value, &v); err != nil {
				return err
			}
			if v.BackedUp {
				v.BackedUp = false
				v.BackupVersion = ""
				updated = append(updated, &v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, v := range updated {
			if err := s.put(tx, k(prefixInbound, v.RoomID, v.SenderKey, v.SessionID), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetOutboundGroupSession(ctx context.Context, roomID string) (*OutboundGroupSession, error) {
	return getOne[OutboundGroupSession](ctx, s, k(prefixOutbound, roomID))
}

func (s *Store) OutboundGroupSessions(ctx context.Context) ([]*OutboundGroupSession, error) {
	return scanAll[OutboundGroupSession](ctx, s, prefixOutbound, nil)
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*Device, error) {
	return getOne[Device](ctx, s, k(prefixDevice, userID, deviceID))
}

func (s *Store) GetUserDevices(ctx context.Context, userID string) ([]*Device, error) {
	return scanAll[Device](ctx, s, k(prefixDevice, userID)+"/", func(d *Device) bool { return !d.Deleted })
}

func (s *Store) GetDeviceByKey(ctx context.Context, curveKey string) (*Device, error) {
	ref, err := getOne[deviceRef](ctx, s, k(prefixDeviceKey, curveKey))
	if err != nil || ref == nil {
		return nil, err
	}
	return s.GetDevice(ctx, ref.UserID, ref.DeviceID)
}

func (s *Store) GetIdentity(ctx context.Context, userID string) (*UserIdentity, error) {
	return getOne[UserIdentity](ctx, s, k(prefixIdentity, userID))
}

func (s *Store) LoadPrivateIdentity(ctx context.Context) (*PrivateIdentity, error) {
	return getOne[PrivateIdentity](ctx, s, keyPrivateIdentity)
}

func (s *Store) IsMessageKnown(ctx context.Context, hash MessageHash) (bool, error) {
	h, err := getOne[MessageHash](ctx, s, k(prefixHash, hash.SenderKey, hash.Hash))
	return h != nil, err
}

func (s *Store) GetKeyRequest(ctx context.Context, requestID string) (*KeyRequest, error) {
	return getOne[KeyRequest](ctx, s, k(prefixKeyRequest, requestID))
}

func (s *Store) GetKeyRequestByInfo(ctx context.Context, info model.RequestedKeyInfo) (*KeyRequest, error) {
	id, err := getOne[string](ctx, s, k(prefixKeyReqInfo, info.RoomID, info.SenderKey, info.SessionID))
	if err != nil || id == nil {
		return nil, err
	}
	return s.GetKeyRequest(ctx, *id)
}

func (s *Store) UnsentKeyRequests(ctx context.Context) ([]*KeyRequest, error) {
	return scanAll[KeyRequest](ctx, s, prefixKeyRequest, func(r *KeyRequest) bool { return !r.Sent })
}

func (s *Store) DeleteKeyRequest(ctx context.Context, requestID string) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		key := k(prefixKeyRequest, requestID)
		var r KeyRequest
		ok, err := s.get(tx, key, &r)
		if err != nil || !ok {
			return err
		}
		if err := tx.Delete(k(prefixKeyReqInfo, r.Info.RoomID, r.Info.SenderKey, r.Info.SessionID)); err != nil {
			return err
		}
		return tx.Delete(key)
	})
}

func (s *Store) GetWithheldInfo(ctx context.Context, roomID, sessionID string) (*model.RoomKeyWithheldContent, error) {
	return getOne[model.RoomKeyWithheldContent](ctx, s, k(prefixWithheld, roomID, sessionID))
}

func (s *Store) GetVerificationFlow(ctx context.Context, transactionID string) (*VerificationFlow, error) {
	return getOne[VerificationFlow](ctx, s, k(prefixFlow, transactionID))
}

func (s *Store) VerificationFlows(ctx context.Context) ([]*VerificationFlow, error) {
	return scanAll[VerificationFlow](ctx, s, prefixFlow, nil)
}

func (s *Store) IsTransactionIDUsed(ctx context.Context, transactionID string) (bool, error) {
	used, err := getOne[bool](ctx, s, k(prefixTxnID, transactionID))
	return used != nil, err
}

func (s *Store) LoadBackupKeys(ctx context.Context) (*BackupKeys, error) {
	return getOne[BackupKeys](ctx, s, keyBackupKeys)
}

func (s *Store) GetRoomSettings(ctx context.Context, roomID string) (*RoomSettings, error) {
	return getOne[RoomSettings](ctx, s, k(prefixRoom, roomID))
}

func (s *Store) GetCustomValue(ctx context.Context, key string) ([]byte, error) {
	v, err := getOne[[]byte](ctx, s, k(prefixCustom, key))
	if err != nil || v == nil {
		return nil, err
	}
	return *v, nil
}

func (s *Store) SetCustomValue(ctx context.Context, key string, value []byte) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return s.put(tx, k(prefixCustom, key), value)
	})
}

func (s *Store) InsertCustomValueIfMissing(ctx context.Context, key string, value []byte) (bool, error) {
	inserted := false
	err := s.backend.Update(ctx, func(tx Tx) error {
		inserted = false
		if _, err := tx.Get(k(prefixCustom, key)); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		inserted = true
		return s.put(tx, k(prefixCustom, key), value)
	})
	return inserted, err
}

func (s *Store) RemoveCustomValue(ctx context.Context, key string) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.Delete(k(prefixCustom, key))
	})
}

func (s *Store) TrackedUsers(ctx context.Context) ([]TrackedUser, error) {
	users, err := scanAll[TrackedUser](ctx, s, prefixTracked, nil)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedUser, len(users))
	for i, u := range users {
		out[i] = *u
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
