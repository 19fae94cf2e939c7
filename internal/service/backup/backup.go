// Package backup encrypts inbound group sessions for server-side escrow and
// restores them with the recovery key.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

// DefaultBatchSize bounds the sessions put into one backup request.
const DefaultBatchSize = 100

var (
	ErrNoBackup             = errors.New("backup: no backup enabled")
	ErrUnsupportedAlgorithm = errors.New("backup: unsupported algorithm")
)

type (
	Service struct {
		store   store.CryptoStore
		account *account.Service
		group   *group.Service
		trust   *trust.Service

		mu sync.Mutex
		// inflight maps backup request ids to the sessions they carry.
		inflight map[string]inflightBackup
	}

	inflightBackup struct {
		version string
		refs    []store.SessionRef
	}

	// RestoreResult counts what a restore or import did. Sessions already
	// covered by a stored one are counted as Total but not Imported.
	RestoreResult struct {
		Total    int
		Imported int
		Corrupt  int
		// Keys lists room -> sessions imported.
		Keys map[string][]string
	}
)

func New(st store.CryptoStore, acc *account.Service, gr *group.Service, tr *trust.Service) *Service {
	return &Service{store: st, account: acc, group: gr, trust: tr, inflight: map[string]inflightBackup{}}
}

// NewBackupInfo returns the signed backup description to create on the
// server for key. salt and iterations are published for passphrase keys and
// left empty otherwise.
func (s *Service) NewBackupInfo(ctx context.Context, key *RecoveryKey, salt string, iterations int) (*model.BackupInfo, error) {
	auth := model.BackupAuthData{
		PublicKey:            key.PublicKey(),
		PrivateKeySalt:       salt,
		PrivateKeyIterations: iterations,
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}
	keyID, sig, err := s.account.SignJSON(ctx, auth)
	if err != nil {
		return nil, err
	}
	auth.Signatures = auth.Signatures.Add(id.UserID, keyID, sig)
	return &model.BackupInfo{Algorithm: model.AlgorithmBackup, AuthData: auth}, nil
}

// VerifyBackup reports whether info was signed by this device, by a
// verified device of ours, or by our trusted master key.
func (s *Service) VerifyBackup(ctx context.Context, info *model.BackupInfo) (bool, error) {
	if info.Algorithm != model.AlgorithmBackup {
		return false, nil
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return false, err
	}
	auth := info.AuthData

	for keyID := range auth.Signatures[id.UserID] {
		algorithm, name, ok := model.SplitKeyID(keyID)
		if !ok || algorithm != model.KeyEd25519 {
			continue
		}
		var signer string
		switch {
		case name == id.DeviceID:
			signer = id.Ed25519
		default:
			signer, err = s.trustedSigner(ctx, id.UserID, name)
			if err != nil {
				return false, err
			}
		}
		if signer == "" {
			continue
		}
		pub, err := model.DecodeKey(signer, 32)
		if err != nil {
			continue
		}
		if model.VerifyJSON(auth, auth.Signatures, id.UserID, keyID, pub) == nil {
			return true, nil
		}
	}
	return false, nil
}

// trustedSigner resolves a key name to a signing key we trust: a Verified
// own device or our master key once it is trusted.
func (s *Service) trustedSigner(ctx context.Context, userID, name string) (string, error) {
	device, err := s.store.GetDevice(ctx, userID, name)
	if err != nil {
		return "", err
	}
	if device != nil {
		state, err := s.trust.DeviceState(ctx, userID, name)
		if err != nil {
			return "", err
		}
		if state == trust.Verified {
			return device.Ed25519(), nil
		}
		return "", nil
	}

	ident, err := s.store.GetIdentity(ctx, userID)
	if err != nil || ident == nil || ident.Master == nil {
		return "", err
	}
	if _, master := ident.Master.PublicKey(); master != name {
		return "", nil
	}
	ok, err := s.trust.IdentityVerified(ctx, userID)
	if err != nil || !ok {
		return "", err
	}
	return name, nil
}

// EnableBackup starts backing up to the server-side backup described by
// info. Switching to another version marks every session as not backed up.
func (s *Service) EnableBackup(ctx context.Context, info *model.BackupInfo) error {
	if info.Algorithm != model.AlgorithmBackup {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, info.Algorithm)
	}
	if _, err := model.DecodeKey(info.AuthData.PublicKey, keySize); err != nil {
		return fmt.Errorf("backup public key: %w", err)
	}
	current, err := s.store.LoadBackupKeys(ctx)
	if err != nil {
		return err
	}
	keys := &store.BackupKeys{Version: info.Version, PublicKey: info.AuthData.PublicKey}
	if current != nil && current.PublicKey == keys.PublicKey {
		keys.DecryptionKey = current.DecryptionKey
	}
	if current == nil || current.Version != info.Version {
		if err := s.store.ResetBackupState(ctx); err != nil {
			return err
		}
	}
	log.Info("key backup enabled", zap.String("version", info.Version))
	return s.store.SaveChanges(ctx, &store.Changes{BackupKeys: keys})
}

func (s *Service) DisableBackup(ctx context.Context) error {
	s.mu.Lock()
	s.inflight = map[string]inflightBackup{}
	s.mu.Unlock()
	if err := s.store.ResetBackupState(ctx); err != nil {
		return err
	}
	log.Info("key backup disabled")
	return s.store.SaveChanges(ctx, &store.Changes{BackupKeys: &store.BackupKeys{}})
}

func (s *Service) enabled(ctx context.Context) (*store.BackupKeys, error) {
	keys, err := s.store.LoadBackupKeys(ctx)
	if err != nil {
		return nil, err
	}
	if keys == nil || keys.PublicKey == "" {
		return nil, ErrNoBackup
	}
	return keys, nil
}

// SaveRecoveryKey keeps the recovery key on this device. It must match the
// enabled backup.
func (s *Service) SaveRecoveryKey(ctx context.Context, key *RecoveryKey) error {
	keys, err := s.enabled(ctx)
	if err != nil {
		return err
	}
	if keys.PublicKey != key.PublicKey() {
		return ErrWrongRecoveryKey
	}
	keys.DecryptionKey = key.Bytes()
	return s.store.SaveChanges(ctx, &store.Changes{BackupKeys: keys})
}

// RecoveryKey returns the stored recovery key, or nil.
func (s *Service) RecoveryKey(ctx context.Context) (*RecoveryKey, error) {
	keys, err := s.store.LoadBackupKeys(ctx)
	if err != nil || keys == nil || len(keys.DecryptionKey) == 0 {
		return nil, err
	}
	return recoveryKeyFromBytes(keys.DecryptionKey)
}

func backupData(pub string, igs *store.InboundGroupSession) (*model.KeyBackupData, error) {
	exported, err := group.Export(igs)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	enc, err := Encrypt(pub, plaintext)
	if err != nil {
		return nil, err
	}
	return &model.KeyBackupData{
		FirstMessageIndex: igs.FirstKnownIndex(),
		ForwardedCount:    len(igs.ForwardingChain),
		IsVerified:        len(igs.ForwardingChain) == 0 && !igs.Imported,
		SessionData:       *enc,
	}, nil
}

// BackupRequest returns the next batch of sessions not backed up yet, or
// nil when everything is backed up.
func (s *Service) BackupRequest(ctx context.Context, limit int) (*model.OutgoingRequest, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	keys, err := s.enabled(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inflight) > 0 {
		// One batch at a time, so a session is never in two requests.
		return nil, nil
	}

	sessions, err := s.store.InboundGroupSessionsForBackup(ctx, limit)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	body := &model.KeysBackupRequest{Version: keys.Version, Rooms: map[string]model.RoomKeyBackup{}}
	refs := make([]store.SessionRef, 0, len(sessions))
	for _, igs := range sessions {
		data, err := backupData(keys.PublicKey, igs)
		if err != nil {
			metrics.BackupEntriesTotal.WithLabelValues("backup", "error").Inc()
			return nil, err
		}
		roomBackup, ok := body.Rooms[igs.RoomID]
		if !ok {
			roomBackup = model.RoomKeyBackup{Sessions: map[string]model.KeyBackupData{}}
			body.Rooms[igs.RoomID] = roomBackup
		}
		roomBackup.Sessions[igs.SessionID] = *data
		refs = append(refs, igs.Ref())
	}

	req := &model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestKeysBackup, KeysBackup: body}
	s.inflight[req.ID] = inflightBackup{version: keys.Version, refs: refs}
	log.Debug("key backup batch prepared", zap.String("request_id", req.ID), zap.Int("sessions", len(refs)))
	return req, nil
}

// MarkRequestAsSent records a confirmed backup upload. It reports whether
// requestID was a backup request.
func (s *Service) MarkRequestAsSent(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	b, ok := s.inflight[requestID]
	delete(s.inflight, requestID)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	keys, err := s.enabled(ctx)
	if err != nil {
		return true, err
	}
	if keys.Version != b.version {
		log.Info("backup version changed during upload, not marking sessions", zap.String("version", b.version))
		return true, nil
	}
	if err := s.store.MarkInboundGroupSessionsAsBackedUp(ctx, b.version, b.refs); err != nil {
		return true, err
	}
	metrics.BackupEntriesTotal.WithLabelValues("backup", "ok").Add(float64(len(b.refs)))
	return true, nil
}

// RoomKeyCounts reports how many sessions exist and how many are backed up.
func (s *Service) RoomKeyCounts(ctx context.Context) (store.RoomKeyCounts, error) {
	return s.store.InboundGroupSessionCounts(ctx)
}

// DecryptSession unwraps one backed up session.
func DecryptSession(key *RecoveryKey, roomID, sessionID string, data *model.KeyBackupData) (*model.ExportedRoomKey, error) {
	plaintext, err := key.Decrypt(&data.SessionData)
	if err != nil {
		return nil, err
	}
	var exported model.ExportedRoomKey
	if err := json.Unmarshal(plaintext, &exported); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}
	if exported.RoomID != roomID || exported.SessionID != sessionID {
		return nil, fmt.Errorf("%w: session filed under the wrong room or id", ErrCorruptBackup)
	}
	return &exported, nil
}

// Restore imports every session of a downloaded backup. Progress is kept
// session by session, so a retry after a failure only repeats the rest.
// A key that does not match info, or that opens no entry at all, is
// reported as ErrWrongRecoveryKey. Otherwise unreadable entries are skipped
// and reported with ErrCorruptBackup once the rest was imported.
func (s *Service) Restore(ctx context.Context, key *RecoveryKey, info *model.BackupInfo, rooms map[string]model.RoomKeyBackup) (*RestoreResult, error) {
	if info != nil && info.AuthData.PublicKey != key.PublicKey() {
		return nil, ErrWrongRecoveryKey
	}
	var (
		res     = &RestoreResult{Keys: map[string][]string{}}
		backed  []store.SessionRef
		current *store.BackupKeys
		// The key is known to be right once info matched it or one entry
		// opened; authentication failures after that are corruption.
		confirmed = info != nil
		unopened  int
	)
	if info != nil {
		keys, err := s.store.LoadBackupKeys(ctx)
		if err != nil {
			return nil, err
		}
		if keys != nil && keys.Version == info.Version && keys.PublicKey == info.AuthData.PublicKey {
			current = keys
		}
	}

	for _, roomID := range sortedKeys(rooms) {
		sessions := rooms[roomID].Sessions
		for _, sessionID := range sortedKeys(sessions) {
			data := sessions[sessionID]
			res.Total++
			exported, err := DecryptSession(key, roomID, sessionID, &data)
			switch {
			case errors.Is(err, ErrWrongRecoveryKey):
				unopened++
				res.Corrupt++
				metrics.BackupEntriesTotal.WithLabelValues("restore", "wrong_key").Inc()
				log.Warn("backup entry failed authentication", zap.String("room_id", roomID), zap.String("session_id", sessionID))
				continue
			case errors.Is(err, ErrCorruptBackup):
				res.Corrupt++
				metrics.BackupEntriesTotal.WithLabelValues("restore", "corrupt").Inc()
				log.Warn("corrupt backup entry skipped", zap.String("room_id", roomID), zap.String("session_id", sessionID), zap.Error(err))
				continue
			case err != nil:
				return res, err
			}
			confirmed = true

			igs, stored, err := s.group.ImportInbound(ctx, exported, true)
			if errors.Is(err, model.ErrMalformedMessage) {
				res.Corrupt++
				log.Warn("backup entry with bad session key skipped", zap.String("room_id", roomID), zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if err != nil {
				return res, err
			}
			if stored {
				res.Imported++
				res.Keys[roomID] = append(res.Keys[roomID], sessionID)
				backed = append(backed, igs.Ref())
				metrics.BackupEntriesTotal.WithLabelValues("restore", "ok").Inc()
			}
		}
	}

	if !confirmed && unopened > 0 {
		return res, ErrWrongRecoveryKey
	}
	if current != nil && len(backed) > 0 {
		if err := s.store.MarkInboundGroupSessionsAsBackedUp(ctx, current.Version, backed); err != nil {
			return res, err
		}
	}
	log.Info("key backup restored", zap.Int("total", res.Total), zap.Int("imported", res.Imported), zap.Int("corrupt", res.Corrupt))
	if res.Corrupt > 0 {
		return res, fmt.Errorf("%w: %d of %d entries unreadable", ErrCorruptBackup, res.Corrupt, res.Total)
	}
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
