// Package engine ties the crypto services together into one state machine.
// It consumes what the transport received and hands back the requests the
// transport must send; it never performs network I/O itself.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/doubleratchet"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/backup"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/keyshare"
	"e2e_crypto/internal/service/pairwise"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/service/verification"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

var ErrAccountMismatch = errors.New("engine: store belongs to another device")

type (
	Config struct {
		Account      account.Config       `yaml:"account"`
		Pairwise     doubleratchet.Config `yaml:"pairwise"`
		Group        group.Config         `yaml:"group"`
		Keyshare     keyshare.Config      `yaml:"keyshare"`
		Verification verification.Config `yaml:"verification"`
		// BackupBatchSize bounds the sessions per backup request.
		BackupBatchSize int `yaml:"backup_batch_size"`
	}

	Machine struct {
		store store.CryptoStore
		cfg   Config

		account      *account.Service
		pairwise     *pairwise.Service
		group        *group.Service
		trust        *trust.Service
		verification *verification.Service
		keyshare     *keyshare.Service
		backup       *backup.Service

		mu sync.Mutex
		// queue holds requests produced while handling events or user actions.
		queue []*model.OutgoingRequest
		// inflight holds key upload, query and claim requests until their
		// response arrives; at most one of each type is out at a time.
		inflight map[string]*model.OutgoingRequest
	}
)

// New opens the machine for userID/deviceID on st, generating the device
// identity on first use.
func New(ctx context.Context, st store.CryptoStore, userID, deviceID string, cfg Config) (*Machine, error) {
	locks := keylock.New()
	acc := account.New(st, locks, cfg.Account)

	id, err := acc.Identity(ctx)
	switch {
	case errors.Is(err, account.ErrNoAccount):
		if id, err = acc.GenerateIdentity(ctx, userID, deviceID); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if id.UserID != userID || id.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: %s", ErrAccountMismatch, id)
	}

	gr, err := group.New(st, acc, locks, cfg.Group)
	if err != nil {
		return nil, err
	}
	pw := pairwise.New(st, acc, locks, cfg.Pairwise)
	tr := trust.New(st, acc, locks)
	m := &Machine{
		store:        st,
		cfg:          cfg,
		account:      acc,
		pairwise:     pw,
		group:        gr,
		trust:        tr,
		verification: verification.New(st, acc, tr, locks, cfg.Verification),
		keyshare:     keyshare.New(st, acc, pw, gr, tr, locks, cfg.Keyshare),
		backup:       backup.New(st, acc, gr, tr),
		inflight:     map[string]*model.OutgoingRequest{},
	}

	// Our own devices are always tracked.
	if err := tr.TrackUsers(ctx, userID); err != nil {
		gr.Close()
		return nil, err
	}
	log.Info("crypto machine started", zap.String("user_id", userID), zap.String("device_id", deviceID),
		zap.String("curve25519", id.Curve25519))
	return m, nil
}

func (m *Machine) Close() {
	m.group.Close()
}

func (m *Machine) Identity(ctx context.Context) (*account.Identity, error) {
	return m.account.Identity(ctx)
}

func (m *Machine) Trust() *trust.Service { return m.trust }

func (m *Machine) Verification() *verification.Service { return m.verification }

func (m *Machine) Backup() *backup.Service { return m.backup }

// TrackUsers adds users whose devices we need, e.g. the members of an
// encrypted room. They are queried on the next OutgoingRequests.
func (m *Machine) TrackUsers(ctx context.Context, userIDs ...string) error {
	return m.trust.TrackUsers(ctx, userIDs...)
}

func (m *Machine) enqueue(reqs ...*model.OutgoingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		if r != nil {
			m.queue = append(m.queue, r)
		}
	}
}

// enqueueVerification turns what a verification transition produced into
// requests. Verification events travel in the clear.
func (m *Machine) enqueueVerification(out *verification.Outgoing) error {
	if out.Empty() {
		return nil
	}
	reqs := make([]*model.OutgoingRequest, 0, len(out.Messages)+len(out.SignatureUploads))
	for _, msg := range out.Messages {
		raw, err := json.Marshal(msg.Content)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		td := &model.ToDeviceRequest{EventType: msg.Type, TxnID: id}
		td.AddMessage(msg.UserID, msg.DeviceID, raw)
		reqs = append(reqs, &model.OutgoingRequest{ID: id, Type: model.RequestToDevice, ToDevice: td})
	}
	for _, su := range out.SignatureUploads {
		reqs = append(reqs, &model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestSignatureUpload, SignatureUpload: su})
	}
	m.enqueue(reqs...)
	return nil
}

func (m *Machine) inflightOf(t model.RequestType) bool {
	for _, r := range m.inflight {
		if r.Type == t {
			return true
		}
	}
	return false
}

// OutgoingRequests returns everything the transport should send now. Each
// request must be confirmed with MarkRequestAsSent once the server accepted
// it; unconfirmed key and backup requests are returned again.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]*model.OutgoingRequest, error) {
	out, err := m.verification.CheckTimeouts(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.enqueueVerification(out); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var reqs []*model.OutgoingRequest
	if !m.inflightOf(model.RequestKeysUpload) {
		upload, err := m.account.KeysForUpload(ctx)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if upload != nil {
			r := &model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestKeysUpload, KeysUpload: upload}
			m.inflight[r.ID] = r
			reqs = append(reqs, r)
		}
	}
	if !m.inflightOf(model.RequestKeysQuery) {
		query, err := m.trust.UsersForKeyQuery(ctx)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if query != nil {
			r := &model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestKeysQuery, KeysQuery: query}
			m.inflight[r.ID] = r
			reqs = append(reqs, r)
		}
	}
	reqs = append(reqs, m.queue...)
	m.queue = nil
	m.mu.Unlock()

	keyRequests, err := m.keyshare.OutgoingKeyRequests(ctx)
	if err != nil {
		return nil, err
	}
	reqs = append(reqs, keyRequests...)

	backupReq, err := m.backup.BackupRequest(ctx, m.cfg.BackupBatchSize)
	switch {
	case errors.Is(err, backup.ErrNoBackup):
	case err != nil:
		return nil, err
	case backupReq != nil:
		reqs = append(reqs, backupReq)
	}
	return reqs, nil
}

// MarkRequestAsSent feeds the server's response to a request back into the
// machine.
func (m *Machine) MarkRequestAsSent(ctx context.Context, requestID string, requestType model.RequestType, response json.RawMessage) error {
	m.mu.Lock()
	req := m.inflight[requestID]
	delete(m.inflight, requestID)
	m.mu.Unlock()

	switch requestType {
	case model.RequestKeysUpload:
		if req == nil {
			return fmt.Errorf("unknown keys upload request %s", requestID)
		}
		var resp model.KeysUploadResponse
		if err := json.Unmarshal(response, &resp); err != nil {
			return fmt.Errorf("keys upload response: %w", err)
		}
		return m.account.ReceiveKeysUploadResponse(ctx, req.KeysUpload, &resp)

	case model.RequestKeysQuery:
		var resp model.KeysQueryResponse
		if err := json.Unmarshal(response, &resp); err != nil {
			return fmt.Errorf("keys query response: %w", err)
		}
		res, err := m.trust.ReceiveKeysQueryResponse(ctx, &resp)
		if err != nil {
			return err
		}
		log.Debug("key query applied", zap.Int("new_devices", len(res.NewDevices)),
			zap.Int("changed_devices", len(res.ChangedDevices)), zap.Int("deleted_devices", len(res.DeletedDevices)))
		return nil

	case model.RequestKeysClaim:
		var resp model.KeysClaimResponse
		if err := json.Unmarshal(response, &resp); err != nil {
			return fmt.Errorf("keys claim response: %w", err)
		}
		return m.keyshare.ReceiveKeysClaimResponse(ctx, &resp)

	case model.RequestToDevice:
		ok, err := m.group.MarkShareSent(ctx, requestID)
		if err != nil || ok {
			return err
		}
		_, err = m.keyshare.MarkKeyRequestSent(ctx, requestID)
		return err

	case model.RequestKeysBackup:
		_, err := m.backup.MarkRequestAsSent(ctx, requestID)
		return err
	}
	return nil
}

// GetMissingSessions returns a key claim for the devices of users we have
// no pairwise session with, or nil. ShareRoomKey should run after its
// response was applied.
func (m *Machine) GetMissingSessions(ctx context.Context, userIDs []string) (*model.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflightOf(model.RequestKeysClaim) {
		return nil, nil
	}
	claim, err := m.keyshare.GetMissingSessions(ctx, userIDs)
	if err != nil || claim == nil {
		return nil, err
	}
	r := &model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestKeysClaim, KeysClaim: claim}
	m.inflight[r.ID] = r
	return r, nil
}

// ShareRoomKey returns the to-device requests that give the room's current
// key to the devices of users. Room events can be encrypted once all of
// them were marked as sent.
func (m *Machine) ShareRoomKey(ctx context.Context, roomID string, userIDs []string) ([]*model.OutgoingRequest, error) {
	return m.keyshare.ShareRoomKey(ctx, roomID, userIDs)
}

// BootstrapCrossSigning creates our cross-signing keys and queues their
// upload.
func (m *Machine) BootstrapCrossSigning(ctx context.Context, reset bool) error {
	keys, sigs, err := m.trust.BootstrapCrossSigning(ctx, reset)
	if err != nil {
		return err
	}
	m.enqueue(&model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestUploadSigningKeys, UploadSigningKeys: keys})
	if sigs != nil {
		m.enqueue(&model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestSignatureUpload, SignatureUpload: sigs})
	}
	return nil
}

// VerifyIdentity signs another user's master key with our user-signing key
// and queues the signature upload.
func (m *Machine) VerifyIdentity(ctx context.Context, userID string) error {
	sigs, err := m.trust.VerifyIdentity(ctx, userID)
	if err != nil || sigs == nil {
		return err
	}
	m.enqueue(&model.OutgoingRequest{ID: uuid.NewString(), Type: model.RequestSignatureUpload, SignatureUpload: sigs})
	return nil
}

// RequestVerification starts a verification with another device and queues
// the request event.
func (m *Machine) RequestVerification(ctx context.Context, userID, deviceID string) (*verification.Flow, error) {
	f, out, err := m.verification.RequestVerification(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return f, m.enqueueVerification(out)
}

func (m *Machine) AcceptVerification(ctx context.Context, txnID string) error {
	return m.verificationStep(m.verification.Accept(ctx, txnID))
}

func (m *Machine) StartSAS(ctx context.Context, txnID string) error {
	return m.verificationStep(m.verification.StartSAS(ctx, txnID))
}

// ConfirmVerification records that the user saw matching short auth strings.
func (m *Machine) ConfirmVerification(ctx context.Context, txnID string) error {
	return m.verificationStep(m.verification.Confirm(ctx, txnID))
}

func (m *Machine) CancelVerification(ctx context.Context, txnID string) error {
	return m.verificationStep(m.verification.Cancel(ctx, txnID, ""))
}

func (m *Machine) verificationStep(out *verification.Outgoing, err error) error {
	if err != nil {
		return err
	}
	return m.enqueueVerification(out)
}
