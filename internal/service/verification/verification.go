// Package verification runs interactive SAS verification flows between two
// devices. Every transition is persisted before its messages are returned.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/sas"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

const DefaultTimeout = 10 * time.Minute

const macKeyIDs = "KEY_IDS"

var (
	ErrUnknownTransaction = errors.New("verification: unknown transaction")
	ErrTransactionUsed    = errors.New("verification: transaction id already used")
	ErrWrongState         = errors.New("verification: operation not valid in this state")
)

type (
	Config struct {
		Timeout time.Duration `yaml:"timeout"`
	}

	Service struct {
		store   store.CryptoStore
		account *account.Service
		trust   *trust.Service
		locks   *keylock.KeyLock
		cfg     Config
		now     func() time.Time
	}
)

func New(st store.CryptoStore, acc *account.Service, tr *trust.Service, locks *keylock.KeyLock, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{store: st, account: acc, trust: tr, locks: locks, cfg: cfg, now: time.Now}
}

func flowLock(txnID string) string {
	return "flow:" + txnID
}

func ourStart(deviceID, txnID string) *model.VerificationStartContent {
	return &model.VerificationStartContent{
		FromDevice:                 deviceID,
		Method:                     model.VerificationMethodSAS,
		TransactionID:              txnID,
		KeyAgreementProtocols:      []string{model.SASKeyAgreementCurve25519},
		Hashes:                     []string{model.SASHashSHA256},
		MessageAuthenticationCodes: []string{model.SASMacHKDFHMACSHA256},
		ShortAuthenticationString:  []string{model.SASDecimal, model.SASEmoji},
	}
}

func (s *Service) Flow(ctx context.Context, txnID string) (*Flow, error) {
	rec, err := s.store.GetVerificationFlow(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownTransaction
	}
	f, err := decodeFlow(rec)
	if err != nil {
		return nil, err
	}
	return f.view(), nil
}

// Flows lists flows that have not finished yet.
func (s *Service) Flows(ctx context.Context) ([]*Flow, error) {
	recs, err := s.store.VerificationFlows(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Flow
	for _, rec := range recs {
		f, err := decodeFlow(rec)
		if err != nil {
			return nil, err
		}
		if !f.state().Terminal() {
			out = append(out, f.view())
		}
	}
	return out, nil
}

// RequestVerification opens a flow with another device under a fresh
// transaction id.
func (s *Service) RequestVerification(ctx context.Context, userID, deviceID string) (*Flow, *Outgoing, error) {
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, nil, err
	}

	var txnID string
	for {
		txnID = uuid.NewString()
		used, err := s.store.IsTransactionIDUsed(ctx, txnID)
		if err != nil {
			return nil, nil, err
		}
		if !used {
			break
		}
	}

	now := s.now().UTC()
	f := &flow{
		rec: &store.VerificationFlow{
			TransactionID: txnID,
			OtherUserID:   userID,
			OtherDeviceID: deviceID,
			CreatedAt:     now,
		},
		data: flowData{WeRequested: true},
	}
	f.set(StateRequested)

	out := &Outgoing{}
	out.send(userID, deviceID, model.EventVerificationRequest, &model.VerificationRequestContent{
		FromDevice:    id.DeviceID,
		Methods:       []string{model.VerificationMethodSAS},
		TransactionID: txnID,
		Timestamp:     now.UnixMilli(),
	})
	if err := s.save(ctx, f); err != nil {
		return nil, nil, err
	}
	log.Debug("verification requested", zap.String("transaction_id", txnID), zap.String("user_id", userID), zap.String("device_id", deviceID))
	return f.view(), out, nil
}

func (s *Service) save(ctx context.Context, f *flow) error {
	if err := f.encode(s.now().UTC()); err != nil {
		return err
	}
	return s.store.SaveChanges(ctx, &store.Changes{VerificationFlows: []*store.VerificationFlow{f.rec}})
}

// transition runs fn on the flow under its lock and stores the result.
func (s *Service) transition(ctx context.Context, txnID string, fn func(f *flow, id *account.Identity, out *Outgoing) error) (*Outgoing, error) {
	unlock, err := s.locks.Lock(ctx, flowLock(txnID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetVerificationFlow(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownTransaction
	}
	f, err := decodeFlow(rec)
	if err != nil {
		return nil, err
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, err
	}

	out := &Outgoing{}
	before := f.state()
	if !before.Terminal() && s.now().Sub(f.rec.CreatedAt) > s.cfg.Timeout {
		s.cancel(f, out, CancelTimeout, "verification timed out")
	} else if err := fn(f, id, out); err != nil {
		return nil, err
	}

	if f.verified == nil {
		if err := s.save(ctx, f); err != nil {
			return nil, err
		}
	} else {
		if err := f.encode(s.now().UTC()); err != nil {
			return nil, err
		}
		uploads, err := s.trust.MarkVerified(ctx, f.rec.OtherUserID, f.rec.OtherDeviceID, f.verified.device, f.verified.master,
			&store.Changes{VerificationFlows: []*store.VerificationFlow{f.rec}})
		if err != nil {
			return nil, err
		}
		out.SignatureUploads = append(out.SignatureUploads, uploads...)
	}
	if after := f.state(); after != before {
		log.Debug("verification state changed", zap.String("transaction_id", txnID),
			zap.String("from", string(before)), zap.String("to", string(after)))
		if after.Terminal() {
			metrics.VerificationsTotal.WithLabelValues(string(after)).Inc()
		}
	}
	return out, nil
}

// cancel moves the flow to StateCancelled and tells the other side.
func (s *Service) cancel(f *flow, out *Outgoing, code, reason string) {
	if f.state().Terminal() {
		return
	}
	f.set(StateCancelled)
	f.data.Cancel = &CancelError{Code: code, Reason: reason, ByUs: true}
	f.data.SASKey = nil
	out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationCancel, &model.VerificationCancelContent{
		TransactionID: f.rec.TransactionID,
		Code:          code,
		Reason:        reason,
	})
	log.Info("verification cancelled", zap.String("transaction_id", f.rec.TransactionID), zap.String("code", code))
}

// Accept answers an incoming request with the methods we support.
func (s *Service) Accept(ctx context.Context, txnID string) (*Outgoing, error) {
	return s.transition(ctx, txnID, func(f *flow, id *account.Identity, out *Outgoing) error {
		if f.state() != StateRequested || f.data.WeRequested {
			return ErrWrongState
		}
		f.set(StateReady)
		out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationReady, &model.VerificationReadyContent{
			FromDevice:    id.DeviceID,
			Methods:       []string{model.VerificationMethodSAS},
			TransactionID: f.rec.TransactionID,
		})
		return nil
	})
}

// StartSAS begins the SAS exchange on a ready flow.
func (s *Service) StartSAS(ctx context.Context, txnID string) (*Outgoing, error) {
	return s.transition(ctx, txnID, func(f *flow, id *account.Identity, out *Outgoing) error {
		if f.state() != StateReady {
			return ErrWrongState
		}
		key, err := sas.New()
		if err != nil {
			return err
		}
		start := ourStart(id.DeviceID, f.rec.TransactionID)
		f.data.WeStarted = true
		f.data.Start = start
		f.data.SASKey = key.PrivateKey()
		f.set(StateStarted)
		out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationStart, start)
		return nil
	})
}

// Cancel ends the flow at the user's request.
func (s *Service) Cancel(ctx context.Context, txnID, code string) (*Outgoing, error) {
	if code == "" {
		code = CancelUser
	}
	return s.transition(ctx, txnID, func(f *flow, _ *account.Identity, out *Outgoing) error {
		s.cancel(f, out, code, "cancelled by user")
		return nil
	})
}

// CheckTimeouts cancels every flow older than the configured timeout.
func (s *Service) CheckTimeouts(ctx context.Context) (*Outgoing, error) {
	flows, err := s.Flows(ctx)
	if err != nil {
		return nil, err
	}
	all := &Outgoing{}
	for _, f := range flows {
		if s.now().Sub(f.CreatedAt) <= s.cfg.Timeout {
			continue
		}
		out, err := s.transition(ctx, f.TransactionID, func(*flow, *account.Identity, *Outgoing) error { return nil })
		if err != nil {
			return nil, err
		}
		all.Messages = append(all.Messages, out.Messages...)
	}
	return all, nil
}

func (s *Service) sasInfo(f *flow, id *account.Identity) (*sas.SAS, sas.Info, error) {
	if f.data.SASKey == nil || f.data.TheirKey == "" {
		return nil, sas.Info{}, ErrWrongState
	}
	key, err := sas.Restore(f.data.SASKey, f.data.TheirKey)
	if err != nil {
		return nil, sas.Info{}, err
	}
	us := [3]string{id.UserID, id.DeviceID, key.PublicKey()}
	them := [3]string{f.rec.OtherUserID, f.rec.OtherDeviceID, f.data.TheirKey}
	if !f.data.WeStarted {
		us, them = them, us
	}
	return key, sas.Info{
		FirstUser: us[0], FirstDevice: us[1], FirstKey: us[2],
		SecondUser: them[0], SecondDevice: them[1], SecondKey: them[2],
		TransactionID: f.rec.TransactionID,
	}, nil
}

func (s *Service) loadSAS(ctx context.Context, txnID string) (*sas.SAS, sas.Info, error) {
	rec, err := s.store.GetVerificationFlow(ctx, txnID)
	if err != nil {
		return nil, sas.Info{}, err
	}
	if rec == nil {
		return nil, sas.Info{}, ErrUnknownTransaction
	}
	f, err := decodeFlow(rec)
	if err != nil {
		return nil, sas.Info{}, err
	}
	if f.state() != StateKeysExchanged && f.state() != StateMacsExchanged {
		return nil, sas.Info{}, ErrWrongState
	}
	id, err := s.account.Identity(ctx)
	if err != nil {
		return nil, sas.Info{}, err
	}
	return s.sasInfo(f, id)
}

// Emojis returns the seven emoji both users compare.
func (s *Service) Emojis(ctx context.Context, txnID string) ([]sas.Emoji, error) {
	key, info, err := s.loadSAS(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return key.Emojis(info)
}

func (s *Service) Decimals(ctx context.Context, txnID string) ([3]uint16, error) {
	key, info, err := s.loadSAS(ctx, txnID)
	if err != nil {
		return [3]uint16{}, err
	}
	return key.Decimals(info)
}

// Confirm records that the user saw matching short strings and sends our
// MACs. A mismatch is reported with Cancel(CancelMismatchedSAS).
func (s *Service) Confirm(ctx context.Context, txnID string) (*Outgoing, error) {
	return s.transitionCtx(ctx, txnID, func(ctx context.Context, f *flow, id *account.Identity, out *Outgoing) error {
		if f.state() != StateKeysExchanged || f.data.Confirmed {
			return ErrWrongState
		}
		key, _, err := s.sasInfo(f, id)
		if err != nil {
			return err
		}

		keys := map[string]string{model.KeyID(model.KeyEd25519, id.DeviceID): id.Ed25519}
		own, err := s.store.GetIdentity(ctx, id.UserID)
		if err != nil {
			return err
		}
		if own != nil && own.Master != nil {
			keyID, masterKey := own.Master.PublicKey()
			keys[keyID] = masterKey
		}

		mac := &model.VerificationMacContent{TransactionID: f.rec.TransactionID, Mac: map[string]string{}}
		var ids []string
		for keyID, value := range keys {
			info := sas.MacInfo(id.UserID, id.DeviceID, f.rec.OtherUserID, f.rec.OtherDeviceID, f.rec.TransactionID, keyID)
			if mac.Mac[keyID], err = key.CalculateMac(value, info); err != nil {
				return err
			}
			ids = append(ids, keyID)
		}
		info := sas.MacInfo(id.UserID, id.DeviceID, f.rec.OtherUserID, f.rec.OtherDeviceID, f.rec.TransactionID, macKeyIDs)
		if mac.Keys, err = key.CalculateMac(sas.KeyList(ids), info); err != nil {
			return err
		}

		f.data.Confirmed = true
		out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationMac, mac)
		if f.data.TheirMac != nil {
			return s.checkMac(ctx, f, id, key, out)
		}
		return nil
	})
}

func (s *Service) transitionCtx(ctx context.Context, txnID string, fn func(ctx context.Context, f *flow, id *account.Identity, out *Outgoing) error) (*Outgoing, error) {
	return s.transition(ctx, txnID, func(f *flow, id *account.Identity, out *Outgoing) error {
		return fn(ctx, f, id, out)
	})
}

// checkMac verifies the stored MAC of the other side. Once both sides have
// confirmed, the verified keys are trusted and done is sent.
func (s *Service) checkMac(ctx context.Context, f *flow, id *account.Identity, key *sas.SAS, out *Outgoing) error {
	mac := f.data.TheirMac
	macInfo := func(keyID string) string {
		return sas.MacInfo(f.rec.OtherUserID, f.rec.OtherDeviceID, id.UserID, id.DeviceID, f.rec.TransactionID, keyID)
	}

	ids := make([]string, 0, len(mac.Mac))
	for keyID := range mac.Mac {
		ids = append(ids, keyID)
	}
	if !key.VerifyMac(sas.KeyList(ids), macInfo(macKeyIDs), mac.Keys) {
		s.cancel(f, out, CancelKeyMismatch, "key list MAC mismatch")
		return nil
	}

	device, err := s.store.GetDevice(ctx, f.rec.OtherUserID, f.rec.OtherDeviceID)
	if err != nil {
		return err
	}
	ident, err := s.store.GetIdentity(ctx, f.rec.OtherUserID)
	if err != nil {
		return err
	}

	deviceKeyID := model.KeyID(model.KeyEd25519, f.rec.OtherDeviceID)
	var deviceOK, masterOK bool
	for keyID, value := range mac.Mac {
		var expected string
		switch {
		case keyID == deviceKeyID && device != nil:
			expected = device.Ed25519()
		case ident != nil && ident.Master != nil:
			if masterID, masterKey := ident.Master.PublicKey(); masterID == keyID {
				expected = masterKey
			}
		}
		if expected == "" {
			continue
		}
		if !key.VerifyMac(expected, macInfo(keyID), value) {
			s.cancel(f, out, CancelKeyMismatch, "MAC mismatch for "+keyID)
			return nil
		}
		if keyID == deviceKeyID {
			deviceOK = true
		} else {
			masterOK = true
		}
	}
	if !deviceOK && !masterOK {
		s.cancel(f, out, CancelKeyMismatch, "no known key was verified")
		return nil
	}
	if !f.data.Confirmed {
		return nil
	}

	f.verified = &verifiedKeys{device: deviceOK, master: masterOK}
	f.set(StateMacsExchanged)
	out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationDone, &model.VerificationDoneContent{TransactionID: f.rec.TransactionID})
	f.data.SASKey = nil
	if f.data.TheirDone {
		f.set(StateDone)
	}
	return nil
}

type txnContent struct {
	TransactionID string `json:"transaction_id"`
}

// Receive handles a verification to-device event from sender.
func (s *Service) Receive(ctx context.Context, sender, eventType string, content json.RawMessage) (*Outgoing, error) {
	var txn txnContent
	if err := json.Unmarshal(content, &txn); err != nil || txn.TransactionID == "" {
		log.Info("verification event without transaction id dropped", zap.String("type", eventType), zap.String("sender", sender))
		return &Outgoing{}, nil
	}

	if eventType == model.EventVerificationRequest {
		var req model.VerificationRequestContent
		if err := json.Unmarshal(content, &req); err != nil {
			return &Outgoing{}, nil
		}
		return s.receiveRequest(ctx, sender, &req)
	}

	rec, err := s.store.GetVerificationFlow(ctx, txn.TransactionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.OtherUserID != sender {
		log.Info("verification event for unknown transaction dropped",
			zap.String("type", eventType), zap.String("sender", sender), zap.String("transaction_id", txn.TransactionID))
		return &Outgoing{}, nil
	}

	return s.transitionCtx(ctx, txn.TransactionID, func(ctx context.Context, f *flow, id *account.Identity, out *Outgoing) error {
		if f.state().Terminal() && eventType != model.EventVerificationDone {
			return nil
		}
		var err error
		switch eventType {
		case model.EventVerificationReady:
			err = s.onReady(f, content, out)
		case model.EventVerificationStart:
			err = s.onStart(f, id, content, out)
		case model.EventVerificationAccept:
			err = s.onAccept(f, content, out)
		case model.EventVerificationKey:
			err = s.onKey(f, content, out)
		case model.EventVerificationMac:
			err = s.onMac(ctx, f, id, content, out)
		case model.EventVerificationDone:
			if f.state() == StateMacsExchanged {
				f.set(StateDone)
			} else if !f.state().Terminal() {
				f.data.TheirDone = true
			}
		case model.EventVerificationCancel:
			var c model.VerificationCancelContent
			if json.Unmarshal(content, &c) == nil {
				f.set(StateCancelled)
				f.data.Cancel = &CancelError{Code: c.Code, Reason: c.Reason}
				f.data.SASKey = nil
				log.Info("verification cancelled by peer", zap.String("transaction_id", f.rec.TransactionID), zap.String("code", c.Code))
			}
		default:
			s.cancel(f, out, CancelUnexpectedMessage, "unknown event type "+eventType)
		}
		return err
	})
}

func (s *Service) receiveRequest(ctx context.Context, sender string, req *model.VerificationRequestContent) (*Outgoing, error) {
	unlock, err := s.locks.Lock(ctx, flowLock(req.TransactionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	used, err := s.store.IsTransactionIDUsed(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if used {
		log.Warn("verification request reuses a transaction id, ignoring",
			zap.String("sender", sender), zap.String("transaction_id", req.TransactionID))
		return &Outgoing{}, nil
	}

	f := &flow{rec: &store.VerificationFlow{
		TransactionID: req.TransactionID,
		OtherUserID:   sender,
		OtherDeviceID: req.FromDevice,
		CreatedAt:     s.now().UTC(),
	}}
	f.set(StateRequested)
	out := &Outgoing{}
	if !slices.Contains(req.Methods, model.VerificationMethodSAS) {
		s.cancel(f, out, CancelUnknownMethod, "no supported method")
	}
	if err := s.save(ctx, f); err != nil {
		return nil, err
	}
	log.Debug("verification request received", zap.String("transaction_id", req.TransactionID), zap.String("sender", sender))
	return out, nil
}

func (s *Service) onReady(f *flow, content json.RawMessage, out *Outgoing) error {
	var ready model.VerificationReadyContent
	if err := json.Unmarshal(content, &ready); err != nil {
		s.cancel(f, out, CancelInvalidMessage, err.Error())
		return nil
	}
	switch {
	case f.state() != StateRequested || !f.data.WeRequested:
		s.cancel(f, out, CancelUnexpectedMessage, "unexpected ready")
	case ready.FromDevice != f.rec.OtherDeviceID:
		s.cancel(f, out, CancelUserMismatch, "ready from another device")
	case !slices.Contains(ready.Methods, model.VerificationMethodSAS):
		s.cancel(f, out, CancelUnknownMethod, "no supported method")
	default:
		f.set(StateReady)
	}
	return nil
}

func supportsStart(start *model.VerificationStartContent) bool {
	return start.Method == model.VerificationMethodSAS &&
		slices.Contains(start.KeyAgreementProtocols, model.SASKeyAgreementCurve25519) &&
		slices.Contains(start.Hashes, model.SASHashSHA256) &&
		slices.Contains(start.MessageAuthenticationCodes, model.SASMacHKDFHMACSHA256) &&
		(slices.Contains(start.ShortAuthenticationString, model.SASEmoji) ||
			slices.Contains(start.ShortAuthenticationString, model.SASDecimal))
}

func (s *Service) onStart(f *flow, id *account.Identity, content json.RawMessage, out *Outgoing) error {
	var start model.VerificationStartContent
	if err := json.Unmarshal(content, &start); err != nil {
		s.cancel(f, out, CancelInvalidMessage, err.Error())
		return nil
	}

	switch f.state() {
	case StateReady, StateRequested:
	case StateStarted:
		// Both sides started at once: the lexicographically smaller
		// (user, device) keeps its start.
		if id.UserID < f.rec.OtherUserID || (id.UserID == f.rec.OtherUserID && id.DeviceID < f.rec.OtherDeviceID) {
			return nil
		}
	default:
		s.cancel(f, out, CancelUnexpectedMessage, "unexpected start")
		return nil
	}
	if start.FromDevice != f.rec.OtherDeviceID {
		s.cancel(f, out, CancelUserMismatch, "start from another device")
		return nil
	}
	if !supportsStart(&start) {
		s.cancel(f, out, CancelUnknownMethod, "unsupported SAS parameters")
		return nil
	}

	key, err := sas.New()
	if err != nil {
		return err
	}
	commitment, err := sas.Commitment(key.PublicKey(), &start)
	if err != nil {
		return err
	}
	f.data.WeStarted = false
	f.data.Start = &start
	f.data.SASKey = key.PrivateKey()
	f.set(StateAccepted)

	var methods []string
	for _, m := range []string{model.SASDecimal, model.SASEmoji} {
		if slices.Contains(start.ShortAuthenticationString, m) {
			methods = append(methods, m)
		}
	}
	out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationAccept, &model.VerificationAcceptContent{
		TransactionID:             f.rec.TransactionID,
		Method:                    model.VerificationMethodSAS,
		KeyAgreementProtocol:      model.SASKeyAgreementCurve25519,
		Hash:                      model.SASHashSHA256,
		MessageAuthenticationCode: model.SASMacHKDFHMACSHA256,
		ShortAuthenticationString: methods,
		Commitment:                commitment,
	})
	return nil
}

func (s *Service) onAccept(f *flow, content json.RawMessage, out *Outgoing) error {
	var accept model.VerificationAcceptContent
	if err := json.Unmarshal(content, &accept); err != nil {
		s.cancel(f, out, CancelInvalidMessage, err.Error())
		return nil
	}
	if f.state() != StateStarted || !f.data.WeStarted {
		s.cancel(f, out, CancelUnexpectedMessage, "unexpected accept")
		return nil
	}
	if accept.KeyAgreementProtocol != model.SASKeyAgreementCurve25519 ||
		accept.Hash != model.SASHashSHA256 ||
		accept.MessageAuthenticationCode != model.SASMacHKDFHMACSHA256 {
		s.cancel(f, out, CancelUnknownMethod, "unsupported SAS parameters")
		return nil
	}

	key, err := sas.Restore(f.data.SASKey, "")
	if err != nil {
		return err
	}
	f.data.Commitment = accept.Commitment
	f.data.KeySent = true
	f.set(StateAccepted)
	out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationKey, &model.VerificationKeyContent{
		TransactionID: f.rec.TransactionID,
		Key:           key.PublicKey(),
	})
	return nil
}

func (s *Service) onKey(f *flow, content json.RawMessage, out *Outgoing) error {
	var msg model.VerificationKeyContent
	if err := json.Unmarshal(content, &msg); err != nil {
		s.cancel(f, out, CancelInvalidMessage, err.Error())
		return nil
	}
	if f.state() != StateAccepted || f.data.TheirKey != "" || (f.data.WeStarted && !f.data.KeySent) {
		s.cancel(f, out, CancelUnexpectedMessage, "unexpected key")
		return nil
	}

	if f.data.WeStarted {
		expected, err := sas.Commitment(msg.Key, f.data.Start)
		if err != nil {
			return err
		}
		if !sas.CommitmentsEqual(expected, f.data.Commitment) {
			s.cancel(f, out, CancelMismatchedCommitment, "key does not match the commitment")
			return nil
		}
	}

	key, err := sas.Restore(f.data.SASKey, msg.Key)
	if err != nil {
		s.cancel(f, out, CancelInvalidMessage, fmt.Sprintf("bad key: %v", err))
		return nil
	}
	f.data.TheirKey = msg.Key
	if !f.data.WeStarted {
		f.data.KeySent = true
		out.send(f.rec.OtherUserID, f.rec.OtherDeviceID, model.EventVerificationKey, &model.VerificationKeyContent{
			TransactionID: f.rec.TransactionID,
			Key:           key.PublicKey(),
		})
	}
	f.set(StateKeysExchanged)
	return nil
}

func (s *Service) onMac(ctx context.Context, f *flow, id *account.Identity, content json.RawMessage, out *Outgoing) error {
	var mac model.VerificationMacContent
	if err := json.Unmarshal(content, &mac); err != nil {
		s.cancel(f, out, CancelInvalidMessage, err.Error())
		return nil
	}
	if f.state() != StateKeysExchanged || f.data.TheirMac != nil {
		s.cancel(f, out, CancelUnexpectedMessage, "unexpected mac")
		return nil
	}
	f.data.TheirMac = &mac
	key, _, err := s.sasInfo(f, id)
	if err != nil {
		return err
	}
	return s.checkMac(ctx, f, id, key, out)
}
