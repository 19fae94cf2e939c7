package verification

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
)

type party struct {
	store   *store.Store
	account *account.Service
	trust   *trust.Service
	verif   *Service
	id      *account.Identity
	signing *model.UploadSigningKeysRequest
}

func newParty(t *testing.T, userID, deviceID string, crossSign bool) *party {
	return newPartyOn(t, store.NewMemoryBackend(), userID, deviceID, crossSign)
}

func newPartyOn(t *testing.T, backend store.Backend, userID, deviceID string, crossSign bool) *party {
	ctx := context.Background()
	st, err := store.Open(ctx, backend)
	require.NoError(t, err)
	locks := keylock.New()
	acc := account.New(st, locks, account.Config{})
	id, err := acc.GenerateIdentity(ctx, userID, deviceID)
	require.NoError(t, err)
	tr := trust.New(st, acc, locks)
	p := &party{store: st, account: acc, trust: tr, verif: New(st, acc, tr, locks, Config{}), id: id}
	if crossSign {
		p.signing, _, err = tr.BootstrapCrossSigning(ctx, false)
		require.NoError(t, err)
	}
	return p
}

// introduce feeds every party the keys of all parties, as a key query would.
func introduce(t *testing.T, parties ...*party) {
	ctx := context.Background()
	resp := &model.KeysQueryResponse{
		DeviceKeys:      map[string]map[string]model.DeviceKeys{},
		MasterKeys:      map[string]model.CrossSigningKey{},
		SelfSigningKeys: map[string]model.CrossSigningKey{},
	}
	for _, p := range parties {
		dk, err := p.account.DeviceKeys(ctx)
		require.NoError(t, err)
		if resp.DeviceKeys[p.id.UserID] == nil {
			resp.DeviceKeys[p.id.UserID] = map[string]model.DeviceKeys{}
		}
		resp.DeviceKeys[p.id.UserID][p.id.DeviceID] = *dk
		if p.signing != nil {
			resp.MasterKeys[p.id.UserID] = *p.signing.MasterKey
			resp.SelfSigningKeys[p.id.UserID] = *p.signing.SelfSigningKey
		}
	}
	for _, p := range parties {
		raw, err := json.Marshal(resp)
		require.NoError(t, err)
		var copied model.KeysQueryResponse
		require.NoError(t, json.Unmarshal(raw, &copied))
		_, err = p.trust.ReceiveKeysQueryResponse(ctx, &copied)
		require.NoError(t, err)
	}
}

// pump delivers messages until no party has anything left to send. tamper,
// when set, may rewrite a message before delivery.
func pump(t *testing.T, from *party, out *Outgoing, parties []*party, tamper func(*Message)) {
	type queued struct {
		sender *party
		msg    Message
	}
	var queue []queued
	for _, m := range out.Messages {
		queue = append(queue, queued{from, m})
	}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]
		if tamper != nil {
			tamper(&q.msg)
		}
		var to *party
		for _, p := range parties {
			if p.id.UserID == q.msg.UserID && p.id.DeviceID == q.msg.DeviceID {
				to = p
			}
		}
		require.NotNil(t, to, "no party %s/%s", q.msg.UserID, q.msg.DeviceID)

		raw, err := json.Marshal(q.msg.Content)
		require.NoError(t, err)
		res, err := to.verif.Receive(context.Background(), q.sender.id.UserID, q.msg.Type, raw)
		require.NoError(t, err)
		for _, m := range res.Messages {
			queue = append(queue, queued{to, m})
		}
	}
}

func state(t *testing.T, p *party, txnID string) *Flow {
	f, err := p.verif.Flow(context.Background(), txnID)
	require.NoError(t, err)
	return f
}

// exchangeKeys runs a flow from request to StateKeysExchanged.
func exchangeKeys(t *testing.T, a, b *party, tamper func(*Message)) string {
	ctx := context.Background()
	parties := []*party{a, b}

	f, out, err := a.verif.RequestVerification(ctx, b.id.UserID, b.id.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, StateRequested, f.State)
	pump(t, a, out, parties, tamper)
	assert.Equal(t, StateRequested, state(t, b, f.TransactionID).State)

	out, err = b.verif.Accept(ctx, f.TransactionID)
	require.NoError(t, err)
	pump(t, b, out, parties, tamper)
	assert.Equal(t, StateReady, state(t, a, f.TransactionID).State)

	out, err = a.verif.StartSAS(ctx, f.TransactionID)
	require.NoError(t, err)
	pump(t, a, out, parties, tamper)
	return f.TransactionID
}

func TestSASHappyPath(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)
	parties := []*party{alice, bob}

	txn := exchangeKeys(t, alice, bob, nil)
	assert.Equal(t, StateKeysExchanged, state(t, alice, txn).State)
	assert.Equal(t, StateKeysExchanged, state(t, bob, txn).State)
	assert.True(t, state(t, alice, txn).WeStarted)

	aliceEmoji, err := alice.verif.Emojis(ctx, txn)
	require.NoError(t, err)
	bobEmoji, err := bob.verif.Emojis(ctx, txn)
	require.NoError(t, err)
	assert.Len(t, aliceEmoji, 7)
	assert.Equal(t, aliceEmoji, bobEmoji)

	aliceDec, err := alice.verif.Decimals(ctx, txn)
	require.NoError(t, err)
	bobDec, err := bob.verif.Decimals(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, aliceDec, bobDec)

	out, err := alice.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	pump(t, alice, out, parties, nil)
	assert.Equal(t, StateKeysExchanged, state(t, bob, txn).State)

	out, err = bob.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	pump(t, bob, out, parties, nil)

	assert.Equal(t, StateDone, state(t, alice, txn).State)
	assert.Equal(t, StateDone, state(t, bob, txn).State)

	st, err := alice.trust.DeviceState(ctx, bob.id.UserID, "B")
	require.NoError(t, err)
	assert.Equal(t, trust.Verified, st)
	st, err = bob.trust.DeviceState(ctx, alice.id.UserID, "A")
	require.NoError(t, err)
	assert.Equal(t, trust.Verified, st)

	flows, err := alice.verif.Flows(ctx)
	require.NoError(t, err)
	assert.Empty(t, flows)

	_, err = alice.verif.Emojis(ctx, txn)
	assert.ErrorIs(t, err, ErrWrongState)
}

// brokenBackend fails every write while broken is set.
type brokenBackend struct {
	store.Backend
	broken atomic.Bool
}

func (b *brokenBackend) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if b.broken.Load() {
		return errors.New("disk full")
	}
	return b.Backend.Update(ctx, fn)
}

func TestFailedSaveKeepsFlowAndTrustTogether(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	backend := &brokenBackend{Backend: store.NewMemoryBackend()}
	bob := newPartyOn(t, backend, "@bob:example.org", "B", false)
	introduce(t, alice, bob)
	parties := []*party{alice, bob}

	txn := exchangeKeys(t, alice, bob, nil)
	out, err := alice.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	pump(t, alice, out, parties, nil)

	backend.broken.Store(true)
	_, err = bob.verif.Confirm(ctx, txn)
	require.Error(t, err)
	backend.broken.Store(false)

	// Neither the flow nor the device moved.
	assert.Equal(t, StateKeysExchanged, state(t, bob, txn).State)
	st, err := bob.trust.DeviceState(ctx, alice.id.UserID, "A")
	require.NoError(t, err)
	assert.NotEqual(t, trust.Verified, st)

	out, err = bob.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	pump(t, bob, out, parties, nil)
	assert.Equal(t, StateDone, state(t, alice, txn).State)
	st, err = bob.trust.DeviceState(ctx, alice.id.UserID, "A")
	require.NoError(t, err)
	assert.Equal(t, trust.Verified, st)
}

func TestSASVerifiesMasterKeys(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", true)
	bob := newParty(t, "@bob:example.org", "B", true)
	introduce(t, alice, bob)
	parties := []*party{alice, bob}

	txn := exchangeKeys(t, alice, bob, nil)
	out, err := bob.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	pump(t, bob, out, parties, nil)
	out, err = alice.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	require.Len(t, out.SignatureUploads, 1)
	_, masterKey := bob.signing.MasterKey.PublicKey()
	assert.Contains(t, out.SignatureUploads[0].Signed[bob.id.UserID], masterKey)
	pump(t, alice, out, parties, nil)

	assert.Equal(t, StateDone, state(t, alice, txn).State)
	assert.Equal(t, StateDone, state(t, bob, txn).State)

	ok, err := alice.trust.IdentityVerified(ctx, bob.id.UserID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = bob.trust.IdentityVerified(ctx, alice.id.UserID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSASOwnDeviceIsSigned(t *testing.T) {
	ctx := context.Background()
	first := newParty(t, "@alice:example.org", "A", true)
	second := newParty(t, "@alice:example.org", "A2", false)
	second.signing = first.signing
	introduce(t, first, second)
	second.signing = nil
	parties := []*party{first, second}

	txn := exchangeKeys(t, first, second, nil)
	out, err := second.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	assert.Empty(t, out.SignatureUploads)
	pump(t, second, out, parties, nil)

	out, err = first.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	var signed bool
	for _, u := range out.SignatureUploads {
		if _, ok := u.Signed[first.id.UserID]["A2"]; ok {
			signed = true
		}
	}
	assert.True(t, signed)
	pump(t, first, out, parties, nil)

	st, err := first.trust.DeviceState(ctx, first.id.UserID, "A2")
	require.NoError(t, err)
	assert.Equal(t, trust.Verified, st)
}

func TestMismatchedCommitmentCancels(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)

	txn := exchangeKeys(t, alice, bob, func(m *Message) {
		if accept, ok := m.Content.(*model.VerificationAcceptContent); ok {
			accept.Commitment = model.EncodeBase64(make([]byte, 32))
		}
	})

	for _, p := range []*party{alice, bob} {
		f := state(t, p, txn)
		assert.Equal(t, StateCancelled, f.State)
		require.NotNil(t, f.Cancel)
		assert.Equal(t, CancelMismatchedCommitment, f.Cancel.Code)
	}
	assert.True(t, state(t, alice, txn).Cancel.ByUs)
	assert.False(t, state(t, bob, txn).Cancel.ByUs)

	_, err := alice.verif.Confirm(ctx, txn)
	assert.ErrorIs(t, err, ErrWrongState)
	st, err := alice.trust.DeviceState(ctx, bob.id.UserID, "B")
	require.NoError(t, err)
	assert.NotEqual(t, trust.Verified, st)
}

func TestTamperedMacCancels(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)
	parties := []*party{alice, bob}

	txn := exchangeKeys(t, alice, bob, nil)
	out, err := alice.verif.Confirm(ctx, txn)
	require.NoError(t, err)
	pump(t, alice, out, parties, func(m *Message) {
		if mac, ok := m.Content.(*model.VerificationMacContent); ok {
			for k := range mac.Mac {
				mac.Mac[k] = model.EncodeBase64(make([]byte, 32))
			}
		}
	})

	f := state(t, bob, txn)
	assert.Equal(t, StateCancelled, f.State)
	assert.Equal(t, CancelKeyMismatch, f.Cancel.Code)
	assert.Equal(t, StateCancelled, state(t, alice, txn).State)

	st, err := bob.trust.DeviceState(ctx, alice.id.UserID, "A")
	require.NoError(t, err)
	assert.Equal(t, trust.Unset, st)
}

func TestUserCancel(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)

	txn := exchangeKeys(t, alice, bob, nil)
	out, err := bob.verif.Cancel(ctx, txn, CancelMismatchedSAS)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, model.EventVerificationCancel, out.Messages[0].Type)
	pump(t, bob, out, []*party{alice, bob}, nil)

	f := state(t, alice, txn)
	assert.Equal(t, StateCancelled, f.State)
	assert.Equal(t, CancelMismatchedSAS, f.Cancel.Code)

	// Cancelling twice sends nothing.
	out, err = bob.verif.Cancel(ctx, txn, "")
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)

	f, _, err := alice.verif.RequestVerification(ctx, bob.id.UserID, "B")
	require.NoError(t, err)

	out, err := alice.verif.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.True(t, out.Empty())

	alice.verif.now = func() time.Time { return time.Now().Add(DefaultTimeout + time.Minute) }
	out, err = alice.verif.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)

	flow := state(t, alice, f.TransactionID)
	assert.Equal(t, StateCancelled, flow.State)
	assert.Equal(t, CancelTimeout, flow.Cancel.Code)
}

func TestReusedTransactionIgnored(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)

	txn := exchangeKeys(t, alice, bob, nil)
	req, err := json.Marshal(&model.VerificationRequestContent{
		FromDevice:    "A",
		Methods:       []string{model.VerificationMethodSAS},
		TransactionID: txn,
	})
	require.NoError(t, err)
	out, err := bob.verif.Receive(ctx, alice.id.UserID, model.EventVerificationRequest, req)
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.Equal(t, StateKeysExchanged, state(t, bob, txn).State)
}

func TestUnexpectedMessages(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "A", false)
	bob := newParty(t, "@bob:example.org", "B", false)
	introduce(t, alice, bob)

	f, out, err := alice.verif.RequestVerification(ctx, bob.id.UserID, "B")
	require.NoError(t, err)
	pump(t, alice, out, []*party{alice, bob}, nil)

	key, err := json.Marshal(&model.VerificationKeyContent{TransactionID: f.TransactionID, Key: "AAAA"})
	require.NoError(t, err)

	// Events from anyone but the other party are dropped.
	out, err = bob.verif.Receive(ctx, "@mallory:example.org", model.EventVerificationKey, key)
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.Equal(t, StateRequested, state(t, bob, f.TransactionID).State)

	out, err = bob.verif.Receive(ctx, alice.id.UserID, model.EventVerificationKey, key)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	flow := state(t, bob, f.TransactionID)
	assert.Equal(t, StateCancelled, flow.State)
	assert.Equal(t, CancelUnexpectedMessage, flow.Cancel.Code)

	_, err = bob.verif.Flow(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestUnsupportedMethodCancels(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "@bob:example.org", "B", false)
	req, err := json.Marshal(&model.VerificationRequestContent{
		FromDevice:    "A",
		Methods:       []string{"m.qr_code.show.v1"},
		TransactionID: "txn1",
	})
	require.NoError(t, err)
	out, err := bob.verif.Receive(ctx, "@alice:example.org", model.EventVerificationRequest, req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, CancelUnknownMethod, state(t, bob, "txn1").Cancel.Code)
}
