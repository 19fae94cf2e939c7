package keyshare

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/doubleratchet"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/pairwise"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
)

const room = "!room:example.org"

type device struct {
	store    *store.Store
	account  *account.Service
	pairwise *pairwise.Service
	group    *group.Service
	trust    *trust.Service
	keyshare *Service
	id       *account.Identity
}

func newDevice(t *testing.T, userID, deviceID string) *device {
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewMemoryBackend())
	require.NoError(t, err)
	locks := keylock.New()
	acc := account.New(st, locks, account.Config{MaxOneTimeKeys: 10})
	id, err := acc.GenerateIdentity(ctx, userID, deviceID)
	require.NoError(t, err)
	pw := pairwise.New(st, acc, locks, doubleratchet.DefaultConfig())
	gr, err := group.New(st, acc, locks, group.Config{})
	require.NoError(t, err)
	t.Cleanup(gr.Close)
	tr := trust.New(st, acc, locks)
	return &device{
		store: st, account: acc, pairwise: pw, group: gr, trust: tr,
		keyshare: New(st, acc, pw, gr, tr, locks, Config{}),
		id:       id,
	}
}

// introduce feeds every device the keys of the others, as a key query would.
func introduce(t *testing.T, devices ...*device) {
	ctx := context.Background()
	resp := &model.KeysQueryResponse{DeviceKeys: map[string]map[string]model.DeviceKeys{}}
	for _, d := range devices {
		dk, err := d.account.DeviceKeys(ctx)
		require.NoError(t, err)
		if resp.DeviceKeys[d.id.UserID] == nil {
			resp.DeviceKeys[d.id.UserID] = map[string]model.DeviceKeys{}
		}
		resp.DeviceKeys[d.id.UserID][d.id.DeviceID] = *dk
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, d := range devices {
		var copied model.KeysQueryResponse
		require.NoError(t, json.Unmarshal(raw, &copied))
		_, err := d.trust.ReceiveKeysQueryResponse(ctx, &copied)
		require.NoError(t, err)
	}
}

// claim runs a key claim for from against the given devices.
func claim(t *testing.T, from *device, to ...*device) {
	ctx := context.Background()
	users := make([]string, 0, len(to))
	for _, d := range to {
		users = append(users, d.id.UserID)
	}
	req, err := from.keyshare.GetMissingSessions(ctx, users)
	require.NoError(t, err)
	require.NotNil(t, req)

	resp := &model.KeysClaimResponse{OneTimeKeys: map[string]map[string]map[string]model.SignedKey{}}
	for _, d := range to {
		if _, ok := req.OneTimeKeys[d.id.UserID][d.id.DeviceID]; !ok {
			continue
		}
		keys, err := d.account.ReplenishOneTimeKeys(ctx, 1)
		require.NoError(t, err)
		ids := make([]string, 0, len(keys))
		for id := range keys {
			ids = append(ids, id)
		}
		require.NoError(t, d.account.MarkKeysAsPublished(ctx, ids))
		if resp.OneTimeKeys[d.id.UserID] == nil {
			resp.OneTimeKeys[d.id.UserID] = map[string]map[string]model.SignedKey{}
		}
		resp.OneTimeKeys[d.id.UserID][d.id.DeviceID] = keys
	}
	require.NoError(t, from.keyshare.ReceiveKeysClaimResponse(ctx, resp))
}

// deliver hands to the message addressed to it in req and returns the
// decrypted event for encrypted messages.
func deliver(t *testing.T, from, to *device, req *model.OutgoingRequest) *pairwise.DecryptedEvent {
	ctx := context.Background()
	raw, ok := req.ToDevice.Messages[to.id.UserID][to.id.DeviceID]
	require.True(t, ok, "no message for %s", to.id.DeviceID)
	require.Equal(t, model.EventEncrypted, req.ToDevice.EventType)

	var content model.OlmEncryptedContent
	require.NoError(t, json.Unmarshal(raw, &content))
	ev, err := to.pairwise.DecryptEvent(ctx, from.id.UserID, &content)
	require.NoError(t, err)
	return ev
}

func requestsOfType(reqs []*model.OutgoingRequest, eventType string) []*model.OutgoingRequest {
	var out []*model.OutgoingRequest
	for _, r := range reqs {
		if r.ToDevice != nil && r.ToDevice.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

func TestShareRoomKey(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "@alice:example.org", "A")
	bob := newDevice(t, "@bob:example.org", "B")
	carol := newDevice(t, "@carol:example.org", "C")
	introduce(t, alice, bob, carol)
	claim(t, alice, bob, carol)

	missing, err := alice.keyshare.GetMissingSessions(ctx, []string{bob.id.UserID, carol.id.UserID})
	require.NoError(t, err)
	assert.Nil(t, missing)

	users := []string{alice.id.UserID, bob.id.UserID, carol.id.UserID}
	reqs, err := alice.keyshare.ShareRoomKey(ctx, room, users)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].ToDevice.MessageCount())

	_, _, err = alice.group.EncryptGroup(ctx, room, []byte("too early"))
	require.ErrorIs(t, err, group.ErrNotShared)

	for _, d := range []*device{bob, carol} {
		ev := deliver(t, alice, d, reqs[0])
		assert.Equal(t, model.EventRoomKey, ev.Type)
		_, err := d.keyshare.ReceiveRoomKey(ctx, ev)
		require.NoError(t, err)
	}
	found, err := alice.group.MarkShareSent(ctx, reqs[0].ID)
	require.NoError(t, err)
	assert.True(t, found)

	content, err := alice.group.EncryptEvent(ctx, room, "m.room.message", map[string]string{"body": "hello"})
	require.NoError(t, err)
	for _, d := range []*device{bob, carol} {
		ev, err := d.group.DecryptEvent(ctx, room, content)
		require.NoError(t, err)
		assert.JSONEq(t, `{"body":"hello"}`, string(ev.Content))
		assert.True(t, ev.Authentic)
	}

	reqs, err = alice.keyshare.ShareRoomKey(ctx, room, users)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestWithheldAndRotation(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "@alice:example.org", "A")
	bob := newDevice(t, "@bob:example.org", "B")
	carol := newDevice(t, "@carol:example.org", "C")
	dave := newDevice(t, "@dave:example.org", "D")
	introduce(t, alice, bob, carol, dave)
	claim(t, alice, bob, carol)
	require.NoError(t, alice.trust.SetLocalTrust(ctx, carol.id.UserID, "C", store.LocalTrustBlacklisted))

	users := []string{bob.id.UserID, carol.id.UserID, dave.id.UserID}
	reqs, err := alice.keyshare.ShareRoomKey(ctx, room, users)
	require.NoError(t, err)

	shares := requestsOfType(reqs, model.EventEncrypted)
	require.Len(t, shares, 1)
	assert.Contains(t, shares[0].ToDevice.Messages, bob.id.UserID)
	assert.NotContains(t, shares[0].ToDevice.Messages, carol.id.UserID)

	notices := requestsOfType(reqs, model.EventRoomKeyWithheld)
	require.Len(t, notices, 1)
	codes := map[string]string{}
	for userID, devices := range notices[0].ToDevice.Messages {
		for _, raw := range devices {
			var w model.RoomKeyWithheldContent
			require.NoError(t, json.Unmarshal(raw, &w))
			codes[userID] = w.Code
		}
	}
	assert.Equal(t, map[string]string{
		carol.id.UserID: model.WithheldBlacklisted,
		dave.id.UserID:  model.WithheldNoOlm,
	}, codes)

	// Withheld notices are not repeated.
	_, err = alice.group.MarkShareSent(ctx, shares[0].ID)
	require.NoError(t, err)
	reqs, err = alice.keyshare.ShareRoomKey(ctx, room, users)
	require.NoError(t, err)
	assert.Empty(t, reqs)

	// The notice tells dave why he cannot decrypt.
	ogs, err := alice.store.GetOutboundGroupSession(ctx, room)
	require.NoError(t, err)
	var w model.RoomKeyWithheldContent
	require.NoError(t, json.Unmarshal(notices[0].ToDevice.Messages[dave.id.UserID]["D"], &w))
	require.NoError(t, dave.keyshare.ReceiveWithheld(ctx, alice.id.UserID, &w))

	// Nobody else can speak for alice's sessions.
	forged := w
	forged.SessionID = "forged"
	require.NoError(t, dave.keyshare.ReceiveWithheld(ctx, carol.id.UserID, &forged))
	info, err := dave.store.GetWithheldInfo(ctx, room, "forged")
	require.NoError(t, err)
	assert.Nil(t, info)

	ct, _, err := alice.group.EncryptGroup(ctx, room, []byte("secret"))
	require.NoError(t, err)
	_, err = dave.group.DecryptGroup(ctx, room, alice.id.Curve25519, ogs.Session.ID(), ct)
	var derr *group.DecryptionError
	require.ErrorAs(t, err, &derr)
	require.NotNil(t, derr.Withheld)
	assert.Equal(t, model.WithheldNoOlm, derr.Withheld.Code)

	// Blacklisting a device that holds the key rotates the session.
	require.NoError(t, alice.trust.SetLocalTrust(ctx, bob.id.UserID, "B", store.LocalTrustBlacklisted))
	reqs, err = alice.keyshare.ShareRoomKey(ctx, room, users)
	require.NoError(t, err)
	assert.Empty(t, requestsOfType(reqs, model.EventEncrypted))
	rotated, err := alice.store.GetOutboundGroupSession(ctx, room)
	require.NoError(t, err)
	assert.NotEqual(t, ogs.Session.ID(), rotated.Session.ID())

	// Leaving the room rotates too.
	require.NoError(t, alice.trust.SetLocalTrust(ctx, bob.id.UserID, "B", store.LocalTrustUnset))
	reqs, err = alice.keyshare.ShareRoomKey(ctx, room, users)
	require.NoError(t, err)
	shares = requestsOfType(reqs, model.EventEncrypted)
	require.Len(t, shares, 1)
	_, err = alice.group.MarkShareSent(ctx, shares[0].ID)
	require.NoError(t, err)
	_, err = alice.keyshare.ShareRoomKey(ctx, room, []string{carol.id.UserID, dave.id.UserID})
	require.NoError(t, err)
	left, err := alice.store.GetOutboundGroupSession(ctx, room)
	require.NoError(t, err)
	assert.NotEqual(t, rotated.Session.ID(), left.Session.ID())
}

func TestOnlyTrustedDevices(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "@alice:example.org", "A")
	bob := newDevice(t, "@bob:example.org", "B")
	introduce(t, alice, bob)
	claim(t, alice, bob)
	require.NoError(t, alice.store.SaveChanges(ctx, &store.Changes{RoomSettings: map[string]*store.RoomSettings{
		room: {Algorithm: model.AlgorithmMegolm, OnlyAllowTrustedDevices: true},
	}}))

	reqs, err := alice.keyshare.ShareRoomKey(ctx, room, []string{bob.id.UserID})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	raw := reqs[0].ToDevice.Messages[bob.id.UserID]["B"]
	var w model.RoomKeyWithheldContent
	require.NoError(t, json.Unmarshal(raw, &w))
	assert.Equal(t, model.WithheldUnverified, w.Code)

	require.NoError(t, alice.trust.SetLocalTrust(ctx, bob.id.UserID, "B", store.LocalTrustVerified))
	reqs, err = alice.keyshare.ShareRoomKey(ctx, room, []string{bob.id.UserID})
	require.NoError(t, err)
	assert.Len(t, requestsOfType(reqs, model.EventEncrypted), 1)
}

func TestKeyRequestFromOwnDevice(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "@alice:example.org", "A")
	bob := newDevice(t, "@bob:example.org", "B")
	bob2 := newDevice(t, "@bob:example.org", "B2")
	introduce(t, alice, bob, bob2)
	claim(t, alice, bob)
	claim(t, bob, bob2)

	reqs, err := alice.keyshare.ShareRoomKey(ctx, room, []string{bob.id.UserID})
	require.NoError(t, err)
	shares := requestsOfType(reqs, model.EventEncrypted)
	require.Len(t, shares, 1)
	_, err = bob.keyshare.ReceiveRoomKey(ctx, deliver(t, alice, bob, shares[0]))
	require.NoError(t, err)
	_, err = alice.group.MarkShareSent(ctx, shares[0].ID)
	require.NoError(t, err)
	content, err := alice.group.EncryptEvent(ctx, room, "m.room.message", map[string]string{"body": "history"})
	require.NoError(t, err)

	_, err = bob2.group.DecryptEvent(ctx, room, content)
	require.ErrorIs(t, err, group.ErrUnknownSession)
	created, err := bob2.keyshare.RequestRoomKey(ctx, room, content.SenderKey, content.SessionID)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = bob2.keyshare.RequestRoomKey(ctx, room, content.SenderKey, content.SessionID)
	require.NoError(t, err)
	assert.False(t, created)

	out, err := bob2.keyshare.OutgoingKeyRequests(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].ToDevice.Messages[bob.id.UserID], "*")
	assert.Contains(t, out[0].ToDevice.Messages[alice.id.UserID], "A")
	sent, err := bob2.keyshare.MarkKeyRequestSent(ctx, out[0].ID)
	require.NoError(t, err)
	assert.True(t, sent)

	var request model.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(out[0].ToDevice.Messages[bob.id.UserID]["*"], &request))

	// Unverified own devices get nothing.
	answer, err := bob.keyshare.ReceiveKeyRequest(ctx, bob.id.UserID, &request)
	require.NoError(t, err)
	assert.Nil(t, answer)

	require.NoError(t, bob.trust.SetLocalTrust(ctx, bob.id.UserID, "B2", store.LocalTrustVerified))
	answer, err = bob.keyshare.ReceiveKeyRequest(ctx, bob.id.UserID, &request)
	require.NoError(t, err)
	require.NotNil(t, answer)

	ev := deliver(t, bob, bob2, answer)
	assert.Equal(t, model.EventForwardedRoomKey, ev.Type)
	stored, err := bob2.keyshare.ReceiveForwardedRoomKey(ctx, ev)
	require.NoError(t, err)
	assert.False(t, stored, "forwards from unverified own devices are dropped")

	require.NoError(t, bob2.trust.SetLocalTrust(ctx, bob.id.UserID, "B", store.LocalTrustVerified))
	stored, err = bob2.keyshare.ReceiveForwardedRoomKey(ctx, ev)
	require.NoError(t, err)
	assert.True(t, stored)

	dec, err := bob2.group.DecryptEvent(ctx, room, content)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"history"}`, string(dec.Content))
	assert.False(t, dec.Authentic)
	assert.Equal(t, []string{bob.id.Curve25519}, dec.ForwardingChain)

	// The request is withdrawn once the key arrived.
	out, err = bob2.keyshare.OutgoingKeyRequests(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	var cancel model.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(out[0].ToDevice.Messages[bob.id.UserID]["*"], &cancel))
	assert.Equal(t, model.KeyRequestCancelation, cancel.Action)
	_, err = bob2.keyshare.MarkKeyRequestSent(ctx, out[0].ID)
	require.NoError(t, err)
	out, err = bob2.keyshare.OutgoingKeyRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestKeyRequestFromOtherUsers(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "@alice:example.org", "A")
	bob := newDevice(t, "@bob:example.org", "B")
	mallory := newDevice(t, "@mallory:example.org", "M")
	introduce(t, alice, bob, mallory)
	claim(t, alice, bob, mallory)

	reqs, err := alice.keyshare.ShareRoomKey(ctx, room, []string{bob.id.UserID})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	_, err = alice.group.MarkShareSent(ctx, reqs[0].ID)
	require.NoError(t, err)
	ogs, err := alice.store.GetOutboundGroupSession(ctx, room)
	require.NoError(t, err)

	request := func(deviceID string) *model.RoomKeyRequestContent {
		return &model.RoomKeyRequestContent{
			Action: model.KeyRequestAction,
			Body: &model.RequestedKeyInfo{
				Algorithm: model.AlgorithmMegolm,
				RoomID:    room,
				SenderKey: alice.id.Curve25519,
				SessionID: ogs.Session.ID(),
			},
			RequestingDeviceID: deviceID,
			RequestID:          "req1",
		}
	}

	answer, err := alice.keyshare.ReceiveKeyRequest(ctx, mallory.id.UserID, request("M"))
	require.NoError(t, err)
	assert.Nil(t, answer)

	answer, err = alice.keyshare.ReceiveKeyRequest(ctx, bob.id.UserID, request("B"))
	require.NoError(t, err)
	require.NotNil(t, answer)

	// Sessions from before a rotation are still answered.
	require.NoError(t, alice.group.Invalidate(ctx, room))
	_, created, err := alice.group.RotateOutbound(ctx, room, store.RotationSettings{})
	require.NoError(t, err)
	require.True(t, created)
	later := request("B")
	later.RequestID = "req2"
	answer, err = alice.keyshare.ReceiveKeyRequest(ctx, bob.id.UserID, later)
	require.NoError(t, err)
	require.NotNil(t, answer)
	later = request("M")
	later.RequestID = "req3"
	answer, err = alice.keyshare.ReceiveKeyRequest(ctx, mallory.id.UserID, later)
	require.NoError(t, err)
	assert.Nil(t, answer)

	require.NoError(t, alice.trust.SetLocalTrust(ctx, bob.id.UserID, "B", store.LocalTrustBlacklisted))
	answer, err = alice.keyshare.ReceiveKeyRequest(ctx, bob.id.UserID, request("B"))
	require.NoError(t, err)
	assert.Nil(t, answer)

	cancel := request("B")
	cancel.Action = model.KeyRequestCancelation
	answer, err = alice.keyshare.ReceiveKeyRequest(ctx, bob.id.UserID, cancel)
	require.NoError(t, err)
	assert.Nil(t, answer)
}

func TestUnrequestedForwardDropped(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "@alice:example.org", "A")
	bob := newDevice(t, "@bob:example.org", "B")

	ogs, _, err := alice.group.RotateOutbound(ctx, room, store.RotationSettings{})
	require.NoError(t, err)
	raw, err := json.Marshal(&model.ForwardedRoomKeyContent{
		Algorithm:  model.AlgorithmMegolm,
		RoomID:     room,
		SenderKey:  alice.id.Curve25519,
		SessionID:  ogs.Session.ID(),
		SessionKey: "unused",
	})
	require.NoError(t, err)

	stored, err := bob.keyshare.ReceiveForwardedRoomKey(ctx, &pairwise.DecryptedEvent{
		Sender:    alice.id.UserID,
		SenderKey: alice.id.Curve25519,
		Type:      model.EventForwardedRoomKey,
		Content:   raw,
	})
	require.NoError(t, err)
	assert.False(t, stored)
}
