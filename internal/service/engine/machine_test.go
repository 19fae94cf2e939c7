package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/service/verification"
	"e2e_crypto/internal/store"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	room  = "!room:example.org"
)

// server is an in-memory stand-in for the homeserver endpoints the machine
// talks to.
type server struct {
	t       *testing.T
	devices map[string]map[string]model.DeviceKeys
	otks    map[string]map[string]model.SignedKey
	inbox   map[string][]model.ToDeviceEvent
}

func newServer(t *testing.T) *server {
	return &server{
		t:       t,
		devices: map[string]map[string]model.DeviceKeys{},
		otks:    map[string]map[string]model.SignedKey{},
		inbox:   map[string][]model.ToDeviceEvent{},
	}
}

func newMachine(t *testing.T, userID, deviceID string) *Machine {
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewMemoryBackend())
	require.NoError(t, err)
	m, err := New(ctx, st, userID, deviceID, Config{})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func identity(t *testing.T, m *Machine) (string, string) {
	id, err := m.Identity(context.Background())
	require.NoError(t, err)
	return id.UserID, id.DeviceID
}

func (s *server) respond(userID, deviceID string, req *model.OutgoingRequest) any {
	switch req.Type {
	case model.RequestKeysUpload:
		up := req.KeysUpload
		if up.DeviceKeys != nil {
			if s.devices[userID] == nil {
				s.devices[userID] = map[string]model.DeviceKeys{}
			}
			s.devices[userID][deviceID] = *up.DeviceKeys
		}
		key := userID + "|" + deviceID
		if s.otks[key] == nil {
			s.otks[key] = map[string]model.SignedKey{}
		}
		for id, k := range up.OneTimeKeys {
			s.otks[key][id] = k
		}
		return &model.KeysUploadResponse{OneTimeKeyCounts: map[string]int{model.KeySignedCurve25519: len(s.otks[key])}}

	case model.RequestKeysQuery:
		resp := &model.KeysQueryResponse{DeviceKeys: map[string]map[string]model.DeviceKeys{}}
		for u := range req.KeysQuery.DeviceKeys {
			resp.DeviceKeys[u] = s.devices[u]
		}
		return resp

	case model.RequestKeysClaim:
		resp := &model.KeysClaimResponse{OneTimeKeys: map[string]map[string]map[string]model.SignedKey{}}
		for u, devices := range req.KeysClaim.OneTimeKeys {
			for d := range devices {
				keys := s.otks[u+"|"+d]
				ids := make([]string, 0, len(keys))
				for id := range keys {
					ids = append(ids, id)
				}
				if len(ids) == 0 {
					continue
				}
				sort.Strings(ids)
				if resp.OneTimeKeys[u] == nil {
					resp.OneTimeKeys[u] = map[string]map[string]model.SignedKey{}
				}
				resp.OneTimeKeys[u][d] = map[string]model.SignedKey{ids[0]: keys[ids[0]]}
				delete(keys, ids[0])
			}
		}
		return resp

	case model.RequestToDevice:
		td := req.ToDevice
		for u, devices := range td.Messages {
			for d, content := range devices {
				targets := []string{d}
				if d == "*" {
					targets = targets[:0]
					for known := range s.devices[u] {
						targets = append(targets, known)
					}
				}
				for _, target := range targets {
					s.inbox[u+"|"+target] = append(s.inbox[u+"|"+target], model.ToDeviceEvent{Sender: userID, Type: td.EventType, Content: content})
				}
			}
		}
	}
	return struct{}{}
}

func (s *server) send(m *Machine, req *model.OutgoingRequest) {
	ctx := context.Background()
	userID, deviceID := identity(s.t, m)
	raw, err := json.Marshal(s.respond(userID, deviceID, req))
	require.NoError(s.t, err)
	require.NoError(s.t, m.MarkRequestAsSent(ctx, req.ID, req.Type, raw))
}

// process sends everything the machine has queued.
func (s *server) process(m *Machine) int {
	sent := 0
	for range 10 {
		reqs, err := m.OutgoingRequests(context.Background())
		require.NoError(s.t, err)
		if len(reqs) == 0 {
			return sent
		}
		for _, r := range reqs {
			s.send(m, r)
		}
		sent += len(reqs)
	}
	return sent
}

func (s *server) sync(m *Machine, changed ...string) []*ProcessedToDevice {
	userID, deviceID := identity(s.t, m)
	key := userID + "|" + deviceID
	events := s.inbox[key]
	delete(s.inbox, key)
	res, err := m.ReceiveSyncChanges(context.Background(), &SyncChanges{ToDevice: events, ChangedUsers: changed})
	require.NoError(s.t, err)
	return res
}

// settle runs rounds of sending and syncing until the machines are quiet.
func (s *server) settle(ms ...*Machine) {
	for range 20 {
		n := 0
		for _, m := range ms {
			n += s.process(m)
		}
		for _, m := range ms {
			n += len(s.sync(m))
		}
		if n == 0 {
			return
		}
	}
	s.t.Fatal("machines did not settle")
}

func (s *server) share(m *Machine, roomID string, users ...string) {
	ctx := context.Background()
	claim, err := m.GetMissingSessions(ctx, users)
	require.NoError(s.t, err)
	if claim != nil {
		s.send(m, claim)
	}
	reqs, err := m.ShareRoomKey(ctx, roomID, users)
	require.NoError(s.t, err)
	for _, r := range reqs {
		s.send(m, r)
	}
}

func roomEvent(t *testing.T, sender string, content *model.MegolmEncryptedContent) *model.RoomEvent {
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return &model.RoomEvent{EventID: "$event", Sender: sender, RoomID: room, Type: model.EventEncrypted, Content: raw}
}

// pair sets up alice/A and bob/B knowing each other's devices.
func pair(t *testing.T) (*server, *Machine, *Machine) {
	ctx := context.Background()
	srv := newServer(t)
	a := newMachine(t, alice, "A")
	b := newMachine(t, bob, "B")
	srv.process(a)
	srv.process(b)
	require.NoError(t, a.TrackUsers(ctx, bob))
	require.NoError(t, b.TrackUsers(ctx, alice))
	srv.process(a)
	srv.process(b)
	return srv, a, b
}

func TestRoomMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, a, b := pair(t)

	srv.share(a, room, alice, bob)
	content, err := a.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "hello"})
	require.NoError(t, err)

	processed := srv.sync(b)
	require.Len(t, processed, 1)
	assert.True(t, processed[0].Encrypted)
	assert.Equal(t, model.EventRoomKey, processed[0].Type)
	require.NoError(t, processed[0].Err)

	ev, err := b.DecryptRoomEvent(ctx, roomEvent(t, alice, content))
	require.NoError(t, err)
	assert.Equal(t, "m.room.message", ev.Type)
	assert.JSONEq(t, `{"body":"hello"}`, string(ev.Content))
	assert.Equal(t, "A", ev.Info.SenderDeviceID)
	assert.True(t, ev.Info.Authentic)
	assert.Equal(t, trust.Unset, ev.Info.Trust)

	_, err = b.DecryptRoomEvent(ctx, roomEvent(t, "@mallory:example.org", content))
	require.ErrorIs(t, err, ErrMismatchedSender)

	// And back.
	srv.share(b, room, alice, bob)
	reply, err := b.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "world"})
	require.NoError(t, err)
	srv.sync(a)
	ev, err = a.DecryptRoomEvent(ctx, roomEvent(t, bob, reply))
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"world"}`, string(ev.Content))

	_, err = a.DecryptRoomEvent(ctx, &model.RoomEvent{Sender: bob, RoomID: room, Type: "m.room.message"})
	require.ErrorIs(t, err, ErrNotEncrypted)
}

func TestBlacklistedDeviceGetsWithheldNotice(t *testing.T) {
	ctx := context.Background()
	srv, a, b := pair(t)

	srv.share(a, room, alice, bob)
	first, err := a.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "one"})
	require.NoError(t, err)
	srv.sync(b)

	require.NoError(t, a.Trust().SetLocalTrust(ctx, bob, "B", store.LocalTrustBlacklisted))
	srv.share(a, room, alice, bob)
	second, err := a.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	processed := srv.sync(b)
	require.Len(t, processed, 1)
	assert.Equal(t, model.EventRoomKeyWithheld, processed[0].Type)
	assert.False(t, processed[0].Encrypted)
	require.NoError(t, processed[0].Err)

	_, err = b.DecryptRoomEvent(ctx, roomEvent(t, alice, first))
	require.NoError(t, err)
	_, err = b.DecryptRoomEvent(ctx, roomEvent(t, alice, second))
	require.ErrorIs(t, err, group.ErrUnknownSession)
	var decErr *group.DecryptionError
	require.True(t, errors.As(err, &decErr))
	require.NotNil(t, decErr.Withheld)
	assert.Equal(t, model.WithheldBlacklisted, decErr.Withheld.Code)
}

func TestMissingKeyForwardedByOwnDevice(t *testing.T) {
	ctx := context.Background()
	srv, a, b1 := pair(t)

	srv.share(a, room, alice, bob)
	content, err := a.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "before you joined"})
	require.NoError(t, err)
	srv.sync(b1)

	// A second device of bob's logs in after the key was shared.
	b2 := newMachine(t, bob, "B2")
	require.NoError(t, b2.TrackUsers(ctx, alice))
	srv.process(b2)
	srv.sync(b1, bob)
	srv.process(b1)
	require.NoError(t, b1.Trust().SetLocalTrust(ctx, bob, "B2", store.LocalTrustVerified))
	require.NoError(t, b2.Trust().SetLocalTrust(ctx, bob, "B", store.LocalTrustVerified))
	claim, err := b1.GetMissingSessions(ctx, []string{bob})
	require.NoError(t, err)
	require.NotNil(t, claim)
	srv.send(b1, claim)

	_, err = b2.DecryptRoomEvent(ctx, roomEvent(t, alice, content))
	require.ErrorIs(t, err, group.ErrUnknownSession)

	srv.settle(a, b1, b2)

	ev, err := b2.DecryptRoomEvent(ctx, roomEvent(t, alice, content))
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"before you joined"}`, string(ev.Content))
	assert.False(t, ev.Info.Authentic)
	assert.Equal(t, []string{curveKey(t, b1)}, ev.Info.ForwardingChain)
}

func curveKey(t *testing.T, m *Machine) string {
	id, err := m.Identity(context.Background())
	require.NoError(t, err)
	return id.Curve25519
}

func TestVerificationThroughMachines(t *testing.T) {
	ctx := context.Background()
	srv, a, b := pair(t)

	f, err := a.RequestVerification(ctx, bob, "B")
	require.NoError(t, err)
	srv.settle(a, b)

	flows, err := b.Verification().Flows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, f.TransactionID, flows[0].TransactionID)
	require.NoError(t, b.AcceptVerification(ctx, f.TransactionID))
	srv.settle(a, b)

	require.NoError(t, a.StartSAS(ctx, f.TransactionID))
	srv.settle(a, b)

	emojisA, err := a.Verification().Emojis(ctx, f.TransactionID)
	require.NoError(t, err)
	emojisB, err := b.Verification().Emojis(ctx, f.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, emojisA, emojisB)

	require.NoError(t, a.ConfirmVerification(ctx, f.TransactionID))
	require.NoError(t, b.ConfirmVerification(ctx, f.TransactionID))
	srv.settle(a, b)

	for _, m := range []*Machine{a, b} {
		flow, err := m.Verification().Flow(ctx, f.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, verification.StateDone, flow.State)
	}
	state, err := a.Trust().DeviceState(ctx, bob, "B")
	require.NoError(t, err)
	assert.Equal(t, trust.Verified, state)
	state, err = b.Trust().DeviceState(ctx, alice, "A")
	require.NoError(t, err)
	assert.Equal(t, trust.Verified, state)
}

func TestCancelledVerification(t *testing.T) {
	ctx := context.Background()
	srv, a, b := pair(t)

	f, err := a.RequestVerification(ctx, bob, "B")
	require.NoError(t, err)
	srv.settle(a, b)
	require.NoError(t, b.CancelVerification(ctx, f.TransactionID))
	srv.settle(a, b)

	flow, err := a.Verification().Flow(ctx, f.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, verification.StateCancelled, flow.State)
	require.NotNil(t, flow.Cancel)
	assert.Equal(t, verification.CancelUser, flow.Cancel.Code)
	assert.False(t, flow.Cancel.ByUs)
}

func TestStoreOfAnotherDeviceIsRejected(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewMemoryBackend())
	require.NoError(t, err)
	m, err := New(ctx, st, alice, "A", Config{})
	require.NoError(t, err)
	m.Close()

	_, err = New(ctx, st, alice, "OTHER", Config{})
	require.ErrorIs(t, err, ErrAccountMismatch)

	// Reopening the same device keeps the identity.
	again, err := New(ctx, st, alice, "A", Config{})
	require.NoError(t, err)
	defer again.Close()
}
