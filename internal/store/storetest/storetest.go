// Package storetest holds the behaviour every store.Backend must show. Backend
// packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/doubleratchet"
	"e2e_crypto/internal/protocol/megolm"
	"e2e_crypto/internal/store"
)

var testArgon2 = kdf.Argon2Params{Time: 1, Memory: 1024, Threads: 1}

// Factory returns an empty backend; cleanup is registered on t.
type Factory func(t *testing.T) store.Backend

func Run(t *testing.T, newBackend Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newBackend(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newBackend(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, newBackend(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newBackend(t)) })
	t.Run("Store", func(t *testing.T) { RunStore(t, newBackend) })
}

func testGetMissing(t *testing.T, b store.Backend) {
	err := b.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.Get("missing")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testReadYourWrites(t *testing.T, b store.Backend) {
	ctx := context.Background()
	err := b.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Set("a", []byte("1")))
		v, err := tx.Get("a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, tx.Delete("a"))
		_, err = tx.Get("a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return tx.Set("b", []byte("2"))
	})
	require.NoError(t, err)

	err = b.View(ctx, func(tx store.Tx) error {
		_, err := tx.Get("a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		v, err := tx.Get("b")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.Set("kept", []byte("old"))
	}))

	boom := errors.New("boom")
	err := b.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Set("kept", []byte("new")))
		require.NoError(t, tx.Set("dropped", []byte("x")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		v, err := tx.Get("kept")
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), v)
		_, err = tx.Get("dropped")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testScanPrefix(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		for _, k := range []string{"p/b", "p/a", "p/c", "q/a", "p", "p*x"} {
			if err := tx.Set(k, []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	err := b.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Delete("p/c"))
		require.NoError(t, tx.Set("p/d", []byte("p/d")))
		return tx.Scan("p/", func(key string, value []byte) error {
			assert.Equal(t, key, string(value))
			keys = append(keys, key)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b", "p/d"}, keys)
}

// testConcurrentIncrements checks that concurrent Updates never lose writes.
func testConcurrentIncrements(t *testing.T, b store.Backend) {
	ctx := context.Background()
	const workers, rounds = 4, 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				err := b.Update(ctx, func(tx store.Tx) error {
					v, err := tx.Get("counter")
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
					return tx.Set("counter", append(v, 'x'))
				})
				if !assert.NoError(t, err) {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		v, err := tx.Get("counter")
		require.NoError(t, err)
		assert.Len(t, v, workers*rounds)
		return nil
	}))
}

// RunStore checks the record layer on top of a backend.
func RunStore(t *testing.T, newBackend Factory) {
	t.Run("OneTimeKeyConsumption", func(t *testing.T) { testOneTimeKeyConsumption(t, open(t, newBackend(t))) })
	t.Run("SessionUniqueness", func(t *testing.T) { testSessionUniqueness(t, open(t, newBackend(t))) })
	t.Run("InboundGroupSessions", func(t *testing.T) { testInboundGroupSessions(t, open(t, newBackend(t))) })
	t.Run("Devices", func(t *testing.T) { testDevices(t, open(t, newBackend(t))) })
	t.Run("KeyRequests", func(t *testing.T) { testKeyRequests(t, open(t, newBackend(t))) })
	t.Run("CustomValues", func(t *testing.T) { testCustomValues(t, open(t, newBackend(t))) })
	t.Run("Passphrase", func(t *testing.T) { testPassphrase(t, newBackend(t)) })
}

func open(t *testing.T, b store.Backend) *store.Store {
	s, err := store.Open(context.Background(), b)
	require.NoError(t, err)
	return s
}

func testOneTimeKeyConsumption(t *testing.T, s *store.Store) {
	ctx := context.Background()
	otk := &store.OneTimeKey{ID: "AAAAAQ", Public: []byte("public-key-bytes"), Private: []byte("priv")}
	pub := model.EncodeBase64(otk.Public)
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{OneTimeKeys: []*store.OneTimeKey{otk}}))

	got, err := s.GetOneTimeKey(ctx, pub)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, otk.Private, got.Private)

	sess := newSession(t, "peer", "s1")
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{
		ConsumedOneTimeKeys: []string{pub},
		NewSessions:         []*store.Session{sess},
	}))

	// A second consumption fails and rolls back its session insert.
	other := newSession(t, "peer", "s2")
	err = s.SaveChanges(ctx, &store.Changes{
		ConsumedOneTimeKeys: []string{pub},
		NewSessions:         []*store.Session{other},
	})
	require.ErrorIs(t, err, store.ErrUnknownOneTimeKey)

	sessions, err := s.GetSessions(ctx, "peer")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	got, err = s.GetOneTimeKey(ctx, pub)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testSessionUniqueness(t *testing.T, s *store.Store) {
	ctx := context.Background()
	sess := newSession(t, "peer/with/slash", "s1")
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{NewSessions: []*store.Session{sess}}))

	err := s.SaveChanges(ctx, &store.Changes{NewSessions: []*store.Session{newSession(t, "peer/with/slash", "s1")}})
	require.ErrorIs(t, err, store.ErrSessionExists)

	sess.LastUsedAt = time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{Sessions: []*store.Session{sess}}))

	sessions, err := s.GetSessions(ctx, "peer/with/slash")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sess.LastUsedAt.Equal(sessions[0].LastUsedAt))

	none, err := s.GetSessions(ctx, "peer")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testInboundGroupSessions(t *testing.T, s *store.Store) {
	ctx := context.Background()
	a := newInbound(t, "!room:a", "sender")
	b := newInbound(t, "!room:b", "sender")
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{InboundGroupSessions: []*store.InboundGroupSession{a, b}}))

	got, err := s.GetInboundGroupSession(ctx, a.RoomID, a.SenderKey, a.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Session.Initial, got.Session.Initial)

	pending, err := s.InboundGroupSessionsForBackup(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkInboundGroupSessionsAsBackedUp(ctx, "1", []store.SessionRef{a.Ref()}))
	counts, err := s.InboundGroupSessionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RoomKeyCounts{Total: 2, BackedUp: 1}, counts)

	pending, err = s.InboundGroupSessionsForBackup(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.SessionID, pending[0].SessionID)

	require.NoError(t, s.ResetBackupState(ctx))
	counts, err = s.InboundGroupSessionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.BackedUp)
}

func testDevices(t *testing.T, s *store.Store) {
	ctx := context.Background()
	d := &store.Device{Keys: model.DeviceKeys{
		UserID:   "@alice:example.org",
		DeviceID: "ALICE1",
		Keys: map[string]string{
			model.KeyID(model.KeyCurve25519, "ALICE1"): "curvekey",
			model.KeyID(model.KeyEd25519, "ALICE1"):    "edkey",
		},
	}}
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{Devices: store.DeviceChanges{New: []*store.Device{d}}}))

	byKey, err := s.GetDeviceByKey(ctx, "curvekey")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "ALICE1", byKey.DeviceID())

	devices, err := s.GetUserDevices(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	require.NoError(t, s.SaveChanges(ctx, &store.Changes{Devices: store.DeviceChanges{Deleted: []*store.Device{d}}}))
	byKey, err = s.GetDeviceByKey(ctx, "curvekey")
	require.NoError(t, err)
	assert.Nil(t, byKey)
}

func testKeyRequests(t *testing.T, s *store.Store) {
	ctx := context.Background()
	info := model.RequestedKeyInfo{Algorithm: model.AlgorithmMegolm, RoomID: "!r", SenderKey: "sk", SessionID: "sid"}
	req := &store.KeyRequest{RequestID: "req1", Info: info}
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{KeyRequests: []*store.KeyRequest{req}}))

	got, err := s.GetKeyRequestByInfo(ctx, info)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "req1", got.RequestID)

	unsent, err := s.UnsentKeyRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, unsent, 1)

	require.NoError(t, s.DeleteKeyRequest(ctx, "req1"))
	got, err = s.GetKeyRequestByInfo(ctx, info)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testCustomValues(t *testing.T, s *store.Store) {
	ctx := context.Background()
	ok, err := s.InsertCustomValueIfMissing(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertCustomValueIfMissing(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.GetCustomValue(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.RemoveCustomValue(ctx, "k"))
	v, err = s.GetCustomValue(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func testPassphrase(t *testing.T, b store.Backend) {
	ctx := context.Background()
	fast := store.WithArgon2(testArgon2)

	s, err := store.Open(ctx, b, store.WithPassphrase("correct horse"), fast)
	require.NoError(t, err)
	require.NoError(t, s.SaveChanges(ctx, &store.Changes{Account: &store.Account{UserID: "@a:b", DeviceID: "D"}}))

	_, err = store.Open(ctx, b, store.WithPassphrase("wrong"), fast)
	require.ErrorIs(t, err, store.ErrWrongPassphrase)

	s, err = store.Open(ctx, b, store.WithPassphrase("correct horse"), fast)
	require.NoError(t, err)
	acc, err := s.LoadAccount(ctx)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "@a:b", acc.UserID)

	// The raw value is not readable without the passphrase.
	_, err = open(t, b).LoadAccount(ctx)
	require.Error(t, err)
}

func newSession(t *testing.T, peer, id string) *store.Session {
	state, err := doubleratchet.NewSenderState(make([]byte, 32))
	require.NoError(t, err)
	return &store.Session{ID: id, PeerKey: peer, State: state, CreatedAt: time.Now().UTC()}
}

func newInbound(t *testing.T, roomID, senderKey string) *store.InboundGroupSession {
	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	in, err := megolm.NewInboundSession(out.SessionKey())
	require.NoError(t, err)
	return &store.InboundGroupSession{
		RoomID:    roomID,
		SenderKey: senderKey,
		SessionID: in.ID(),
		Session:   in,
	}
}
