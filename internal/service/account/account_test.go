package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/cryptographic/signature"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
)

func newService(t *testing.T, max int) (*Service, *store.Store) {
	st, err := store.Open(context.Background(), store.NewMemoryBackend())
	require.NoError(t, err)
	s := New(st, keylock.New(), Config{MaxOneTimeKeys: max})
	_, err = s.GenerateIdentity(context.Background(), "@alice:example.org", "ALICE1")
	require.NoError(t, err)
	return s, st
}

func TestGenerateIdentityOnce(t *testing.T) {
	s, _ := newService(t, 10)
	_, err := s.GenerateIdentity(context.Background(), "@alice:example.org", "ALICE1")
	require.ErrorIs(t, err, ErrIdentityExists)
}

func TestNoAccount(t *testing.T) {
	st, err := store.Open(context.Background(), store.NewMemoryBackend())
	require.NoError(t, err)
	_, err = New(st, keylock.New(), Config{}).Identity(context.Background())
	require.ErrorIs(t, err, ErrNoAccount)
}

func TestDeviceKeysAreSelfSigned(t *testing.T) {
	s, _ := newService(t, 10)
	keys, err := s.DeviceKeys(context.Background())
	require.NoError(t, err)
	require.NoError(t, keys.VerifySelfSignature())

	id, err := s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id.Curve25519, keys.Curve25519())
	assert.Equal(t, id.Ed25519, keys.Ed25519())
}

func TestReplenishAndPublish(t *testing.T) {
	ctx := context.Background()
	s, st := newService(t, 10)

	keys, err := s.ReplenishOneTimeKeys(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, keys, 5)

	// Unpublished keys count towards the pool and are returned again.
	again, err := s.ReplenishOneTimeKeys(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, keys, again)

	// The pool is capped at the configured maximum.
	capped, err := s.ReplenishOneTimeKeys(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, capped, 10)

	id, err := s.Identity(ctx)
	require.NoError(t, err)
	pub, err := model.DecodeKey(id.Ed25519, 32)
	require.NoError(t, err)
	for keyID, k := range keys {
		assert.NoError(t, model.VerifyJSON(k, k.Signatures, "@alice:example.org", "ed25519:ALICE1", pub), keyID)
	}

	var ids []string
	for id := range keys {
		ids = append(ids, id)
	}
	require.NoError(t, s.MarkKeysAsPublished(ctx, ids))

	stored, err := st.OneTimeKeys(ctx)
	require.NoError(t, err)
	published := 0
	for _, k := range stored {
		if k.Published {
			published++
		}
	}
	assert.Equal(t, 5, published)

	rest, err := s.ReplenishOneTimeKeys(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 5)
	for id := range keys {
		assert.NotContains(t, rest, id)
	}
}

func TestUploadCycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, 10)

	ok, err := s.ShouldUpload(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	req, err := s.KeysForUpload(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.NotNil(t, req.DeviceKeys)
	assert.Len(t, req.OneTimeKeys, 5)

	require.NoError(t, s.ReceiveKeysUploadResponse(ctx, req, &model.KeysUploadResponse{
		OneTimeKeyCounts: map[string]int{model.KeySignedCurve25519: 5},
	}))

	ok, err = s.ShouldUpload(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	req, err = s.KeysForUpload(ctx)
	require.NoError(t, err)
	assert.Nil(t, req)

	// The server ran out of fallback keys.
	require.NoError(t, s.UpdateKeyCounts(ctx, map[string]int{model.KeySignedCurve25519: 5}, []string{}))
	req, err = s.KeysForUpload(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Len(t, req.FallbackKeys, 1)
	for _, k := range req.FallbackKeys {
		assert.True(t, k.Fallback)
	}
}

func TestFallbackKeyLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, 10)

	require.NoError(t, s.GenerateFallbackKey(ctx))
	acc, err := s.Keys(ctx)
	require.NoError(t, err)
	first := model.EncodeBase64(acc.FallbackKey.Public)

	require.NoError(t, s.GenerateFallbackKey(ctx))
	k, fallback, err := s.FindKey(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.True(t, fallback)

	require.NoError(t, s.ForgetOldFallbackKey(ctx))
	k, _, err = s.FindKey(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestSignJSON(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, 10)
	payload := map[string]string{"hello": "world"}

	keyID, sig, err := s.SignJSON(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:ALICE1", keyID)

	acc, err := s.Keys(ctx)
	require.NoError(t, err)
	sigs := model.Signatures{}.Add("@alice:example.org", keyID, sig)
	require.NoError(t, model.VerifyJSON(payload, sigs, "@alice:example.org", keyID, signature.PublicFromPrivate(acc.SigningKey)))
}
