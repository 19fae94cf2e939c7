package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/store/storetest"
)

func TestMemoryBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return store.NewMemoryBackend()
	})
}

func TestViewIsReadOnly(t *testing.T) {
	b := store.NewMemoryBackend()
	err := b.View(context.Background(), func(tx store.Tx) error {
		return tx.Set("k", []byte("v"))
	})
	require.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "igs0", store.PrefixEnd("igs/"))
	assert.Equal(t, "b", store.PrefixEnd("a\xff"))
	assert.Equal(t, "", store.PrefixEnd("\xff\xff"))
}

func TestStagedScanMergesWrites(t *testing.T) {
	base := store.NewMemoryBackend()
	require.NoError(t, base.Update(context.Background(), func(tx store.Tx) error {
		return tx.Set("x/1", []byte("base"))
	}))

	err := base.View(context.Background(), func(tx store.Tx) error {
		staged := store.NewStaged(tx)
		require.NoError(t, staged.Set("x/2", []byte("staged")))
		require.NoError(t, staged.Delete("x/1"))

		var seen []string
		require.NoError(t, staged.Scan("x/", func(key string, _ []byte) error {
			seen = append(seen, key)
			return nil
		}))
		assert.Equal(t, []string{"x/2"}, seen)

		sets, deletes := staged.Writes()
		assert.Len(t, sets, 1)
		assert.Equal(t, []string{"x/1"}, deletes)
		return nil
	})
	require.NoError(t, err)
}

func TestChangesIsEmpty(t *testing.T) {
	var c store.Changes
	assert.True(t, c.IsEmpty())
	c.TrackedUsers = []store.TrackedUser{{UserID: "@a:b"}}
	assert.False(t, c.IsEmpty())
}
