package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := Open("")
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.Set("account", []byte("state"))
	}))
	require.NoError(t, b.Close())

	b, err = Open(dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		v, err := tx.Get("account")
		require.NoError(t, err)
		assert.Equal(t, []byte("state"), v)
		return nil
	}))
}
