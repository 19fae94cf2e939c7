package sql

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/store/storetest"
)

func newSQLite(t *testing.T) *Backend {
	db, err := Open(Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	b, err := NewBackend(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newSQLite(t)
	})
}

func TestUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestViewRejectsWrites(t *testing.T) {
	b := newSQLite(t)
	err := b.View(context.Background(), func(tx store.Tx) error {
		return tx.Set("k", []byte("v"))
	})
	assert.Error(t, err)
}
