// Package badger stores crypto state in an embedded badger database.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

const maxConflictRetries = 50

type (
	Backend struct {
		db *badger.DB
	}

	txn struct {
		txn *badger.Txn
	}

	// zapLogger routes badger's own logging through the package logger.
	zapLogger struct {
		s *zap.SugaredLogger
	}
)

var _ store.Backend = (*Backend)(nil)

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l zapLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

// Open opens the database at path. An empty path keeps everything in memory.
func Open(path string) (*Backend, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(zapLogger{s: log.L().Named("badger").Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Backend{db: db}, nil
}

func (t txn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t txn) Scan(prefix string, fn func(key string, value []byte) error) error {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.KeyCopy(nil)), value); err != nil {
			return err
		}
	}
	return nil
}

func (t txn) Set(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t txn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func (b *Backend) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(t *badger.Txn) error {
		return fn(txn{txn: t})
	})
}

// Update retries on write conflicts; fn may therefore run more than once.
func (b *Backend) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(t *badger.Txn) error {
			return fn(txn{txn: t})
		})
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		log.Debug("badger txn conflict, retrying", zap.Int("attempt", attempt))
	}
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// RunGC reclaims value log space; call it periodically on long-running stores.
func (b *Backend) RunGC(discardRatio float64) error {
	err := b.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}
