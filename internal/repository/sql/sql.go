// Package sql stores crypto state in one table through gorm. Postgres and
// sqlite are supported.
package sql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

type (
	Record struct {
		K         string `gorm:"column:k;primaryKey;size:512"`
		V         []byte `gorm:"column:v;not null"`
		UpdatedAt time.Time
	}

	Config struct {
		// Driver is "postgres" or "sqlite".
		Driver string
		DSN    string
		LogSQL bool
	}

	Backend struct {
		db *gorm.DB
		// mu serialises writers of this process; rows read inside Update
		// are locked FOR UPDATE against other processes.
		mu sync.Mutex
	}

	txn struct {
		ctx    context.Context
		db     *gorm.DB
		locked bool
	}
)

var _ store.Backend = (*Backend)(nil)

func (Record) TableName() string {
	return "crypto_records"
}

func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", cfg.Driver)
	}

	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.L().Named("gorm")), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	})
}

// NewBackend migrates the records table.
func NewBackend(ctx context.Context, db *gorm.DB) (*Backend, error) {
	if err := db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Backend{db: db}, nil
}

func (t txn) Get(key string) ([]byte, error) {
	q := t.db.WithContext(t.ctx)
	if t.locked {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var r Record
	err := q.Where("k = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.V, nil
}

func (t txn) Scan(prefix string, fn func(key string, value []byte) error) error {
	q := t.db.WithContext(t.ctx).Where("k >= ?", prefix)
	if end := store.PrefixEnd(prefix); end != "" {
		q = q.Where("k < ?", end)
	}

	var records []Record
	if err := q.Order("k").Find(&records).Error; err != nil {
		return err
	}
	for _, r := range records {
		if err := fn(r.K, r.V); err != nil {
			return err
		}
	}
	return nil
}

func (t txn) Set(key string, value []byte) error {
	if !t.locked {
		return errors.New("sql: write in read-only transaction")
	}
	return t.db.WithContext(t.ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"v", "updated_at"}),
	}).Create(&Record{K: key, V: value}).Error
}

func (t txn) Delete(key string) error {
	if !t.locked {
		return errors.New("sql: write in read-only transaction")
	}
	return t.db.WithContext(t.ctx).Where("k = ?", key).Delete(&Record{}).Error
}

func (b *Backend) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(txn{ctx: ctx, db: tx})
	})
}

func (b *Backend) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(txn{ctx: ctx, db: tx, locked: true})
	})
}

func (b *Backend) Close() error {
	db, err := b.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
