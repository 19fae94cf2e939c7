package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"e2e_crypto/internal/config"
	"e2e_crypto/internal/repository/badger"
	redisrepo "e2e_crypto/internal/repository/redis"
	"e2e_crypto/internal/repository/sql"
	"e2e_crypto/internal/service/client"
	"e2e_crypto/internal/service/engine"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

var (
	configPath string
	relayURL   string

	cfg     *config.Config
	st      *store.Store
	machine *engine.Machine
)

func Execute() error {
	root := &cobra.Command{
		Use:           "cryptoctl",
		Short:         "Manage an end-to-end encryption device",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			if cfg.Device.UserID == "" || cfg.Device.DeviceID == "" {
				return fmt.Errorf("%w: device.user_id and device.device_id are required", config.ErrInvalid)
			}

			ctx := cmd.Context()
			if st, err = openStore(ctx, cfg.Store); err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			if machine, err = engine.New(ctx, st, cfg.Device.UserID, cfg.Device.DeviceID, cfg.Engine); err != nil {
				st.Close()
				st = nil
				return err
			}
			return nil
		},
	}
	defer shutdown()

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (default from relay.addr)")

	root.AddCommand(accountCmd(), devicesCmd(), backupCmd(), roomCmd(), syncCmd())
	return root.ExecuteContext(context.Background())
}

func shutdown() {
	if machine != nil {
		machine.Close()
	}
	if st != nil {
		st.Close()
	}
	log.Sync()
}

// openStore opens the configured backend behind the crypto store.
func openStore(ctx context.Context, c config.StoreConfig) (*store.Store, error) {
	var backend store.Backend
	switch c.Backend {
	case config.BackendMemory:
		backend = store.NewMemoryBackend()
	case config.BackendBadger:
		b, err := badger.Open(c.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		backend = closeWith(redisrepo.NewBackend(rdb, c.Namespace), rdb)
	case config.BackendSQL:
		db, err := sql.Open(sql.Config{Driver: c.Driver, DSN: c.DSN})
		if err != nil {
			return nil, err
		}
		b, err := sql.NewBackend(ctx, db)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalid, c.Backend)
	}

	var opts []store.Option
	if c.Passphrase != "" {
		opts = append(opts, store.WithPassphrase(c.Passphrase))
	}
	s, err := store.Open(ctx, backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return s, nil
}

type closingBackend struct {
	store.Backend
	extra io.Closer
}

func (b closingBackend) Close() error {
	err := b.Backend.Close()
	if cerr := b.extra.Close(); err == nil {
		err = cerr
	}
	return err
}

func closeWith(b store.Backend, c io.Closer) store.Backend {
	return closingBackend{Backend: b, extra: c}
}

// relayClient connects the machine to the relay. It flushes pending
// requests before returning.
func relayClient(ctx context.Context) (*client.Client, error) {
	base := relayURL
	if base == "" {
		base = "http://" + cfg.Relay.Addr
	}
	c, err := client.New(ctx, machine, base, nil)
	if err != nil {
		return nil, err
	}
	return c, c.Flush(ctx)
}
