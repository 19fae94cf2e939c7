// Package config loads the YAML configuration of the crypto tools and the
// relay. Environment variables prefixed E2E_ override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"e2e_crypto/internal/protocol/doubleratchet"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/engine"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/keyshare"
	"e2e_crypto/internal/service/verification"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

var ErrInvalid = errors.New("config: invalid configuration")

type (
	Config struct {
		Log    LogConfig    `yaml:"log"`
		Device DeviceConfig `yaml:"device"`
		Store  StoreConfig  `yaml:"store"`
		Relay  RelayConfig  `yaml:"relay"`

		Engine engine.Config `yaml:",inline"`
	}

	LogConfig struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}

	DeviceConfig struct {
		UserID   string `yaml:"user_id"`
		DeviceID string `yaml:"device_id"`
	}

	StoreConfig struct {
		Backend string `yaml:"backend"`
		// Path is the badger directory.
		Path string `yaml:"path"`
		// Driver and DSN select the SQL database.
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		// RedisAddr and Namespace select the redis keyspace.
		RedisAddr string `yaml:"redis_addr"`
		Namespace string `yaml:"namespace"`
		// Passphrase enables the at-rest cipher.
		Passphrase string `yaml:"passphrase"`
	}

	RelayConfig struct {
		Addr      string `yaml:"addr"`
		MongoURI  string `yaml:"mongo_uri"`
		MongoDB   string `yaml:"mongo_db"`
		RedisAddr string `yaml:"redis_addr"`
		// QueueTTL bounds how long undelivered to-device messages are kept.
		QueueTTL time.Duration `yaml:"queue_ttl"`
	}
)

func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Backend: BackendBadger, Path: "e2e-store", Driver: "sqlite", Namespace: "e2e"},
		Relay: RelayConfig{
			Addr:      "localhost:9090",
			MongoURI:  "mongodb://localhost:27017",
			MongoDB:   "e2e_relay",
			RedisAddr: "localhost:6379",
			QueueTTL:  7 * 24 * time.Hour,
		},
		Engine: engine.Config{
			Account:      account.Config{MaxOneTimeKeys: account.DefaultMaxOneTimeKeys},
			Pairwise:     doubleratchet.DefaultConfig(),
			Group:        group.Config{RatchetCacheSize: group.DefaultRatchetCacheSize, Rotation: group.DefaultRotation},
			Keyshare:     keyshare.Config{Concurrency: keyshare.DefaultConcurrency},
			Verification: verification.Config{Timeout: verification.DefaultTimeout},
		},
	}
}

// Load reads path, if set, over the defaults and applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Log.Level = getenv("E2E_LOG_LEVEL", c.Log.Level)
	c.Device.UserID = getenv("E2E_USER_ID", c.Device.UserID)
	c.Device.DeviceID = getenv("E2E_DEVICE_ID", c.Device.DeviceID)

	c.Store.Backend = getenv("E2E_STORE_BACKEND", c.Store.Backend)
	c.Store.Path = getenv("E2E_STORE_PATH", c.Store.Path)
	c.Store.Driver = getenv("E2E_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getenv("E2E_STORE_DSN", c.Store.DSN)
	c.Store.RedisAddr = getenv("E2E_STORE_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.Passphrase = getenv("E2E_STORE_PASSPHRASE", c.Store.Passphrase)

	c.Relay.Addr = getenv("E2E_RELAY_ADDR", c.Relay.Addr)
	c.Relay.MongoURI = getenv("E2E_MONGO_URI", c.Relay.MongoURI)
	c.Relay.MongoDB = getenv("E2E_MONGO_DB", c.Relay.MongoDB)
	c.Relay.RedisAddr = getenv("E2E_REDIS_ADDR", c.Relay.RedisAddr)
	c.Relay.QueueTTL = getdur("E2E_RELAY_QUEUE_TTL", c.Relay.QueueTTL)

	e := &c.Engine
	e.Verification.Timeout = getdur("E2E_VERIFICATION_TIMEOUT", e.Verification.Timeout)
	e.Group.Rotation.MaxAge = getdur("E2E_ROTATION_MAX_AGE", e.Group.Rotation.MaxAge)
	e.Keyshare.OnlyTrustedDevices = getbool("E2E_ONLY_TRUSTED_DEVICES", e.Keyshare.OnlyTrustedDevices)
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for badger", ErrInvalid)
		}
	case BackendSQL:
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			return fmt.Errorf("%w: store.driver %q", ErrInvalid, c.Store.Driver)
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for sql", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: store.backend %q", ErrInvalid, c.Store.Backend)
	}
	if c.Engine.Pairwise.MaxSkippedKeys < 0 {
		return fmt.Errorf("%w: pairwise.max_skipped_keys must not be negative", ErrInvalid)
	}
	if c.Engine.Group.RatchetCacheSize < 0 {
		return fmt.Errorf("%w: group.ratchet_cache_size must not be negative", ErrInvalid)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
