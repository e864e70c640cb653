// Package config loads the settings of the idemlock programs from a YAML
// file and IDEMLOCK_* environment variables. Environment values win over
// the file, and the file wins over the defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-idemlock/v1/lock"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendNone   = "none"
)

// Config is the full program configuration.
type Config struct {
	Listen  string      `yaml:"listen"`
	Tracing bool        `yaml:"tracing"`
	Store   StoreConfig `yaml:"store"`
	Bus     BusConfig   `yaml:"bus"`
	Guard   GuardConfig `yaml:"guard"`
	Lock    LockConfig  `yaml:"lock"`
}

// StoreConfig selects the key-value store.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BusConfig selects how unlock notifications travel.
type BusConfig struct {
	Backend          string        `yaml:"backend"`
	NATSURL          string        `yaml:"nats-url"`
	Prefix           string        `yaml:"prefix"`
	BreakerThreshold int           `yaml:"breaker-threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker-timeout"`
}

// GuardConfig configures the idempotency guard.
type GuardConfig struct {
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// LockConfig configures the mutex and the purchase lock.
type LockConfig struct {
	Strategy      string        `yaml:"strategy"`
	Key           string        `yaml:"key"`
	TTL           time.Duration `yaml:"ttl"`
	WaitTimeout   time.Duration `yaml:"wait-timeout"`
	RetryInterval time.Duration `yaml:"retry-interval"`
	Renewal       time.Duration `yaml:"renewal"`
}

// ParsedStrategy returns the configured strategy.
func (c LockConfig) ParsedStrategy() (lock.Strategy, error) {
	return lock.ParseStrategy(c.Strategy)
}

// Default returns the built-in configuration: everything in memory, a 15s
// guard window and a 10s leased purchase lock.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "127.0.0.1:6379", Timeout: 5 * time.Second},
		},
		Bus: BusConfig{
			Backend:          BackendMemory,
			Prefix:           "idemlock:bus:",
			BreakerThreshold: 5,
			BreakerTimeout:   10 * time.Second,
		},
		Guard: GuardConfig{Prefix: "idemlock:dup:", TTL: 15 * time.Second},
		Lock: LockConfig{
			Strategy:      "leased",
			Key:           "buyProductLock",
			TTL:           10 * time.Second,
			WaitTimeout:   30 * time.Second,
			RetryInterval: 50 * time.Millisecond,
		},
	}
}

// Load reads path (skipped when empty), applies the environment and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from IDEMLOCK_* variables.
func (c *Config) ApplyEnv() error {
	c.Listen = getEnv("IDEMLOCK_LISTEN", c.Listen)
	c.Store.Backend = strings.ToLower(getEnv("IDEMLOCK_STORE", c.Store.Backend))
	c.Store.Redis.Addr = getEnv("IDEMLOCK_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("IDEMLOCK_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Bus.Backend = strings.ToLower(getEnv("IDEMLOCK_BUS", c.Bus.Backend))
	c.Bus.NATSURL = getEnv("IDEMLOCK_NATS_URL", c.Bus.NATSURL)
	c.Lock.Strategy = getEnv("IDEMLOCK_LOCK_STRATEGY", c.Lock.Strategy)
	c.Lock.Key = getEnv("IDEMLOCK_LOCK_KEY", c.Lock.Key)

	var err error
	if c.Store.Redis.DB, err = getEnvInt("IDEMLOCK_REDIS_DB", c.Store.Redis.DB); err != nil {
		return err
	}
	if c.Tracing, err = getEnvBool("IDEMLOCK_TRACING", c.Tracing); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"IDEMLOCK_REDIS_TIMEOUT", &c.Store.Redis.Timeout},
		{"IDEMLOCK_GUARD_TTL", &c.Guard.TTL},
		{"IDEMLOCK_LOCK_TTL", &c.Lock.TTL},
		{"IDEMLOCK_LOCK_WAIT", &c.Lock.WaitTimeout},
		{"IDEMLOCK_LOCK_RETRY", &c.Lock.RetryInterval},
		{"IDEMLOCK_LOCK_RENEWAL", &c.Lock.Renewal},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values the programs cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
		if c.Store.Redis.Timeout <= 0 {
			errs = append(errs, errors.New("store.redis.timeout must be positive for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Bus.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Store.Backend != BackendRedis {
			errs = append(errs, errors.New("the redis bus requires the redis store"))
		}
	case BackendNATS:
		if c.Bus.NATSURL == "" {
			errs = append(errs, errors.New("bus.nats-url is required for the nats bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus backend %q", c.Bus.Backend))
	}
	if c.Guard.TTL < time.Millisecond {
		errs = append(errs, errors.New("guard.ttl must be at least 1ms"))
	}
	if c.Lock.TTL < time.Millisecond {
		errs = append(errs, errors.New("lock.ttl must be at least 1ms"))
	}
	if c.Lock.Renewal < 0 || (c.Lock.Renewal > 0 && c.Lock.Renewal >= c.Lock.TTL) {
		errs = append(errs, errors.New("lock.renewal must be shorter than lock.ttl"))
	}
	if _, err := c.Lock.ParsedStrategy(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
