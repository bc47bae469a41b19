// Package storage provides append-only stream stores behind a common
// interface. A stream is an ordered list of JSON documents addressed by an
// opaque string key; keys are arbitrary text (typically canonical JSON
// session descriptors) and must never be assumed filesystem- or SQL-safe.
//
// Backends register themselves under a driver name; Open selects one from
// configuration. All backends preserve insertion order and never expose
// internal buffers to callers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when a stream does not exist, or when Last is
	// called on an empty stream.
	ErrNotFound = errors.New("stream not found")

	// ErrStorage wraps backend I/O failures.
	ErrStorage = errors.New("storage failure")
)

// Store is an append-only stream store.
//
// Implementations must be safe for concurrent use. Read and Last return
// copies; mutating a returned slice never affects stored state.
type Store interface {
	// Create makes an empty stream. Creating an existing stream is a no-op.
	Create(ctx context.Context, key string) error

	// Append adds one document to the end of a stream.
	// Returns ErrNotFound if the stream was never created.
	Append(ctx context.Context, key string, doc []byte) error

	// Read returns every document in insertion order.
	// Returns ErrNotFound if the stream does not exist.
	Read(ctx context.Context, key string) ([][]byte, error)

	// Last returns the most recent document.
	// Returns ErrNotFound if the stream does not exist or is empty.
	Last(ctx context.Context, key string) ([]byte, error)

	// Rename re-addresses a stream. Renaming onto an existing key replaces
	// it; stream content and order are preserved.
	// Returns ErrNotFound if oldKey does not exist.
	Rename(ctx context.Context, oldKey, newKey string) error

	// Delete removes a stream and its contents.
	// Returns ErrNotFound if the stream does not exist.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a stream exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all stream keys. Intended for diagnostics and small
	// deployments; backends may scan.
	Keys(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Driver is the backend name: one of Drivers().
	Driver string `yaml:"driver"`

	// Path is the filesystem root (fs driver) or database file (sqlite).
	Path string `yaml:"path"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds connection settings for the postgres driver.
// URL, when set, takes precedence over the individual fields.
type PostgresConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// UnmarshalYAML decodes the postgres section, accepting the pool lifetimes
// as Go duration strings ("30m", "1h"). yaml.v3 does not decode those into
// time.Duration on its own.
func (c *PostgresConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL      string `yaml:"url"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"ssl_mode"`

		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		ConnMaxIdleTime string `yaml:"conn_max_idle_time"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.URL = raw.URL
	c.Host = raw.Host
	c.Port = raw.Port
	c.User = raw.User
	c.Password = raw.Password
	c.Database = raw.Database
	c.SSLMode = raw.SSLMode
	c.MaxOpenConns = raw.MaxOpenConns
	c.MaxIdleConns = raw.MaxIdleConns

	var err error
	if c.ConnMaxLifetime, err = parseDuration("postgres.conn_max_lifetime", raw.ConnMaxLifetime); err != nil {
		return err
	}
	if c.ConnMaxIdleTime, err = parseDuration("postgres.conn_max_idle_time", raw.ConnMaxIdleTime); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces all keys written by this deployment.
	Prefix string `yaml:"prefix"`
}

type openFunc func(ctx context.Context, cfg Config) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]openFunc)
)

func register(name string, open openFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = open
}

// Drivers returns the registered backend names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driversMu.RLock()
	open, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (known: %v)", cfg.Driver, Drivers())
	}
	return open(ctx, cfg)
}
