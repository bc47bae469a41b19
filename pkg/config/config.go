package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quillstream/quillstream/pkg/auth"
	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/eventlog"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/pipeline"
	"github.com/quillstream/quillstream/pkg/storage"
)

// Config is the umbrella configuration object for the whole process.
// This is the primary object returned by Initialize() and used throughout
// the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Server configures the HTTP/websocket listener.
	Server ServerConfig `yaml:"server"`

	// Storage selects the backend shared by blobs and, unless the merkle
	// section overrides it, the event log engine.
	Storage storage.Config `yaml:"storage"`

	// Merkle enables the chained event log. When the section is absent the
	// decoder falls back to legacy flat per-connection logs.
	Merkle *MerkleConfig `yaml:"merkle"`

	// Pipeline tunes the per-connection stage graph.
	Pipeline pipeline.Config `yaml:"pipeline"`

	// Auth names the reverse-proxy headers trusted for identity.
	Auth auth.HeaderConfig `yaml:"auth"`

	// Blacklist holds the deny rule sets, compiled at startup.
	Blacklist blacklist.Config `yaml:"blacklist"`

	// Logs locates the study logs and the main event log.
	Logs eventlog.Config `yaml:"logs"`

	// Checkpoint controls the periodic session break service.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Logging controls process log output.
	Logging LoggingConfig `yaml:"logging"`

	// DevMode loosens validation for local development. Digest truncation
	// is only honored when set.
	DevMode bool `yaml:"dev_mode"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins are the origin patterns accepted on websocket
	// upgrade. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MerkleConfig is the feature-flag section enabling the chained log.
// `store` and `params` override the shared storage section when set, so
// the chained log can live on a different backend than blobs.
type MerkleConfig struct {
	// Store is a backend name from storage.Drivers(). Empty means the
	// top-level storage section backs the engine too.
	Store  string      `yaml:"store"`
	Params StoreParams `yaml:"params"`

	// Async sizes the worker pool that offloads engine calls.
	Async merkle.AsyncConfig `yaml:"async"`

	// HashTruncate shortens emitted digests to n hex characters for
	// readable diffs. Rejected unless dev_mode is set.
	HashTruncate int `yaml:"hash_truncate"`
}

// StoreParams carries the per-driver parameters of the merkle store
// override. Mirrors the parameter fields of storage.Config.
type StoreParams struct {
	Path     string                 `yaml:"path"`
	Postgres storage.PostgresConfig `yaml:"postgres"`
	Redis    storage.RedisConfig    `yaml:"redis"`
}

// CheckpointConfig controls the periodic break service that bounds chain
// length on long-lived sessions.
type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig controls process log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// SlogLevel parses Level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// MerkleEnabled reports whether the chained log mode is selected.
func (c *Config) MerkleEnabled() bool {
	return c.Merkle != nil
}

// DecoderMode names the active event decoder for logs and health output.
func (c *Config) DecoderMode() string {
	if c.MerkleEnabled() {
		return "merkle"
	}
	return "legacy"
}

// EngineStorage resolves the storage backing the event log engine: the
// merkle section's store/params when set, the shared storage section
// otherwise.
func (c *Config) EngineStorage() storage.Config {
	if c.Merkle == nil || c.Merkle.Store == "" {
		return c.Storage
	}
	return storage.Config{
		Driver:   c.Merkle.Store,
		Path:     c.Merkle.Params.Path,
		Postgres: c.Merkle.Params.Postgres,
		Redis:    c.Merkle.Params.Redis,
	}
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	StorageDriver  string
	DecoderMode    string
	BlacklistRules int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	s := Stats{
		StorageDriver: c.Storage.Driver,
		DecoderMode:   c.DecoderMode(),
	}
	for _, sets := range c.Blacklist.Rules {
		s.BlacklistRules += len(sets)
	}
	return s
}

// defaultConfig returns the built-in defaults. Zero fields of a loaded
// config are filled from it; the merkle section is deliberately absent
// because its presence is the mode flag.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8888,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: storage.Config{
			Driver: "fs",
			Path:   "./data/streams",
		},
		Pipeline: pipeline.DefaultConfig(),
		Auth:     auth.DefaultHeaderConfig(),
		Logs: eventlog.Config{
			Dir: "./logs",
		},
		Checkpoint: CheckpointConfig{
			Interval: 1 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
