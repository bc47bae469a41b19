package config

import (
	"fmt"
	"slices"

	"github.com/quillstream/quillstream/pkg/storage"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateStorage(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}

	if err := v.validateMerkle(); err != nil {
		return fmt.Errorf("merkle validation failed: %w", err)
	}

	if err := v.validatePipeline(); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	if err := v.validateCheckpoint(); err != nil {
		return fmt.Errorf("checkpoint validation failed: %w", err)
	}

	if err := v.validateLogging(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	srv := v.cfg.Server

	if srv.Port < 1 || srv.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be between 1 and 65535, got %d", srv.Port))
	}

	if srv.ReadTimeout < 0 {
		return NewValidationError("server", "read_timeout", fmt.Errorf("must not be negative"))
	}
	if srv.WriteTimeout < 0 {
		return NewValidationError("server", "write_timeout", fmt.Errorf("must not be negative"))
	}
	if srv.ShutdownTimeout < 0 {
		return NewValidationError("server", "shutdown_timeout", fmt.Errorf("must not be negative"))
	}

	return nil
}

func (v *ConfigValidator) validateStorage() error {
	return v.validateStoreSection("storage", v.cfg.Storage)
}

func (v *ConfigValidator) validateMerkle() error {
	m := v.cfg.Merkle
	if m == nil {
		return nil
	}

	if m.Store != "" {
		if err := v.validateStoreSection("merkle", v.cfg.EngineStorage()); err != nil {
			return err
		}
	}

	if m.Async.Workers < 0 {
		return NewValidationError("merkle", "async.workers", fmt.Errorf("must not be negative"))
	}
	if m.Async.QueueDepth < 0 {
		return NewValidationError("merkle", "async.queue_depth", fmt.Errorf("must not be negative"))
	}
	if m.Async.OpTimeout < 0 {
		return NewValidationError("merkle", "async.op_timeout", fmt.Errorf("must not be negative"))
	}

	if m.HashTruncate < 0 {
		return NewValidationError("merkle", "hash_truncate", fmt.Errorf("must not be negative"))
	}
	if m.HashTruncate > 0 && !v.cfg.DevMode {
		return NewValidationError("merkle", "hash_truncate",
			fmt.Errorf("truncated digests weaken chain integrity; requires dev_mode: true"))
	}

	return nil
}

// validateStoreSection checks one storage.Config against the registered
// drivers and their required parameters.
func (v *ConfigValidator) validateStoreSection(section string, store storage.Config) error {
	known := storage.Drivers()
	if store.Driver == "" {
		return NewValidationError(section, "driver", fmt.Errorf("%w: one of %v", ErrMissingRequiredField, known))
	}
	if !slices.Contains(known, store.Driver) {
		return NewValidationError(section, "driver", fmt.Errorf("unknown driver %q (known: %v)", store.Driver, known))
	}

	switch store.Driver {
	case "fs", "sqlite":
		if store.Path == "" {
			return NewValidationError(section, "path", fmt.Errorf("%w for driver %q", ErrMissingRequiredField, store.Driver))
		}
	case "postgres":
		if store.Postgres.URL == "" && store.Postgres.Host == "" {
			return NewValidationError(section, "postgres", fmt.Errorf("%w: url or host", ErrMissingRequiredField))
		}
	case "redis":
		if store.Redis.Addr == "" {
			return NewValidationError(section, "redis.addr", fmt.Errorf("%w", ErrMissingRequiredField))
		}
	}

	return nil
}

func (v *ConfigValidator) validatePipeline() error {
	p := v.cfg.Pipeline

	if p.QueueDepth < 0 {
		return NewValidationError("pipeline", "queue_depth", fmt.Errorf("must not be negative"))
	}
	if p.AuthBacklog < 0 {
		return NewValidationError("pipeline", "auth_backlog", fmt.Errorf("must not be negative"))
	}
	if p.PreSessionBuffer < 0 {
		return NewValidationError("pipeline", "pre_session_buffer", fmt.Errorf("must not be negative"))
	}

	return nil
}

func (v *ConfigValidator) validateCheckpoint() error {
	cp := v.cfg.Checkpoint

	if cp.Interval < 0 {
		return NewValidationError("checkpoint", "interval", fmt.Errorf("must not be negative"))
	}
	if cp.Enabled && cp.Interval == 0 {
		return NewValidationError("checkpoint", "interval", fmt.Errorf("%w when checkpointing is enabled", ErrMissingRequiredField))
	}

	return nil
}

func (v *ConfigValidator) validateLogging() error {
	switch v.cfg.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return NewValidationError("logging", "level",
			fmt.Errorf("%w: %q (expected debug, info, warn, or error)", ErrInvalidValue, v.cfg.Logging.Level))
	}
}
