package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load config.yaml from configDir
//  2. Overlay config.local.yaml when present
//  3. Expand environment variables
//  4. Apply default values
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"storage_driver", stats.StorageDriver,
		"decoder_mode", stats.DecoderMode,
		"blacklist_rules", stats.BlacklistRules)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load config.yaml
	cfg := &Config{}
	if err := loader.loadYAML("config.yaml", cfg); err != nil {
		return nil, NewLoadError("config.yaml", err)
	}

	// 2. Overlay config.local.yaml (optional; set values win)
	local := &Config{}
	err := loader.loadYAML("config.local.yaml", local)
	switch {
	case err == nil:
		if err := mergo.Merge(cfg, local, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config.local.yaml: %w", err)
		}
	case errors.Is(err, ErrConfigNotFound):
		// The local overlay is optional.
	default:
		return nil, NewLoadError("config.local.yaml", err)
	}

	// 3. Fill remaining zero values with built-in defaults
	defaults := defaultConfig()
	if err := mergo.Merge(cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	cfg.configDir = configDir
	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}
