package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// yaml.v3 does not decode scalars like "30s" into time.Duration, so the
// sections carrying durations unmarshal through shadow structs and parse
// those fields themselves. Keep the shadow field lists in sync with the
// structs in config.go.

// UnmarshalYAML decodes the server section, accepting timeouts written as
// Go duration strings ("30s", "1h30m").
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Host            string   `yaml:"host"`
		Port            int      `yaml:"port"`
		ReadTimeout     string   `yaml:"read_timeout"`
		WriteTimeout    string   `yaml:"write_timeout"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Host = raw.Host
	s.Port = raw.Port
	s.AllowedOrigins = raw.AllowedOrigins

	var err error
	if s.ReadTimeout, err = parseDuration("server.read_timeout", raw.ReadTimeout); err != nil {
		return err
	}
	if s.WriteTimeout, err = parseDuration("server.write_timeout", raw.WriteTimeout); err != nil {
		return err
	}
	if s.ShutdownTimeout, err = parseDuration("server.shutdown_timeout", raw.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML decodes the checkpoint section, accepting the interval as
// a Go duration string.
func (c *CheckpointConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Enabled = raw.Enabled

	var err error
	if c.Interval, err = parseDuration("checkpoint.interval", raw.Interval); err != nil {
		return err
	}
	return nil
}

// parseDuration parses a duration config value. Empty means unset and
// parses to zero so the built-in defaults can fill the field.
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
