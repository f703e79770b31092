// Package config loads TrustEdge's runtime configuration: chunking,
// session, retry, and backend-selection policy, from a YAML or JSON file
// with environment-variable substitution.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KeySource selects how the envelope key is obtained. The two variants are
// mutually exclusive.
type KeySource string

const (
	KeySourceHex           KeySource = "hex"
	KeySourceKeyringSalted KeySource = "keyring+salt"
)

// Config is TrustEdge's top-level runtime configuration.
type Config struct {
	ChunkSize         uint32        `yaml:"chunk_size" json:"chunk_size"`
	SessionTimeoutS   uint32        `yaml:"session_timeout_s" json:"session_timeout_s"`
	ConnectTimeoutS   uint32        `yaml:"connect_timeout_s" json:"connect_timeout_s"`
	RetryAttempts     int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelayS       uint32        `yaml:"retry_delay_s" json:"retry_delay_s"`
	BackendPreference []string      `yaml:"backend_preference" json:"backend_preference"`
	KeySource         KeySource     `yaml:"key_source" json:"key_source"`
	KeyHex            string        `yaml:"key_hex,omitempty" json:"key_hex,omitempty"`
	KeyringSaltHex    string        `yaml:"keyring_salt_hex,omitempty" json:"keyring_salt_hex,omitempty"`
	RequireAuth       bool          `yaml:"require_auth" json:"require_auth"`
	Logging           LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig mirrors the ambient logger's configuration surface.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Output string `yaml:"output" json:"output"`
}

// ErrMutuallyExclusiveOptions is returned when a config specifies both a hex
// key and a keyring salt. A config that specifies neither is accepted.
var ErrMutuallyExclusiveOptions = errors.New("config: key_source hex and keyring+salt are mutually exclusive")

// Defaults returns a Config populated with TrustEdge's documented defaults.
func Defaults() Config {
	return Config{
		ChunkSize:       4096,
		SessionTimeoutS: 300,
		ConnectTimeoutS: 10,
		RetryAttempts:   3,
		RetryDelayS:     2,
		KeySource:       KeySourceHex,
		RequireAuth:     true,
		Logging:         LoggingConfig{Level: "info", Output: "stdout"},
	}
}

// LoadFromFile reads cfg from path, substitutes ${VAR}/${VAR:default}
// references, and parses the result as YAML (which also accepts JSON) over
// the documented defaults: a field the file leaves out keeps its default,
// and a field the file sets, even to zero, takes the file's value.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	substituted := SubstituteEnvVars(string(raw))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the config's cross-field invariants.
func (c *Config) Validate() error {
	hasHex := c.KeyHex != ""
	hasKeyring := c.KeyringSaltHex != ""
	if hasHex && hasKeyring {
		return ErrMutuallyExclusiveOptions
	}
	return nil
}

// SessionTimeout returns SessionTimeoutS as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutS) * time.Second
}

// ConnectTimeout returns ConnectTimeoutS as a time.Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS) * time.Second
}

// RetryDelay returns RetryDelayS as a time.Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayS) * time.Second
}
