// Package config loads gateway runtime options from a YAML file with
// TABRELAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes runtime options for the daemon.
type Config struct {
	// HTTPAddress serves both the completion API and the worker WebSocket.
	HTTPAddress string `yaml:"http_address"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	// HeartbeatTimeout bounds how long a silent worker stays registered;
	// it is also the only bound on a stalled in-flight request.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// SweepInterval is the fixed eviction timer, independent of traffic.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ArchiveDSN selects the finalized-completion store: empty disables
	// archiving, postgres:// DSNs use the postgres backend, anything else
	// is a sqlite path.
	ArchiveDSN string `yaml:"archive_dsn"`

	// BridgeBuffer is the per-request chunk channel capacity.
	BridgeBuffer int `yaml:"bridge_buffer"`
}

func defaults() Config {
	return Config{
		HTTPAddress:      ":8088",
		LogLevel:         "info",
		HeartbeatTimeout: 60 * time.Second,
		SweepInterval:    15 * time.Second,
		BridgeBuffer:     256,
	}
}

// Load reads the config file at path (missing file is fine; defaults apply)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("TABRELAY_CONFIG"))
	}
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file: defaults plus env.
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TABRELAY_HTTP_ADDRESS")); v != "" {
		cfg.HTTPAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("TABRELAY_LOG_FILE")); v != "" {
		cfg.LogFile = v
	}
	if v := strings.TrimSpace(os.Getenv("TABRELAY_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("TABRELAY_HEARTBEAT_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("TABRELAY_SWEEP_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("TABRELAY_ARCHIVE_DSN")); v != "" {
		cfg.ArchiveDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TABRELAY_BRIDGE_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BridgeBuffer = n
		}
	}
}

func (c Config) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("config: http_address must not be empty")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("config: heartbeat_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	return nil
}
