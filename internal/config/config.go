// Package config loads the tracker configuration from a YAML file with
// environment overrides, and can watch the file for live tuning changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "FLOWBOARD_"

// Duration is a time.Duration that unmarshals from YAML strings such as
// "45s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config models the flowboard.yaml file. Zero values fall back to the
// defaults applied by Load.
type Config struct {
	// Server holds the backend endpoints and credentials.
	Server ServerConfig `yaml:"server"`
	// StateDSN selects the board snapshot backend: file://path,
	// memory://, or postgres://...
	StateDSN string `yaml:"state_dsn"`
	// Tuning holds the runtime knobs that may be hot-reloaded.
	Tuning TuningConfig `yaml:"tuning"`
}

type ServerConfig struct {
	HTTPBaseURL string `yaml:"http_base_url"`
	WSURL       string `yaml:"ws_url"`
	Token       string `yaml:"token"`
}

type TuningConfig struct {
	DedupTTL          Duration `yaml:"dedup_ttl"`
	DedupMaxSize      int      `yaml:"dedup_max_size"`
	PendingBufferSize int      `yaml:"pending_buffer_size"`
	TriggerTimeout    Duration `yaml:"trigger_timeout"`
	FetchTimeout      Duration `yaml:"fetch_timeout"`
	ReconnectBase     Duration `yaml:"reconnect_base"`
	ReconnectMax      Duration `yaml:"reconnect_max"`
	WSReadLimit       int64    `yaml:"ws_read_limit"`
}

// Load reads path (optional), overlays FLOWBOARD_* environment variables,
// and fills defaults. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Env and defaults only.
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := envString("HTTP_BASE_URL"); v != "" {
		c.Server.HTTPBaseURL = v
	}
	if v := envString("WS_URL"); v != "" {
		c.Server.WSURL = v
	}
	if v := envString("TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := envString("STATE_DSN"); v != "" {
		c.StateDSN = v
	}
	if v, ok := envDuration("DEDUP_TTL"); ok {
		c.Tuning.DedupTTL = Duration(v)
	}
	if v, ok := envInt("DEDUP_MAX_SIZE"); ok {
		c.Tuning.DedupMaxSize = v
	}
	if v, ok := envInt("PENDING_BUFFER_SIZE"); ok {
		c.Tuning.PendingBufferSize = v
	}
	if v, ok := envDuration("TRIGGER_TIMEOUT"); ok {
		c.Tuning.TriggerTimeout = Duration(v)
	}
	if v, ok := envDuration("FETCH_TIMEOUT"); ok {
		c.Tuning.FetchTimeout = Duration(v)
	}
	if v, ok := envDuration("RECONNECT_BASE"); ok {
		c.Tuning.ReconnectBase = Duration(v)
	}
	if v, ok := envDuration("RECONNECT_MAX"); ok {
		c.Tuning.ReconnectMax = Duration(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPBaseURL == "" {
		c.Server.HTTPBaseURL = "http://127.0.0.1:8080"
	}
	if c.Server.WSURL == "" {
		c.Server.WSURL = "ws://127.0.0.1:8080/v1/events"
	}
	if c.StateDSN == "" {
		c.StateDSN = "memory://"
	}
	if c.Tuning.DedupTTL <= 0 {
		c.Tuning.DedupTTL = Duration(30 * time.Second)
	}
	if c.Tuning.DedupMaxSize <= 0 {
		c.Tuning.DedupMaxSize = 4096
	}
	if c.Tuning.TriggerTimeout <= 0 {
		c.Tuning.TriggerTimeout = Duration(30 * time.Second)
	}
	if c.Tuning.FetchTimeout <= 0 {
		c.Tuning.FetchTimeout = Duration(10 * time.Second)
	}
	if c.Tuning.ReconnectBase <= 0 {
		c.Tuning.ReconnectBase = Duration(250 * time.Millisecond)
	}
	if c.Tuning.ReconnectMax <= 0 {
		c.Tuning.ReconnectMax = Duration(15 * time.Second)
	}
}

func envString(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func envInt(name string) (int, bool) {
	raw := envString(name)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func envDuration(name string) (time.Duration, bool) {
	raw := envString(name)
	if raw == "" {
		return 0, false
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}
