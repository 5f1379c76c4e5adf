package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when a field is absent from config.toml.
const (
	DefaultDirectoryURL = "https://directory.tandemapp.io"
	DefaultRealtimeURL  = "wss://realtime.tandemapp.io/stream"

	DefaultRequestTimeout      = 10 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultPresenceTTL         = 90 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultProfileTimeout      = 5 * time.Second
)

// Config represents the global ~/.tandem/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Remote directory endpoints.
	DirectoryURL string `toml:"directory_url"`
	RealtimeURL  string `toml:"realtime_url"`

	// Durations are given in seconds in the file.
	RequestTimeoutSec      int `toml:"request_timeout_sec"`
	HeartbeatIntervalSec   int `toml:"heartbeat_interval_sec"`
	PresenceTTLSec         int `toml:"presence_ttl_sec"`
	HealthCheckIntervalSec int `toml:"health_check_interval_sec"`
	ProfileTimeoutSec      int `toml:"profile_timeout_sec"`
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func secondsOr(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

// DirectoryEndpoint returns the directory base URL.
func (c *Config) DirectoryEndpoint() string {
	if c.DirectoryURL != "" {
		return c.DirectoryURL
	}
	return DefaultDirectoryURL
}

// RealtimeEndpoint returns the push-stream websocket URL.
func (c *Config) RealtimeEndpoint() string {
	if c.RealtimeURL != "" {
		return c.RealtimeURL
	}
	return DefaultRealtimeURL
}

// RequestTimeout is the bounded deadline applied to every directory call.
func (c *Config) RequestTimeout() time.Duration {
	return secondsOr(c.RequestTimeoutSec, DefaultRequestTimeout)
}

// HeartbeatInterval is the liveness announce period while signed in.
func (c *Config) HeartbeatInterval() time.Duration {
	return secondsOr(c.HeartbeatIntervalSec, DefaultHeartbeatInterval)
}

// PresenceTTL is the freshness window after which a cached presence
// record is demoted to offline.
func (c *Config) PresenceTTL() time.Duration {
	return secondsOr(c.PresenceTTLSec, DefaultPresenceTTL)
}

// HealthCheckInterval is the period of the background session check.
func (c *Config) HealthCheckInterval() time.Duration {
	return secondsOr(c.HealthCheckIntervalSec, DefaultHealthCheckInterval)
}

// ProfileTimeout bounds the extended-profile fetch after sign-in.
func (c *Config) ProfileTimeout() time.Duration {
	return secondsOr(c.ProfileTimeoutSec, DefaultProfileTimeout)
}
