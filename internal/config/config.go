// Package config loads runtime configuration: environment variables for
// the hub daemon, a TOML file for edge devices.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Hub is the hub daemon's configuration, read from the environment.
type Hub struct {
	DatabaseURL string // FATIGUE_DATABASE_URL (required)
	HTTPAddr    string // FATIGUE_HTTP_ADDR (default ":8080")
	NATSURL     string // FATIGUE_NATS_URL (optional, empty = no feed)
	AuthToken   string // FATIGUE_AUTH_TOKEN (optional, empty = auth disabled)

	HeartbeatInterval time.Duration // FATIGUE_HEARTBEAT_INTERVAL (default 30s)
	SweepInterval     time.Duration // FATIGUE_SWEEP_INTERVAL (default 60s)
	IdleThreshold     time.Duration // FATIGUE_IDLE_THRESHOLD (default 15m)
	CacheDepth        int           // FATIGUE_CACHE_DEPTH (default 8)
}

// LoadHub reads the hub configuration from the environment.
func LoadHub() (*Hub, error) {
	c := &Hub{
		DatabaseURL: os.Getenv("FATIGUE_DATABASE_URL"),
		HTTPAddr:    envOrDefault("FATIGUE_HTTP_ADDR", ":8080"),
		NATSURL:     os.Getenv("FATIGUE_NATS_URL"),
		AuthToken:   os.Getenv("FATIGUE_AUTH_TOKEN"),
		CacheDepth:  8,
	}
	if c.DatabaseURL == "" {
		return nil, errors.New("FATIGUE_DATABASE_URL is required")
	}

	var err error
	if c.HeartbeatInterval, err = envDuration("FATIGUE_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = envDuration("FATIGUE_SWEEP_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if c.IdleThreshold, err = envDuration("FATIGUE_IDLE_THRESHOLD", 15*time.Minute); err != nil {
		return nil, err
	}
	if raw := os.Getenv("FATIGUE_CACHE_DEPTH"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &c.CacheDepth); err != nil || c.CacheDepth < 1 {
			return nil, fmt.Errorf("FATIGUE_CACHE_DEPTH: invalid value %q", raw)
		}
	}
	return c, nil
}

// duration wraps time.Duration so TOML values can be written as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Edge is an edge device's configuration, read from a TOML file.
type Edge struct {
	ParticipantID string `toml:"participant_id"`
	Name          string `toml:"name,omitempty"`
	QueuePath     string `toml:"queue_path"`

	Collector struct {
		URL   string `toml:"url"`
		Token string `toml:"token,omitempty"`
	} `toml:"collector"`

	Hub struct {
		URL string `toml:"url"`
	} `toml:"hub"`

	Sync struct {
		Interval duration `toml:"interval"`
	} `toml:"sync"`

	Netmon struct {
		Endpoints     []string `toml:"endpoints"`
		ICMPTarget    string   `toml:"icmp_target,omitempty"`
		ProbeInterval duration `toml:"probe_interval"`
	} `toml:"netmon"`
}

// SyncInterval returns the configured sync interval, defaulted to 30s.
func (e *Edge) SyncInterval() time.Duration {
	if e.Sync.Interval.Duration <= 0 {
		return 30 * time.Second
	}
	return e.Sync.Interval.Duration
}

// ProbeInterval returns the configured probe interval, defaulted to 15s.
func (e *Edge) ProbeInterval() time.Duration {
	if e.Netmon.ProbeInterval.Duration <= 0 {
		return 15 * time.Second
	}
	return e.Netmon.ProbeInterval.Duration
}

// LoadEdge reads and validates an edge configuration file.
func LoadEdge(path string) (*Edge, error) {
	var cfg Edge
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if cfg.ParticipantID == "" {
		return nil, errors.New("participant_id is required")
	}
	if cfg.Collector.URL == "" {
		return nil, errors.New("collector.url is required")
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "fatigue-queue.jsonl"
	}
	return &cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
