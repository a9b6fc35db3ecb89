// Package config assembles the single configuration value that every
// component constructor in this repository takes by reference. There is
// no process-wide mutable config singleton: main builds one *Config and
// threads it through the Device Client, Session Manager, Cache, Thumbnail
// Pipeline, and Download Orchestrator explicitly.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DeviceConfig describes how to reach the dashcam's CGI surface.
type DeviceConfig struct {
	IP                string `yaml:"ip"                envconfig:"DASHCAM_IP"                default:"192.168.0.1"`
	Port              int    `yaml:"port"              envconfig:"DASHCAM_PORT"              default:"80"`
	ConnectionTimeout string `yaml:"connectionTimeout" envconfig:"DASHCAM_CONNECTION_TIMEOUT" default:"10s"`
	LocalIP           string `yaml:"localIp"           envconfig:"DASHCAM_LOCAL_IP"           default:"192.168.0.21"`
}

// SessionConfig tunes the liveness prober that keeps the device browsable.
type SessionConfig struct {
	ProbeInterval  string `yaml:"probeInterval"  envconfig:"SESSION_PROBE_INTERVAL"  default:"10s"`
	DiscoverTimeout string `yaml:"discoverTimeout" envconfig:"SESSION_DISCOVER_TIMEOUT" default:"5s"`
	AutoReconnect  bool   `yaml:"autoReconnect"  envconfig:"SESSION_AUTO_RECONNECT"  default:"true"`
	DisconnectWait string `yaml:"disconnectWait" envconfig:"SESSION_DISCONNECT_WAIT" default:"2s"`
}

// CacheConfig controls the thumbnail/metadata cache location and retention.
type CacheConfig struct {
	Dir            string `yaml:"dir"            envconfig:"CACHE_DIR"`
	MaxAgeDays     int    `yaml:"maxAgeDays"     envconfig:"CACHE_MAX_AGE_DAYS"     default:"30"`
	MaxCacheSizeMb int    `yaml:"maxCacheSizeMb" envconfig:"CACHE_MAX_SIZE_MB"      default:"500"`
}

// ThumbnailConfig tunes the batched thumbnail loader. Only CourtesyDelay
// reaches the pipeline; Workers is not read, and the pipeline's worker
// count is fixed at 3.
type ThumbnailConfig struct {
	Workers       int    `yaml:"workers"       envconfig:"THUMBNAIL_WORKERS"        default:"3"`
	CourtesyDelay string `yaml:"courtesyDelay" envconfig:"THUMBNAIL_COURTESY_DELAY" default:"50ms"`
}

// DownloadConfig tunes the download orchestrator.
type DownloadConfig struct {
	Dir             string `yaml:"dir"             envconfig:"DOWNLOAD_DIR"`
	MaxParallel     int    `yaml:"maxParallel"     envconfig:"DOWNLOAD_MAX_PARALLEL"      default:"3"`
	StreamChunkSize int    `yaml:"streamChunkSize" envconfig:"DOWNLOAD_STREAM_CHUNK_SIZE" default:"131072"`
	MaxRetries      int    `yaml:"maxRetries"      envconfig:"DOWNLOAD_MAX_RETRIES"       default:"3"`
	RetryBackoff    string `yaml:"retryBackoff"    envconfig:"DOWNLOAD_RETRY_BACKOFF"     default:"2s"`
	PollInterval    string `yaml:"pollInterval"    envconfig:"DOWNLOAD_POLL_INTERVAL"     default:"500ms"`
}

// Config holds all runtime configuration for the core.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Session   SessionConfig   `yaml:"session"`
	Cache     CacheConfig     `yaml:"cache"`
	Thumbnail ThumbnailConfig `yaml:"thumbnail"`
	Download  DownloadConfig  `yaml:"download"`

	// Parsed values — not serialized, populated by finalize().
	ConnectionTimeoutDur time.Duration `yaml:"-"`
	DiscoverTimeoutDur   time.Duration `yaml:"-"`
	DisconnectWaitDur    time.Duration `yaml:"-"`
	ProbeIntervalDur     time.Duration `yaml:"-"`
	CourtesyDelayDur     time.Duration `yaml:"-"`
	RetryBackoffDur      time.Duration `yaml:"-"`
	PollIntervalDur      time.Duration `yaml:"-"`
}

// defaults returns a Config with every field at its spec-mandated default,
// used as the YAML baseline when no config.default.yaml is present on disk.
func defaults() Config {
	return Config{
		Device: DeviceConfig{
			IP:                "192.168.0.1",
			Port:              80,
			ConnectionTimeout: "10s",
			LocalIP:           "192.168.0.21",
		},
		Session: SessionConfig{
			ProbeInterval:   "10s",
			DiscoverTimeout: "5s",
			AutoReconnect:   true,
			DisconnectWait:  "2s",
		},
		Cache: CacheConfig{
			MaxAgeDays:     30,
			MaxCacheSizeMb: 500,
		},
		Thumbnail: ThumbnailConfig{
			Workers:       3,
			CourtesyDelay: "50ms",
		},
		Download: DownloadConfig{
			MaxParallel:     3,
			StreamChunkSize: 131072,
			MaxRetries:      3,
			RetryBackoff:    "2s",
			PollInterval:    "500ms",
		},
	}
}

// Load reads config.default.yaml as the baseline (falling back to
// in-process defaults if absent), layers config.yaml overrides if present,
// then layers environment variables (and a local .env file) on top via
// envconfig. This mirrors the teacher's two-stage config idiom: a file
// layer for cameras/settings shipped with the app, and an env layer for
// per-host/deployment secrets and overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile("config.default.yaml"); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	if data, err := os.ReadFile("config.yaml"); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load() // missing .env is not an error

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Cache.Dir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = "."
		}
		cfg.Cache.Dir = dir + string(os.PathSeparator) + "dashcam-manager"
	}
	if cfg.Download.Dir == "" {
		cfg.Download.Dir = "downloads"
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize parses every duration-as-string field into its time.Duration
// counterpart, failing loudly on a malformed value rather than silently
// coercing it.
func (c *Config) finalize() error {
	var err error
	if c.ConnectionTimeoutDur, err = time.ParseDuration(c.Device.ConnectionTimeout); err != nil {
		return err
	}
	if c.DiscoverTimeoutDur, err = time.ParseDuration(c.Session.DiscoverTimeout); err != nil {
		return err
	}
	if c.DisconnectWaitDur, err = time.ParseDuration(c.Session.DisconnectWait); err != nil {
		return err
	}
	if c.ProbeIntervalDur, err = time.ParseDuration(c.Session.ProbeInterval); err != nil {
		return err
	}
	if c.CourtesyDelayDur, err = time.ParseDuration(c.Thumbnail.CourtesyDelay); err != nil {
		return err
	}
	if c.RetryBackoffDur, err = time.ParseDuration(c.Download.RetryBackoff); err != nil {
		return err
	}
	if c.PollIntervalDur, err = time.ParseDuration(c.Download.PollInterval); err != nil {
		return err
	}
	return nil
}
