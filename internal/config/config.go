package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full camgate configuration. Values come from an optional
// YAML file, overridden by CAMGATE_* environment variables, with defaults
// filled in by Load.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Auth struct {
		Secret   string        `yaml:"secret"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Monitor struct {
		DeviceRange     int           `yaml:"device_range"`
		PollIntervalMin time.Duration `yaml:"poll_interval_min"`
		PollIntervalMax time.Duration `yaml:"poll_interval_max"`
		ProbeTimeout    time.Duration `yaml:"probe_timeout"`
		ProbeRetries    int           `yaml:"probe_retries"`
		ProbeQueueSize  int           `yaml:"probe_queue_size"`
	} `yaml:"monitor"`

	MediaMTX struct {
		BaseURL        string        `yaml:"base_url"`
		RTSPBase       string        `yaml:"rtsp_base"`
		HLSBase        string        `yaml:"hls_base"`
		Timeout        time.Duration `yaml:"timeout"`
		HealthInterval time.Duration `yaml:"health_interval"`
	} `yaml:"mediamtx"`

	Storage struct {
		RecordingsDir string `yaml:"recordings_dir"`
		SnapshotsDir  string `yaml:"snapshots_dir"`
		DatabaseURL   string `yaml:"database_url"`
	} `yaml:"storage"`

	Retention struct {
		PolicyType    string        `yaml:"policy_type"`
		MaxAgeDays    int           `yaml:"max_age_days"`
		MaxSizeBytes  int64         `yaml:"max_size_bytes"`
		Enabled       bool          `yaml:"enabled"`
		CheckInterval time.Duration `yaml:"check_interval"`
	} `yaml:"retention"`

	Gateway struct {
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		RateLimit       float64       `yaml:"rate_limit"`
		RateBurst       int           `yaml:"rate_burst"`
		WriteBufferSize int           `yaml:"write_buffer_size"`
		SendQueueSize   int           `yaml:"send_queue_size"`
	} `yaml:"gateway"`
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies CAMGATE_* environment overrides, and fills
// defaults for everything left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CAMGATE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CAMGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CAMGATE_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("CAMGATE_MEDIAMTX_URL"); v != "" {
		cfg.MediaMTX.BaseURL = v
	}
	if v := os.Getenv("CAMGATE_DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("CAMGATE_RECORDINGS_DIR"); v != "" {
		cfg.Storage.RecordingsDir = v
	}
	if v := os.Getenv("CAMGATE_SNAPSHOTS_DIR"); v != "" {
		cfg.Storage.SnapshotsDir = v
	}
	if v := os.Getenv("CAMGATE_DEVICE_RANGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.DeviceRange = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8002"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Monitor.DeviceRange <= 0 {
		cfg.Monitor.DeviceRange = 10
	}
	if cfg.Monitor.PollIntervalMin <= 0 {
		cfg.Monitor.PollIntervalMin = 100 * time.Millisecond
	}
	if cfg.Monitor.PollIntervalMax <= 0 {
		cfg.Monitor.PollIntervalMax = 10 * time.Second
	}
	if cfg.Monitor.PollIntervalMax < cfg.Monitor.PollIntervalMin {
		cfg.Monitor.PollIntervalMax = cfg.Monitor.PollIntervalMin
	}
	if cfg.Monitor.ProbeTimeout <= 0 {
		cfg.Monitor.ProbeTimeout = 2 * time.Second
	}
	if cfg.Monitor.ProbeRetries < 0 {
		cfg.Monitor.ProbeRetries = 0
	}
	if cfg.Monitor.ProbeQueueSize <= 0 {
		cfg.Monitor.ProbeQueueSize = 32
	}
	if cfg.MediaMTX.BaseURL == "" {
		cfg.MediaMTX.BaseURL = "http://127.0.0.1:9997"
	}
	if cfg.MediaMTX.RTSPBase == "" {
		cfg.MediaMTX.RTSPBase = "rtsp://127.0.0.1:8554"
	}
	if cfg.MediaMTX.HLSBase == "" {
		cfg.MediaMTX.HLSBase = "http://127.0.0.1:8888"
	}
	if cfg.MediaMTX.Timeout <= 0 {
		cfg.MediaMTX.Timeout = 5 * time.Second
	}
	if cfg.MediaMTX.HealthInterval <= 0 {
		cfg.MediaMTX.HealthInterval = 30 * time.Second
	}
	if cfg.Storage.RecordingsDir == "" {
		cfg.Storage.RecordingsDir = "/var/lib/camgate/recordings"
	}
	if cfg.Storage.SnapshotsDir == "" {
		cfg.Storage.SnapshotsDir = "/var/lib/camgate/snapshots"
	}
	if cfg.Retention.PolicyType == "" {
		cfg.Retention.PolicyType = "age"
	}
	if cfg.Retention.MaxAgeDays <= 0 {
		cfg.Retention.MaxAgeDays = 7
	}
	if cfg.Retention.MaxSizeBytes <= 0 {
		cfg.Retention.MaxSizeBytes = 10 << 30
	}
	if cfg.Retention.CheckInterval <= 0 {
		cfg.Retention.CheckInterval = 10 * time.Minute
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		cfg.Gateway.RequestTimeout = 10 * time.Second
	}
	if cfg.Gateway.RateLimit <= 0 {
		cfg.Gateway.RateLimit = 50
	}
	if cfg.Gateway.RateBurst <= 0 {
		cfg.Gateway.RateBurst = 100
	}
	if cfg.Gateway.WriteBufferSize <= 0 {
		cfg.Gateway.WriteBufferSize = 4096
	}
	if cfg.Gateway.SendQueueSize <= 0 {
		cfg.Gateway.SendQueueSize = 256
	}
}

// Validate checks fields that have no safe default.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("config: auth.secret (CAMGATE_AUTH_SECRET) is required")
	}
	if len(c.Auth.Secret) < 16 {
		return errors.New("config: auth.secret must be at least 16 bytes")
	}
	switch c.Retention.PolicyType {
	case "age", "size", "manual":
	default:
		return fmt.Errorf("config: unknown retention policy type %q", c.Retention.PolicyType)
	}
	return nil
}
