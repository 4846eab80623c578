package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Composer ComposerConfig `yaml:"composer"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	TLS             TLSConfig     `yaml:"tls"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ComposerConfig controls draft editing sessions
type ComposerConfig struct {
	// DebounceDelay is the quiet period before an autosave
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	// Timezone interprets schedule dates and times, IANA name
	Timezone    string        `yaml:"timezone"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

// Location resolves Timezone
func (c ComposerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// DeliveryConfig controls the broadcast delivery worker and the mail API
// servers it sends through
type DeliveryConfig struct {
	Enabled      bool           `yaml:"enabled"`
	Servers      []SendryServer `yaml:"servers"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	BatchSize    int            `yaml:"batch_size"`
	Concurrency  int            `yaml:"concurrency"`
	Failover     FailoverConfig `yaml:"failover"`
}

type SendryServer struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Env     string `yaml:"env"`
}

type FailoverConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxRetries int  `yaml:"max_retries"`
}

type WebhooksConfig struct {
	Enabled      bool          `yaml:"enabled"`
	QueuePath    string        `yaml:"queue_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Concurrency  int           `yaml:"concurrency"`
}

type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8088"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/unosend/app.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Composer.DebounceDelay == 0 {
		cfg.Composer.DebounceDelay = 2 * time.Second
	}
	if cfg.Composer.Timezone == "" {
		cfg.Composer.Timezone = "UTC"
	}
	if cfg.Composer.SessionTTL == 0 {
		cfg.Composer.SessionTTL = 30 * time.Minute
	}
	if cfg.Composer.SaveTimeout == 0 {
		cfg.Composer.SaveTimeout = 30 * time.Second
	}
	if cfg.Delivery.PollInterval == 0 {
		cfg.Delivery.PollInterval = 5 * time.Second
	}
	if cfg.Delivery.BatchSize == 0 {
		cfg.Delivery.BatchSize = 50
	}
	if cfg.Delivery.Concurrency == 0 {
		cfg.Delivery.Concurrency = 5
	}
	if cfg.Delivery.Failover.Enabled && cfg.Delivery.Failover.MaxRetries == 0 {
		cfg.Delivery.Failover.MaxRetries = 2
	}
	if cfg.Webhooks.QueuePath == "" {
		cfg.Webhooks.QueuePath = "/var/lib/unosend/webhooks.db"
	}
	if cfg.Webhooks.PollInterval == 0 {
		cfg.Webhooks.PollInterval = 5 * time.Second
	}
	if cfg.Webhooks.Timeout == 0 {
		cfg.Webhooks.Timeout = 10 * time.Second
	}
	if cfg.Webhooks.Concurrency == 0 {
		cfg.Webhooks.Concurrency = 4
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text")
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if cfg.Composer.DebounceDelay < 0 {
		return fmt.Errorf("composer.debounce_delay must not be negative")
	}
	if _, err := cfg.Composer.Location(); err != nil {
		return fmt.Errorf("composer.timezone: %w", err)
	}
	if cfg.Delivery.Enabled {
		if len(cfg.Delivery.Servers) == 0 {
			return fmt.Errorf("delivery.servers is required when delivery is enabled")
		}
		seen := make(map[string]bool)
		for i, s := range cfg.Delivery.Servers {
			if s.Name == "" || s.BaseURL == "" {
				return fmt.Errorf("delivery.servers[%d]: name and base_url are required", i)
			}
			if seen[s.Name] {
				return fmt.Errorf("delivery.servers[%d]: duplicate name %q", i, s.Name)
			}
			seen[s.Name] = true
		}
	}
	if cfg.Delivery.Concurrency < 1 || cfg.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery.concurrency and delivery.batch_size must be positive")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}
