// Package config loads the client configuration from YAML and fills in
// defaults. The zero value of every knob is "use the default", so a minimal
// config file only needs the server section.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Sync    SyncConfig        `yaml:"sync"`
	Cache   CacheConfig       `yaml:"cache"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Logging zeroconfig.Config `yaml:"logging"`
}

type ServerConfig struct {
	// URL is the base server address, e.g. https://messenger.corp.example.
	// The websocket endpoint and backfill API are derived from it.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// ReconnectBaseDelay is the first retry delay after a dropped
	// connection. Each attempt multiplies it until ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
}

type SyncConfig struct {
	// PageSize is how many messages one backfill request asks for.
	PageSize int `yaml:"page_size"`
	// ResyncPageSize bounds the catch-up fetch after a reconnect.
	ResyncPageSize int `yaml:"resync_page_size"`
	// DecryptBudget is how many messages one decrypt slice may process.
	DecryptBudget int `yaml:"decrypt_budget"`
}

type CacheConfig struct {
	// Path of the SQLite cache database. Empty disables offline caching.
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.PostProcess()
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}
	return &cfg, nil
}

func (cfg *Config) PostProcess() {
	if cfg.Server.ReconnectBaseDelay <= 0 {
		cfg.Server.ReconnectBaseDelay = time.Second
	}
	if cfg.Server.ReconnectMaxDelay <= 0 {
		cfg.Server.ReconnectMaxDelay = 5 * time.Second
	}
	if cfg.Server.ReconnectAttempts <= 0 {
		cfg.Server.ReconnectAttempts = 10
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = 30
	}
	if cfg.Sync.ResyncPageSize <= 0 {
		cfg.Sync.ResyncPageSize = 50
	}
	if cfg.Sync.DecryptBudget <= 0 {
		cfg.Sync.DecryptBudget = 6
	}
	if cfg.Cache.RetentionDays <= 0 {
		cfg.Cache.RetentionDays = 7
	}
	if len(cfg.Logging.Writers) == 0 {
		cfg.Logging.Writers = []zeroconfig.WriterConfig{{Type: zeroconfig.WriterTypeStderr}}
	}
}
