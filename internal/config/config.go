// Package config loads kiosk server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server configuration.
type Config struct {
	Host           string        `env:"VR_SERVER_HOST" envDefault:"0.0.0.0"`
	Port           int           `env:"VR_SERVER_PORT" envDefault:"8081"`
	MaxConnections int           `env:"VR_MAX_CONNECTIONS" envDefault:"10"`
	AllowedIPs     []string      `env:"VR_ALLOWED_IPS" envSeparator:","`
	AllowedOrigins []string      `env:"VR_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	StatusInterval time.Duration `env:"VR_STATUS_INTERVAL" envDefault:"5s"`

	DataDir      string `env:"VR_DATA_DIR" envDefault:"~/.vrkiosk"`
	GamesConfig  string `env:"VR_GAMES_CONFIG" envDefault:"games.json"`
	WatchCatalog bool   `env:"VR_WATCH_CATALOG" envDefault:"true"`
	StorageKey   string `env:"VR_STORAGE_KEY"`
	LogFile      string `env:"VR_LOG_FILE"`

	AnalyticsURL string `env:"VR_ANALYTICS_URL"`
	AnalyticsKey string `env:"VR_ANALYTICS_KEY"`
	KioskID      string `env:"VR_KIOSK_ID"`

	CPUAlertPercent    float64 `env:"VR_CPU_ALERT_PERCENT" envDefault:"90"`
	MemoryAlertPercent float64 `env:"VR_MEMORY_ALERT_PERCENT" envDefault:"90"`
	DiskAlertMB        float64 `env:"VR_DISK_ALERT_MB" envDefault:"1024"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads an optional .env file and then the environment.
// Variables already set in the environment win over the file.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("VR_SERVER_PORT out of range: %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("VR_MAX_CONNECTIONS must be at least 1, got %d", c.MaxConnections)
	}
	if c.StatusInterval < 100*time.Millisecond {
		return fmt.Errorf("VR_STATUS_INTERVAL too short: %s", c.StatusInterval)
	}
	if c.DataDir == "" {
		return errors.New("VR_DATA_DIR must not be empty")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GamesConfigPath resolves the catalog path; relative paths are taken from the data dir.
func (c *Config) GamesConfigPath(dataDir string) string {
	if filepath.IsAbs(c.GamesConfig) {
		return c.GamesConfig
	}
	return filepath.Join(dataDir, c.GamesConfig)
}

// AllowAllOrigins reports whether CORS is unrestricted.
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return len(c.AllowedOrigins) == 0
}
