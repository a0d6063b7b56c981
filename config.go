package ecosync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the application configuration, loaded from
// ~/.ecosync/config.toml and overridable through ECOSYNC_* env vars.
type Config struct {
	BaseURL           string  `toml:"base_url" env:"ECOSYNC_BASE_URL"`
	Token             string  `toml:"token" env:"ECOSYNC_TOKEN"`
	OwnerID           string  `toml:"owner_id" env:"ECOSYNC_OWNER"`
	StorePath         string  `toml:"store_path" env:"ECOSYNC_STORE_PATH"`
	FlushIntervalSecs int     `toml:"flush_interval_secs" env:"ECOSYNC_FLUSH_INTERVAL_SECS"`
	ActivityLimit     int     `toml:"activity_limit" env:"ECOSYNC_ACTIVITY_LIMIT"`
	AvgPickupSpeedKmh float64 `toml:"avg_pickup_speed_kmh" env:"ECOSYNC_AVG_SPEED_KMH"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.StorePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StorePath = filepath.Join(home, ".ecosync", "store")
		}
	}
	if c.FlushIntervalSecs <= 0 {
		c.FlushIntervalSecs = 15
	}
	if c.ActivityLimit <= 0 {
		c.ActivityLimit = 50
	}
	if c.AvgPickupSpeedKmh <= 0 {
		c.AvgPickupSpeedKmh = DefaultAvgSpeedKmh
	}
}

// FlushInterval returns the queue-drain interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSecs) * time.Second
}

// DefaultConfigPath returns the path to ~/.ecosync/config.toml, creating the
// directory if needed.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ecosync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// LoadConfig reads the config file (a missing file yields defaults), then
// applies env-var overrides, then fills remaining defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("cannot read config: %w", err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}

	cfg.defaults()
	return &cfg, nil
}

// SaveConfig writes the config back to disk as TOML.
func SaveConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
