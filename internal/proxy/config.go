package proxy

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mohammadhprp/offgrid/internal/connection"
	"github.com/mohammadhprp/offgrid/internal/fetch"
	"github.com/mohammadhprp/offgrid/internal/manifest"
	"github.com/mohammadhprp/offgrid/internal/update"
	"gopkg.in/yaml.v3"
)

// Config is the offline proxy configuration file.
type Config struct {
	// Listen is the local address browsers connect to.
	Listen string `yaml:"listen" validate:"required"`

	// Origin is the application server being fronted.
	Origin string `yaml:"origin" validate:"required,url"`

	// Prefix names cache generations as <prefix>-<version>.
	Prefix string `yaml:"prefix" validate:"excludesall=/ "`

	// CacheDir holds the LevelDB cache. Empty keeps the cache in memory.
	CacheDir string `yaml:"cache_dir"`

	// NetworkTimeout bounds each origin round trip made for GET requests.
	NetworkTimeout time.Duration `yaml:"network_timeout" validate:"gte=0"`

	// MaxBodyBytes is the largest response body kept in the cache. Larger
	// responses are served uncached; a larger precache entry fails the install.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=0"`

	// PrecacheConcurrency limits parallel fetches while installing a generation.
	PrecacheConcurrency int `yaml:"precache_concurrency" validate:"gte=1,lte=64"`

	Update     UpdateConfig     `yaml:"update"`
	Connection ConnectionConfig `yaml:"connection"`
}

// UpdateConfig tunes update detection and activation.
type UpdateConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval" validate:"gte=0"`
	ReloadFallback time.Duration `yaml:"reload_fallback" validate:"gte=0"`
}

// ConnectionConfig tunes connectivity health checks. An empty HealthEndpoint
// disables health checks.
type ConnectionConfig struct {
	HealthEndpoint string        `yaml:"health_endpoint" validate:"omitempty,url"`
	CheckTimeout   time.Duration `yaml:"check_timeout" validate:"gte=0"`
	CheckInterval  time.Duration `yaml:"check_interval" validate:"gte=0"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.Prefix == "" {
		c.Prefix = manifest.DefaultPrefix
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = fetch.DefaultMaxBodyBytes
	}
	if c.PrecacheConcurrency == 0 {
		c.PrecacheConcurrency = 4
	}
	if c.Update.CheckInterval == 0 {
		c.Update.CheckInterval = update.DefaultCheckInterval
	}
	if c.Update.ReloadFallback == 0 {
		c.Update.ReloadFallback = update.DefaultReloadFallback
	}
	if c.Connection.CheckTimeout == 0 {
		c.Connection.CheckTimeout = connection.DefaultCheckTimeout
	}
	if c.Connection.CheckInterval == 0 {
		c.Connection.CheckInterval = connection.DefaultCheckInterval
	}
}

// ParseConfig decodes YAML, applies defaults and validates.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads the configuration file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(b)
}
