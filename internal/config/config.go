package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/regcache/internal/safety"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Sync     SyncConfig     `yaml:"sync"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
}

// RegistryConfig describes the upstream registry whose contents are cached.
type RegistryConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PageSize       int           `yaml:"page_size"`
	Concurrency    int           `yaml:"concurrency"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxRetries     int           `yaml:"max_retries"`
}

// SyncConfig holds scheduler settings. DefaultInterval seeds the persisted
// sync_interval setting; once stored, the setting wins.
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Tick            time.Duration `yaml:"tick"`
	DefaultInterval time.Duration `yaml:"default_interval"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
			DBPath: "/var/lib/regcache/cache.db",
		},
		Registry: RegistryConfig{
			RequestTimeout: 30 * time.Second,
			PageSize:       100,
			Concurrency:    8,
			RateLimit:      20,
			RateBurst:      10,
			MaxRetries:     3,
		},
		Sync: SyncConfig{
			Enabled:         true,
			Tick:            time.Minute,
			DefaultInterval: 5 * time.Minute,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges. An empty registry URL is allowed so that
// read-only commands work without one; RequireRegistry enforces it.
func (c *Config) Validate() error {
	if c.Registry.URL != "" {
		if _, err := safety.ValidateHTTPURL(c.Registry.URL); err != nil {
			return fmt.Errorf("registry.url: %w", err)
		}
	}
	if c.Registry.PageSize < 0 {
		return fmt.Errorf("registry.page_size must not be negative")
	}
	if c.Registry.Concurrency < 0 {
		return fmt.Errorf("registry.concurrency must not be negative")
	}
	if c.Registry.RateLimit < 0 {
		return fmt.Errorf("registry.rate_limit must not be negative")
	}
	if c.Registry.MaxRetries < 0 {
		return fmt.Errorf("registry.max_retries must not be negative")
	}
	if c.Sync.Tick < 0 || c.Sync.DefaultInterval < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	return nil
}

// RequireRegistry returns an error when no registry URL is configured.
func (c *Config) RequireRegistry() error {
	if c.Registry.URL == "" {
		return fmt.Errorf("registry.url is not configured")
	}
	return nil
}

// InsecureCredentials reports whether basic auth credentials would be sent
// in clear text to a non-loopback host.
func (c *Config) InsecureCredentials() bool {
	if c.Registry.Username == "" || c.Registry.URL == "" {
		return false
	}
	u, err := safety.ValidateHTTPURL(c.Registry.URL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" && !safety.IsLoopbackHost(u)
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"regcache.yaml",
		"/etc/regcache/regcache.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "regcache", "regcache.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}
