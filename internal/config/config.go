// Package config loads the server configuration from config.yaml,
// creating it with defaults (and a generated token secret) on first
// start.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// DataDir holds persistent state: databases and the config itself.
	DataDir string `yaml:"data_dir"`

	// LogLevel is debug, info, warn or error. Reloaded live on config
	// file changes.
	LogLevel string `yaml:"log_level"`

	// JWTSecret signs bearer tokens. Auto-generated if empty on first
	// load.
	JWTSecret []byte `yaml:"jwt_secret"`

	// RootPasswordHash is the bcrypt hash of the root password. Empty
	// disables basic auth and the login endpoint for root.
	RootPasswordHash string `yaml:"root_password_hash"`

	// Databases to mount at the application root.
	Databases []DatabaseConfig `yaml:"databases"`

	// Cache configures the shared object cache.
	Cache CacheConfig `yaml:"cache"`

	// CORS configures cross-origin handling; nil-equivalent zero value
	// disables it.
	CORS CORSConfig `yaml:"cors"`

	// RateLimits are per-tier requests per minute; 0 keeps defaults.
	RateLimits RateLimits `yaml:"rate_limits"`
}

// DatabaseConfig mounts one database.
type DatabaseConfig struct {
	// Name is the path segment the database answers to.
	Name string `yaml:"name"`
	// Driver is "badger" or "memory".
	Driver string `yaml:"driver"`
	// Path overrides the storage directory; defaults to
	// data_dir/<name>.
	Path string `yaml:"path"`
}

// CacheConfig configures the object cache layers.
type CacheConfig struct {
	// Enabled toggles caching entirely.
	Enabled bool `yaml:"enabled"`
	// MaxEntries bounds the in-process layer.
	MaxEntries int `yaml:"max_entries"`
	// RedisAddr enables the shared layer when set, host:port.
	RedisAddr string `yaml:"redis_addr"`
	// RedisPassword for the shared layer.
	RedisPassword string `yaml:"redis_password"`
	// RedisDB selects the redis database index.
	RedisDB int `yaml:"redis_db"`
	// Prefix namespaces cache keys in the shared layer.
	Prefix string `yaml:"prefix"`
}

// CORSConfig mirrors the policy applied by the router.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// RateLimits are requests per minute per tier. 0 means default.
type RateLimits struct {
	LoginPerMin      int `yaml:"login_per_min"`
	WritePerMin      int `yaml:"write_per_min"`
	ReadAuthPerMin   int `yaml:"read_auth_per_min"`
	ReadUnauthPerMin int `yaml:"read_unauth_per_min"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("jwt_secret must be at least 32 bytes")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	seen := map[string]bool{}
	for _, d := range c.Databases {
		if d.Name == "" {
			return errors.New("database name is required")
		}
		if seen[d.Name] {
			return fmt.Errorf("database %q mounted twice", d.Name)
		}
		seen[d.Name] = true
		switch d.Driver {
		case "badger", "memory":
		default:
			return fmt.Errorf("database %q: unknown driver %q", d.Name, d.Driver)
		}
	}
	if c.RateLimits.LoginPerMin < 0 || c.RateLimits.WritePerMin < 0 ||
		c.RateLimits.ReadAuthPerMin < 0 || c.RateLimits.ReadUnauthPerMin < 0 {
		return errors.New("rate limits must be non-negative")
	}
	return nil
}

// Default returns the configuration a fresh install starts from.
func Default(dataDir string) *Config {
	return &Config{
		Addr:    ":8080",
		DataDir: dataDir,
		LogLevel: "info",
		Databases: []DatabaseConfig{
			{Name: "db", Driver: "badger"},
		},
		Cache: CacheConfig{Enabled: true, MaxEntries: 10000},
		CORS: CORSConfig{
			Enabled:          true,
			AllowOrigins:     []string{"*"},
			AllowCredentials: true,
			MaxAge:           3660,
		},
	}
}

// Path returns the config file location inside dataDir.
func Path(dataDir string) string { return filepath.Join(dataDir, "config.yaml") }

// Load reads dataDir/config.yaml, creating it with defaults when
// missing. A missing token secret is generated and written back.
func Load(dataDir string) (*Config, error) {
	path := Path(dataDir)
	cfg := Default(dataDir)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(raw, cfg); uerr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, uerr)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	modified := false
	if len(cfg.JWTSecret) == 0 {
		cfg.JWTSecret = make([]byte, 32)
		if _, rerr := rand.Read(cfg.JWTSecret); rerr != nil {
			return nil, fmt.Errorf("generate token secret: %w", rerr)
		}
		modified = true
	}
	if modified || os.IsNotExist(err) {
		if serr := cfg.Save(dataDir); serr != nil {
			return nil, serr
		}
	}

	if verr := cfg.Validate(); verr != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, verr)
	}
	return cfg, nil
}

// Save writes the configuration back to dataDir/config.yaml.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(Path(dataDir), raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DatabasePath resolves the storage directory for d.
func (c *Config) DatabasePath(d DatabaseConfig) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(c.DataDir, d.Name)
}
