package config

import (
	"bytes"
	"os"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if len(cfg.JWTSecret) != 32 {
		t.Errorf("secret length = %d, want 32", len(cfg.JWTSecret))
	}
	if len(cfg.Databases) != 1 || cfg.Databases[0].Driver != "badger" {
		t.Errorf("Databases = %+v", cfg.Databases)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	// A second load reads the same secret back.
	again, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.JWTSecret, cfg.JWTSecret) {
		t.Error("the generated secret must persist")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg.LogLevel = "debug"
	cfg.Databases = append(cfg.Databases, DatabaseConfig{Name: "other", Driver: "memory"})
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", got.LogLevel)
	}
	if len(got.Databases) != 2 || got.Databases[1].Name != "other" {
		t.Errorf("Databases = %+v", got.Databases)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("addr: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("malformed yaml must fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default(t.TempDir())
		c.JWTSecret = make([]byte, 32)
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing addr", func(c *Config) { c.Addr = "" }},
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"short secret", func(c *Config) { c.JWTSecret = []byte("short") }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"nameless database", func(c *Config) { c.Databases[0].Name = "" }},
		{"unknown driver", func(c *Config) { c.Databases[0].Driver = "sqlite" }},
		{"duplicate mount", func(c *Config) {
			c.Databases = append(c.Databases, DatabaseConfig{Name: "db", Driver: "memory"})
		}},
		{"negative rate limit", func(c *Config) { c.RateLimits.WritePerMin = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			if err := c.Validate(); err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestDatabasePath(t *testing.T) {
	c := Default("/data")
	if got := c.DatabasePath(DatabaseConfig{Name: "db"}); got != "/data/db" {
		t.Errorf("path = %q", got)
	}
	if got := c.DatabasePath(DatabaseConfig{Name: "db", Path: "/elsewhere"}); got != "/elsewhere" {
		t.Errorf("override = %q", got)
	}
}
