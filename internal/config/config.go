// Package config handles loading and validating the gateway.yaml
// configuration. The gateway runs with sensible defaults; the file and
// a handful of environment variables override them.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway.yaml configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// BaseURL is the external URL prefix of the v1 API, as seen by
	// clients behind the proxy. No trailing slash.
	BaseURL string `yaml:"baseUrl"`

	// DatabaseURL is the Postgres connection string. Usually supplied
	// via the DATABASE_URL environment variable instead.
	DatabaseURL string `yaml:"databaseUrl"`

	// SchemaSource is where dataset documents are loaded from: a
	// directory path, an http(s) URL, or an s3:// bucket.
	SchemaSource string `yaml:"schemaSource"`

	// ProfileDir holds the authorization profile documents. Empty
	// disables profile-based access widening.
	ProfileDir string `yaml:"profileDir"`

	// ReloadSchedule is a cron expression for periodic schema and
	// profile reloads. Empty disables reloading.
	ReloadSchedule string `yaml:"reloadSchedule"`

	CORSOrigins []string `yaml:"corsOrigins"`
}

// DefaultConfig returns the defaults for a local development setup.
func DefaultConfig() *Config {
	return &Config{
		Listen:         ":8080",
		BaseURL:        "http://localhost:8080/v1",
		SchemaSource:   "schemas",
		ReloadSchedule: "*/10 * * * *",
	}
}

// Load parses a gateway.yaml file, applies environment overrides and
// validates the result. An empty path yields the defaults (plus
// overrides).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: GATEWAY_CONFIG env var > ./gateway.yaml > "" (defaults).
func ResolvePath() string {
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("gateway.yaml"); err == nil {
		return "gateway.yaml"
	}
	return ""
}

// applyEnv lets the deployment environment override the file. These are
// the knobs that differ per environment; everything else lives in the
// file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SCHEMA_SOURCE"); v != "" {
		c.SchemaSource = v
	}
	if v := os.Getenv("PROFILE_DIR"); v != "" {
		c.ProfileDir = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.SchemaSource == "" {
		return fmt.Errorf("schemaSource is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("baseUrl %q is not an absolute URL", c.BaseURL)
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	return nil
}
