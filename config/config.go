// Package config provides configuration loading for the planforge server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Jobs     JobsConfig     `yaml:"jobs"`
	LLM      LLMConfig      `yaml:"llm"`
	Export   ExportConfig   `yaml:"export"`
	Admin    AdminConfig    `yaml:"admin"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures the SQL store.
type DatabaseConfig struct {
	// DSN is the Postgres connection string. Empty selects the in-memory
	// store.
	DSN string `yaml:"dsn"`
}

// BrokerConfig configures the job queue.
type BrokerConfig struct {
	// URL is the NATS server URL. Empty selects the in-process executor.
	URL string `yaml:"url"`
}

// JobsConfig configures the worker pool.
type JobsConfig struct {
	// Workers is the pool size.
	Workers int `yaml:"workers"`
	// SoftLimit logs a warning when a job runs past it.
	SoftLimit time.Duration `yaml:"soft_limit"`
	// HardLimit kills the job and marks it timed out.
	HardLimit time.Duration `yaml:"hard_limit"`
}

// LLMConfig configures the default provider. Per-project overrides live in
// the store.
type LLMConfig struct {
	// Provider is the default backend ("anthropic", "openai", "ollama").
	Provider string `yaml:"provider"`
	// Model overrides the provider's standard-tier default.
	Model string `yaml:"model"`
}

// ExportConfig configures spreadsheet emission.
type ExportConfig struct {
	// ArtifactsDir is where workbooks are written. Empty uses a temp dir.
	ArtifactsDir string `yaml:"artifacts_dir"`
}

// AdminConfig gates the prompt-management surface. Both fields empty
// disables it.
type AdminConfig struct {
	ID       string `yaml:"id"`
	Password string `yaml:"password"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Jobs: JobsConfig{
			Workers:   2,
			SoftLimit: 4 * time.Minute,
			HardLimit: 8 * time.Minute,
		},
		LLM: LLMConfig{Provider: "anthropic"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.Jobs.HardLimit < c.Jobs.SoftLimit {
		return fmt.Errorf("jobs.hard_limit must not be below jobs.soft_limit")
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// Load resolves the effective configuration: defaults, then the optional
// YAML file, then environment variables.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides configuration from environment variables. Absent
// connection strings keep the in-memory fallbacks.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PLANFORGE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("PLANFORGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Jobs.Workers = n
		}
	}
	if v := os.Getenv("PLANFORGE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("PLANFORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("PLANFORGE_ARTIFACTS_DIR"); v != "" {
		c.Export.ArtifactsDir = v
	}
	if v := os.Getenv("PLANFORGE_ADMIN_ID"); v != "" {
		c.Admin.ID = v
	}
	if v := os.Getenv("PLANFORGE_ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
}
