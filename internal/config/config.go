package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the asktech configuration
type Config struct {
	// Data directory; relative paths below resolve against it
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Index     IndexConfig     `json:"index" mapstructure:"index"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DatabaseConfig locates the SQLite chat log
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider  string        `json:"provider" mapstructure:"provider"` // openai, hash
	Model     string        `json:"model" mapstructure:"model"`
	APIKey    string        `json:"api_key" mapstructure:"api_key"`
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	Dimension int           `json:"dimension" mapstructure:"dimension"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// IndexConfig controls the vector index and its refresh loop
type IndexConfig struct {
	Backend         string        `json:"backend" mapstructure:"backend"` // flat, sqlite-vec
	CheckpointPath  string        `json:"checkpoint_path" mapstructure:"checkpoint_path"`
	RefreshInterval time.Duration `json:"refresh_interval" mapstructure:"refresh_interval"`
	RefreshSchedule string        `json:"refresh_schedule" mapstructure:"refresh_schedule"` // cron expression; overrides the interval
	SkipBootstrap   bool          `json:"skip_bootstrap" mapstructure:"skip_bootstrap"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	FlushTimeout    time.Duration `json:"flush_timeout" mapstructure:"flush_timeout"`
	DefaultK        int           `json:"default_k" mapstructure:"default_k"`
	WatchLog        bool          `json:"watch_log" mapstructure:"watch_log"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay      time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// Addr returns the metrics listen address
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			Timeout:  10 * time.Second,
		},
		Index: IndexConfig{
			Backend:         "flat",
			RefreshInterval: 30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			FlushTimeout:    30 * time.Second,
			DefaultK:        3,
			WatchLog:        true,
			MaxRetries:      3,
			RetryDelay:      500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9464,
		},
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Embedding.APIKey != "" {
		masked.Embedding.APIKey = "********"
	}
	data, _ := json.MarshalIndent(masked.fileMap(), "", "  ")
	return string(data)
}

// fileMap renders the config as written to disk, durations as strings
func (c *Config) fileMap() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"logging":  c.Logging,
		"database": c.Database,
		"embedding": map[string]any{
			"provider":  c.Embedding.Provider,
			"model":     c.Embedding.Model,
			"api_key":   c.Embedding.APIKey,
			"base_url":  c.Embedding.BaseURL,
			"dimension": c.Embedding.Dimension,
			"timeout":   c.Embedding.Timeout.String(),
		},
		"index": map[string]any{
			"backend":          c.Index.Backend,
			"checkpoint_path":  c.Index.CheckpointPath,
			"refresh_interval": c.Index.RefreshInterval.String(),
			"refresh_schedule": c.Index.RefreshSchedule,
			"skip_bootstrap":   c.Index.SkipBootstrap,
			"shutdown_timeout": c.Index.ShutdownTimeout.String(),
			"flush_timeout":    c.Index.FlushTimeout.String(),
			"default_k":        c.Index.DefaultK,
			"watch_log":        c.Index.WatchLog,
			"max_retries":      c.Index.MaxRetries,
			"retry_delay":      c.Index.RetryDelay.String(),
		},
		"metrics": c.Metrics,
	}
}

// Validate checks if the configuration can run the index
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Index.CheckpointPath == "" {
		return fmt.Errorf("index.checkpoint_path is required")
	}

	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("no embedding credentials configured: set embedding.api_key or OPENAI_API_KEY")
		}
	case "hash":
	default:
		return fmt.Errorf("invalid embedding provider %s (must be: openai, hash)", c.Embedding.Provider)
	}
	if c.Embedding.Timeout <= 0 {
		return fmt.Errorf("embedding.timeout must be positive")
	}

	if c.Index.Backend != "flat" && c.Index.Backend != "sqlite-vec" {
		return fmt.Errorf("invalid index backend %s (must be: flat, sqlite-vec)", c.Index.Backend)
	}
	if c.Index.RefreshSchedule == "" && c.Index.RefreshInterval <= 0 {
		return fmt.Errorf("index.refresh_interval must be positive when no refresh_schedule is set")
	}
	if c.Index.ShutdownTimeout <= 0 || c.Index.FlushTimeout <= 0 {
		return fmt.Errorf("index shutdown and flush timeouts must be positive")
	}
	if c.Index.DefaultK <= 0 {
		return fmt.Errorf("index.default_k must be positive, got %d", c.Index.DefaultK)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}
