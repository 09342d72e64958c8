package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/harun/asktech/pkg/memory"
)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an embedding API key. Keys for NVIDIA NIM endpoints
// start with nvapi-, OpenAI keys with sk-.
func (v *Validator) ValidateAPIKey(key string, baseURL string) error {
	if key == "" {
		return fmt.Errorf("embedding API key cannot be empty")
	}

	if strings.Contains(baseURL, "nvidia.com") {
		if !strings.HasPrefix(key, "nvapi-") {
			return fmt.Errorf("invalid NVIDIA API key format (should start with nvapi-)")
		}
		return nil
	}
	if baseURL == "" && !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateBaseURL validates an OpenAI-compatible endpoint URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL has no host")
	}
	return nil
}

// ValidateSchedule validates the refresh schedule expression
func (v *Validator) ValidateSchedule(expr string, interval time.Duration) error {
	_, err := memory.ParseSchedule(expr, interval)
	return err
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateDimension validates a requested embedding dimension
func (v *Validator) ValidateDimension(model string, dim int) error {
	if dim < 0 {
		return fmt.Errorf("embedding dimension must be >= 0, got %d", dim)
	}
	if dim > 0 && model == "text-embedding-ada-002" && dim != 1536 {
		return fmt.Errorf("model %s only produces 1536-dimensional vectors", model)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	return append(errs, v.ValidateSettings(cfg)...)
}

// ValidateSettings checks individual field values without requiring the
// config to be runnable (paths resolved, credentials present).
func (v *Validator) ValidateSettings(cfg *Config) []error {
	var errs []error

	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Embedding.APIKey, cfg.Embedding.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.ValidateBaseURL(cfg.Embedding.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateDimension(cfg.Embedding.Model, cfg.Embedding.Dimension); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateSchedule(cfg.Index.RefreshSchedule, cfg.Index.RefreshInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.Index.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("index.max_retries must be >= 0"))
	}
	if cfg.Index.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("index.retry_delay must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
