package daemon

import (
	"fmt"

	"github.com/harun/asktech/internal/config"
	"github.com/harun/asktech/pkg/memory"
)

// NewProvider builds the embedding provider named by the configuration
func NewProvider(cfg config.EmbeddingConfig) (memory.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "", "openai":
		provider, err := memory.NewOpenAIProvider(memory.OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			Dimension: cfg.Dimension,
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "hash":
		return memory.NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
