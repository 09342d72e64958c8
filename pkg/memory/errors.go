package memory

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable means the embedding provider failed; retryable next cycle.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrProviderTimeout means an embedding call exceeded its deadline; retryable next cycle.
	ErrProviderTimeout = errors.New("embedding provider timeout")
	// ErrCorruptIndex means a snapshot or checkpoint could not be decoded.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrLogRead means the message log could not be read.
	ErrLogRead = errors.New("message log read failed")
	// ErrSearchDegraded accompanies an empty search result when no context could be produced.
	ErrSearchDegraded = errors.New("search degraded")

	ErrEmbeddingUnavailable = errors.New("document has no embedding")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")
	ErrDuplicateDocument    = errors.New("document already indexed")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrNotInitialized       = errors.New("index manager not initialized")
	ErrStopped              = errors.New("index manager stopped")
)

// classifyProviderError maps a provider failure onto the provider sentinels
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}
