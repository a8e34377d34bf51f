// Package embed produces dense vectors for reports and queries. Two
// providers share one interface: an OpenAI-compatible embeddings API
// and a local Ollama daemon.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seekerlab/seeker/pkg/config"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed returns the vector for text. The slice length always equals
	// Dimension; a provider returning a different size is an error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the configured vector size.
	Dimension() int
}

// New builds the embedder selected by cfg.Provider.
func New(cfg *config.EmbeddingsConfig, apiKey string) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAIEmbedder(cfg, apiKey), nil
	case "ollama":
		return newOllamaEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

// Probe verifies the provider is reachable and returns vectors of the
// configured dimension. Startup calls this with a few retries; a
// failure puts retrieval into lexical-only degraded mode rather than
// blocking boot.
func Probe(ctx context.Context, e Embedder) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	return backoff.Retry(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if _, err := e.Embed(probeCtx, "probe"); err != nil {
			var dimErr *DimensionError
			if errors.As(err, &dimErr) {
				// A wrong model is configured; retrying won't change that.
				return backoff.Permanent(err)
			}
			slog.Warn("Embeddings probe failed, retrying", "error", err)
			return err
		}
		return nil
	}, policy)
}

// DimensionError means the provider returned a vector of the wrong
// size, almost always a model/dimension configuration mismatch.
type DimensionError struct {
	Got, Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding has %d dimensions, expected %d", e.Got, e.Want)
}

func checkDimension(got, want int) error {
	if got != want {
		return &DimensionError{Got: got, Want: want}
	}
	return nil
}
