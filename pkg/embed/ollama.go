package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seekerlab/seeker/pkg/config"
)

// ollamaEmbedder talks to a local Ollama daemon's /api/embeddings
// endpoint.
type ollamaEmbedder struct {
	client    *http.Client
	baseURL   string
	model     string
	dimension int
}

func newOllamaEmbedder(cfg *config.EmbeddingsConfig) *ollamaEmbedder {
	return &ollamaEmbedder{
		client:    &http.Client{Timeout: 30 * time.Second},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding with %s: status %d: %s",
			e.model, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if err := checkDimension(len(parsed.Embedding), e.dimension); err != nil {
		return nil, err
	}
	return parsed.Embedding, nil
}

func (e *ollamaEmbedder) Dimension() int {
	return e.dimension
}
