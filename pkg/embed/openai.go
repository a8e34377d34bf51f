package embed

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/seekerlab/seeker/pkg/config"
)

// openAIEmbedder speaks the OpenAI embeddings wire format, which most
// hosted providers are compatible with.
type openAIEmbedder struct {
	api       openai.Client
	model     string
	dimension int
}

func newOpenAIEmbedder(cfg *config.EmbeddingsConfig, apiKey string) *openAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAIEmbedder{
		api:       openai.NewClient(opts...),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding with %s: empty response", e.model)
	}

	raw := resp.Data[0].Embedding
	if err := checkDimension(len(raw), e.dimension); err != nil {
		return nil, err
	}

	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (e *openAIEmbedder) Dimension() int {
	return e.dimension
}
