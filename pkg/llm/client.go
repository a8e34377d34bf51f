// Package llm wraps the OpenRouter chat completions API with circuit
// breaking and primary→fallback model failover.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/models"
)

// CompletionRequest describes one chat completion call. Model defaults
// to the configured primary; System may be empty.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int64
	Seed        *int64
}

// CompletionResponse is the aggregated result of a completion,
// streaming or not.
type CompletionResponse struct {
	Content      string
	Model        string
	Usage        models.UsageTotals
	FallbackUsed bool
}

// DeltaFunc receives streamed content chunks. Returning an error aborts
// the stream.
type DeltaFunc func(delta string) error

// Client is a chat completion client with one circuit breaker per
// model, so a failing primary trips without poisoning the fallback.
type Client struct {
	api openai.Client
	cfg *config.ProviderConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a Client from provider configuration.
func NewClient(cfg *config.ProviderConfig) *Client {
	return &Client{
		api: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
		),
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns (creating on first use) the circuit breaker for a model.
func (c *Client) breaker(model string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[model]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm:" + model,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[model] = cb
	return cb
}

// Complete performs a non-streaming completion, failing over to the
// fallback model once when the primary fails transiently.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	resp, err := c.completeOnce(ctx, model, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || !IsTransient(err) || c.cfg.FallbackModel == "" || model == c.cfg.FallbackModel {
		return nil, err
	}

	slog.Warn("Primary model failed, retrying with fallback",
		"model", model, "fallback", c.cfg.FallbackModel, "error", err)

	resp, fbErr := c.completeOnce(ctx, c.cfg.FallbackModel, req)
	if fbErr != nil {
		// The primary's error is the more useful one to surface.
		return nil, fmt.Errorf("primary %s: %w (fallback %s also failed: %v)",
			model, err, c.cfg.FallbackModel, fbErr)
	}
	resp.FallbackUsed = true
	return resp, nil
}

func (c *Client) completeOnce(ctx context.Context, model string, req CompletionRequest) (*CompletionResponse, error) {
	result, err := c.breaker(model).Execute(func() (any, error) {
		return c.api.Chat.Completions.New(ctx, c.buildParams(model, req))
	})
	if err != nil {
		return nil, fmt.Errorf("completion with %s: %w", model, err)
	}

	completion := result.(*openai.ChatCompletion)
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("completion with %s: empty choices", model)
	}

	return &CompletionResponse{
		Content: completion.Choices[0].Message.Content,
		Model:   model,
		Usage: models.UsageTotals{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}

// Stream performs a streaming completion, invoking onDelta for each
// content chunk. Failover to the fallback model happens only when the
// stream fails before the first delta — a half-delivered answer is not
// silently restarted on a different model.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, onDelta DeltaFunc) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	resp, delivered, err := c.streamOnce(ctx, model, req, onDelta)
	if err == nil {
		return resp, nil
	}
	if delivered || ctx.Err() != nil || !IsTransient(err) || c.cfg.FallbackModel == "" || model == c.cfg.FallbackModel {
		return nil, err
	}

	slog.Warn("Primary model stream failed before first token, retrying with fallback",
		"model", model, "fallback", c.cfg.FallbackModel, "error", err)

	resp, _, fbErr := c.streamOnce(ctx, c.cfg.FallbackModel, req, onDelta)
	if fbErr != nil {
		return nil, fmt.Errorf("primary %s: %w (fallback %s also failed: %v)",
			model, err, c.cfg.FallbackModel, fbErr)
	}
	resp.FallbackUsed = true
	return resp, nil
}

func (c *Client) streamOnce(ctx context.Context, model string, req CompletionRequest, onDelta DeltaFunc) (*CompletionResponse, bool, error) {
	cb := c.breaker(model)
	if cb.State() == gobreaker.StateOpen {
		return nil, false, fmt.Errorf("stream with %s: %w", model, gobreaker.ErrOpenState)
	}

	params := c.buildParams(model, req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var (
		content   []byte
		usage     models.UsageTotals
		delivered bool
	)

	for stream.Next() {
		chunk := stream.Current()

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				delivered = true
				content = append(content, delta...)
				if err := onDelta(delta); err != nil {
					return nil, delivered, err
				}
			}
		}

		// The final chunk carries usage when IncludeUsage is set.
		if chunk.Usage.TotalTokens > 0 {
			usage = models.UsageTotals{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}

	if err := stream.Err(); err != nil {
		c.recordStreamOutcome(cb, false)
		return nil, delivered, fmt.Errorf("stream with %s: %w", model, err)
	}
	if !delivered {
		c.recordStreamOutcome(cb, false)
		return nil, false, fmt.Errorf("stream with %s: no content received", model)
	}

	c.recordStreamOutcome(cb, true)
	return &CompletionResponse{
		Content: string(content),
		Model:   model,
		Usage:   usage,
	}, true, nil
}

// recordStreamOutcome feeds a stream result into the breaker. Streams
// bypass Execute because the call spans many reads; the two-step
// bookkeeping keeps the failure counting consistent with Complete.
func (c *Client) recordStreamOutcome(cb *gobreaker.CircuitBreaker, success bool) {
	_, _ = cb.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, errors.New("stream failed")
	})
}

func (c *Client) buildParams(model string, req CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Seed != nil {
		params.Seed = openai.Int(*req.Seed)
	}
	return params
}
