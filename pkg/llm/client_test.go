package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
)

// newMockProvider serves the chat completions endpoint, delegating each
// request to fn keyed by the requested model.
func newMockProvider(t *testing.T, fn func(model string, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fn(req.Model, w)
	}))
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"id": "cmpl-1",
		"object": "chat.completion",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, content)
}

func writeStream(w http.ResponseWriter, deltas ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, d := range deltas {
		fmt.Fprintf(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	fmt.Fprint(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func newTestClient(baseURL string) *Client {
	cfg := config.DefaultProviderConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = baseURL
	cfg.Model = "primary-model"
	cfg.FallbackModel = "fallback-model"
	return NewClient(cfg)
}

func TestClient_Complete(t *testing.T) {
	srv := newMockProvider(t, func(model string, w http.ResponseWriter) {
		writeCompletion(w, "hello from "+model)
	})
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "hello from primary-model", resp.Content)
	assert.Equal(t, "primary-model", resp.Model)
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)
}

func TestClient_FallbackOnServerError(t *testing.T) {
	var primaryCalls atomic.Int32
	srv := newMockProvider(t, func(model string, w http.ResponseWriter) {
		if model == "primary-model" {
			primaryCalls.Add(1)
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "rescued")
	})
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "rescued", resp.Content)
	assert.Equal(t, "fallback-model", resp.Model)
	assert.True(t, resp.FallbackUsed)
	assert.Positive(t, primaryCalls.Load())
}

func TestClient_NoFallbackOnClientError(t *testing.T) {
	var fallbackCalls atomic.Int32
	srv := newMockProvider(t, func(model string, w http.ResponseWriter) {
		if model == "fallback-model" {
			fallbackCalls.Add(1)
		}
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	})
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Zero(t, fallbackCalls.Load(), "client errors must not fail over")
}

func TestClient_Stream(t *testing.T) {
	srv := newMockProvider(t, func(model string, w http.ResponseWriter) {
		writeStream(w, "Hel", "lo ", "world")
	})
	defer srv.Close()

	client := newTestClient(srv.URL)

	var deltas []string
	resp, err := client.Stream(context.Background(), CompletionRequest{Prompt: "hi"},
		func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo ", "world"}, deltas)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)
}

func TestClient_StreamFallbackBeforeFirstToken(t *testing.T) {
	srv := newMockProvider(t, func(model string, w http.ResponseWriter) {
		if model == "primary-model" {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusBadGateway)
			return
		}
		writeStream(w, "fallback answer")
	})
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.Stream(context.Background(), CompletionRequest{Prompt: "hi"},
		func(string) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, "fallback answer", resp.Content)
	assert.True(t, resp.FallbackUsed)
}

func TestClient_StreamConsumerAbort(t *testing.T) {
	srv := newMockProvider(t, func(model string, w http.ResponseWriter) {
		writeStream(w, "a", "b", "c")
	})
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Stream(context.Background(), CompletionRequest{Prompt: "hi"},
		func(string) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(assert.AnError))
}
