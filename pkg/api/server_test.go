package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/retrieval"
	"github.com/seekerlab/seeker/pkg/services"
	testdb "github.com/seekerlab/seeker/test/database"
)

const testAPIKey = "test-api-key"

type apiHarness struct {
	cfg    *config.Config
	db     *database.Client
	jobs   *services.JobService
	router *gin.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	client := testdb.NewTestClient(t)

	cfg := &config.Config{
		Server:      config.DefaultServerConfig(),
		Queue:       config.DefaultQueueConfig(),
		Idempotency: config.DefaultIdempotencyConfig(),
		Session:     config.DefaultSessionConfig(),
		Research:    config.DefaultResearchConfig(),
		Provider:    config.DefaultProviderConfig(),
		Embeddings:  config.DefaultEmbeddingsConfig(),
		Retrieval:   config.DefaultRetrievalConfig(),
		Auth:        config.DefaultAuthConfig(),
	}
	cfg.Server.Mode = config.ModeAll
	cfg.Auth.APIKey = testAPIKey

	jobs := services.NewJobService(client, cfg.Idempotency)
	eventsSvc := services.NewEventService(client)
	sessions := services.NewSessionService(client)
	graph := services.NewGraphService(client)

	dispatcher := mcp.NewDispatcher(mcp.Deps{
		Config:    cfg,
		Jobs:      jobs,
		Events:    eventsSvc,
		Sessions:  sessions,
		Reports:   services.NewReportService(client),
		Graph:     graph,
		Retriever: retrieval.NewRetriever(client, cfg.Retrieval, nil, graph),
		Indexer:   retrieval.NewIndexer(client),
		PublicURL: "http://localhost:3000",
	})

	server := NewServer(Deps{
		Config:     cfg,
		DB:         client,
		Dispatcher: dispatcher,
		Jobs:       jobs,
		Sessions:   sessions,
		Streamer:   events.NewStreamer(eventsSvc, jobs, 0),
		PublicURL:  "http://localhost:3000",
	})
	return &apiHarness{cfg: cfg, db: client, jobs: jobs, router: server.Router()}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthIsUnauthenticated(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "disabled", checks["embedder"].(map[string]any)["status"])
}

func TestDiscoveryEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/.well-known/mcp-server", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "seeker", body["name"])
	transports := body["transports"].(map[string]any)
	assert.Equal(t, "/mcp", transports["http"])
	assert.Equal(t, "/mcp/ws", transports["websocket"])

	rec = h.do(t, http.MethodGet, "/.well-known/oauth-protected-resource", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeJSON(t, rec)
	assert.Equal(t, "http://localhost:3000", body["resource"])
	assert.NotEmpty(t, body["scopes_supported"])
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/mcp", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"}, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer")
	assert.Contains(t, challenge, "resource_metadata")

	rec = h.do(t, http.MethodPost, "/mcp", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowNoAPIKey(t *testing.T) {
	h := newAPIHarness(t)
	h.cfg.Auth.AllowNoAPIKey = true

	rec := h.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMCPInitializeSetsSessionHeader(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-03-26"},
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	body := decodeJSON(t, rec)
	result := body["result"].(map[string]any)
	assert.Equal(t, sessionID, result["sessionId"])
}

func TestMCPMalformedBody(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{broken"))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, float64(mcp.CodeParseError), errObj["code"])
}

func TestMCPNotificationReturns202(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/mcp", map[string]any{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	}, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestSubmitJobAndStreamEvents(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/jobs", map[string]any{"query": "what is raft"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	jobID := body["job_id"].(string)
	assert.Regexp(t, `^job_\d+_[a-z0-9]{6,}$`, jobID)
	assert.Equal(t, "queued", body["status"])

	// Terminate the job so the SSE stream ends instead of tailing.
	_, err := h.jobs.Cancel(context.Background(), jobID)
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s/events", jobID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	stream := rec.Body.String()
	assert.Contains(t, stream, "event: submitted")
	assert.Contains(t, stream, "event: canceled")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stream),
		fmt.Sprintf("event: complete\ndata: {\"job_id\":%q}", jobID)))

	// Resuming past the terminal event replays nothing and closes.
	lines := strings.Split(stream, "\n")
	var lastID string
	for _, line := range lines {
		if after, ok := strings.CutPrefix(line, "id: "); ok {
			lastID = after
		}
	}
	require.NotEmpty(t, lastID)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s/events?since_event_id=%s", jobID, lastID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "event: submitted")
	assert.Contains(t, rec.Body.String(), "event: complete")
}

func TestSubmitJobEmptyQuery(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/jobs", map[string]any{"query": ""}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEventsBadCursor(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/jobs/job_1_abcdef/events?since_event_id=nope", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesInlineDispatch(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/messages", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	result := body["result"].(map[string]any)
	assert.NotEmpty(t, result["tools"])
}

func TestMessagesUnknownConnection(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/messages/no-such-conn", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "ping",
	}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newAPIHarness(t)
	h.cfg.Auth.RateLimitMaxRequests = 2

	// The limiter is built per-router, so rebuild with the new limit.
	server := NewServer(Deps{
		Config:     h.cfg,
		DB:         h.db,
		Dispatcher: mustDispatcher(t, h),
		Jobs:       h.jobs,
		Sessions:   services.NewSessionService(h.db),
		Streamer:   events.NewStreamer(services.NewEventService(h.db), h.jobs, 0),
		PublicURL:  "http://localhost:3000",
	})
	router := server.Router()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func mustDispatcher(t *testing.T, h *apiHarness) *mcp.Dispatcher {
	t.Helper()
	graph := services.NewGraphService(h.db)
	return mcp.NewDispatcher(mcp.Deps{
		Config:    h.cfg,
		Jobs:      h.jobs,
		Events:    services.NewEventService(h.db),
		Sessions:  services.NewSessionService(h.db),
		Reports:   services.NewReportService(h.db),
		Graph:     graph,
		Retriever: retrieval.NewRetriever(h.db, h.cfg.Retrieval, nil, graph),
		Indexer:   retrieval.NewIndexer(h.db),
		PublicURL: "http://localhost:3000",
	})
}

func TestInsufficientScopeChallenge(t *testing.T) {
	// Scope rejection surfaces as 403 with the insufficient_scope
	// challenge when the principal is not an API key. Simulate by
	// injecting a caller through the JWT-less path: AllowNoAPIKey off
	// and a non-key token is a plain 401, so drive the dispatcher
	// directly through /jobs with a limited principal is not possible
	// over HTTP here; the dispatcher-level behavior is covered in the
	// mcp package tests. This test pins the 401 contract instead.
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
