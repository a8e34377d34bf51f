package config

import "time"

// ServerConfig contains HTTP server and tool-catalog settings.
type ServerConfig struct {
	// Port is the HTTP+WebSocket listen port.
	Port int

	// Mode controls which tools the dispatcher exposes (AGENT, MANUAL, ALL).
	Mode Mode

	// WriteTimeout bounds a single WebSocket or SSE frame write.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:         3000,
		Mode:         ModeAgent,
		WriteTimeout: 10 * time.Second,
	}
}

// QueueConfig contains job queue and worker pool configuration.
type QueueConfig struct {
	// Parallelism is the number of worker goroutines draining the queue.
	Parallelism int

	// LeaseDuration is how long a claim excludes other workers. Extended
	// on every heartbeat; a job whose lease expires is reclaimed.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often a running job re-stamps its lease.
	HeartbeatInterval time.Duration

	// PollInterval is the sleep between claim attempts on an empty queue.
	PollInterval time.Duration

	// PollIntervalJitter randomizes PollInterval to de-synchronize workers.
	PollIntervalJitter time.Duration

	// JobTimeout is the total wall-clock budget for one job execution.
	JobTimeout time.Duration

	// MaxRetries bounds re-queues after lease abandonment.
	MaxRetries int

	// ReclaimInterval is how often the pool scans for expired leases.
	ReclaimInterval time.Duration

	// GracefulShutdownTimeout is the max wait for active jobs on shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Parallelism:             4,
		LeaseDuration:           60 * time.Second,
		HeartbeatInterval:       15 * time.Second,
		PollInterval:            750 * time.Millisecond,
		PollIntervalJitter:      250 * time.Millisecond,
		JobTimeout:              600 * time.Second,
		MaxRetries:              3,
		ReclaimInterval:         30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// IdempotencyConfig controls request deduplication.
type IdempotencyConfig struct {
	Enabled bool

	// TTL is how long a key maps to its job; extended on heartbeat so a
	// long-running job never loses its key mid-flight.
	TTL time.Duration

	// CleanupInterval is how often expired terminal keys are cleared.
	CleanupInterval time.Duration

	// RetryOnFailure permits a new attempt for a failed idempotent job.
	RetryOnFailure bool

	// RetryWindow bounds how long after a failure retries are allowed.
	RetryWindow time.Duration

	// MaxRetries bounds idempotent retry attempts for one key.
	MaxRetries int
}

// DefaultIdempotencyConfig returns the built-in idempotency defaults.
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		Enabled:         true,
		TTL:             3600 * time.Second,
		CleanupInterval: 60 * time.Second,
		RetryOnFailure:  true,
		RetryWindow:     600 * time.Second,
		MaxRetries:      3,
	}
}

// SessionConfig controls MCP session persistence.
type SessionConfig struct {
	// TTL is how long an idle session survives before the sweep removes it.
	TTL time.Duration

	// CleanupInterval is how often the sweeper runs.
	CleanupInterval time.Duration
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		TTL:             3600 * time.Second,
		CleanupInterval: 600 * time.Second,
	}
}

// ResearchConfig controls the ensemble orchestrator.
type ResearchConfig struct {
	// EnsembleSize scales the sub-agent fan-out bound
	// (max concurrency = EnsembleSize × Parallelism).
	EnsembleSize int

	// SubAgentTimeout bounds one sub-agent call.
	SubAgentTimeout time.Duration

	// SynthesisTimeout bounds the synthesis stream.
	SynthesisTimeout time.Duration

	// ProgressTokenInterval is how many synthesis tokens between
	// progress events.
	ProgressTokenInterval int

	// CancelGracePeriod is the max wait for cooperative shutdown after
	// a cancellation fires.
	CancelGracePeriod time.Duration

	// DeterministicSeed derives a provider seed from the job id when the
	// caller supplies none.
	DeterministicSeed bool
}

// DefaultResearchConfig returns the built-in research defaults.
func DefaultResearchConfig() *ResearchConfig {
	return &ResearchConfig{
		EnsembleSize:          2,
		SubAgentTimeout:       90 * time.Second,
		SynthesisTimeout:      300 * time.Second,
		ProgressTokenInterval: 50,
		CancelGracePeriod:     2 * time.Second,
		DeterministicSeed:     false,
	}
}

// ProviderConfig identifies the upstream OpenAI-compatible chat provider.
type ProviderConfig struct {
	APIKey  string
	BaseURL string

	// Model is the primary (higher capability) model.
	Model string

	// FallbackModel is the cheaper model tried once after a transient
	// primary failure.
	FallbackModel string
}

// DefaultProviderConfig returns the built-in provider defaults.
func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		BaseURL:       "https://openrouter.ai/api/v1",
		Model:         "anthropic/claude-sonnet-4",
		FallbackModel: "openai/gpt-4o-mini",
	}
}

// EmbeddingsConfig identifies the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the wire shape: "openai" or "ollama".
	Provider string

	Model   string
	BaseURL string

	// Dimension is fixed per process; a change triggers the vector
	// column migration at boot.
	Dimension int
}

// DefaultEmbeddingsConfig returns the built-in embeddings defaults.
func DefaultEmbeddingsConfig() *EmbeddingsConfig {
	return &EmbeddingsConfig{
		Provider:  "ollama",
		Model:     "all-minilm",
		BaseURL:   "http://localhost:11434",
		Dimension: 384,
	}
}

// RetrievalConfig controls hybrid search scoring. Fusion weights are
// fixed at boot, logged on startup, and never change mid-process.
type RetrievalConfig struct {
	// LexicalWeight and DenseWeight combine min-max normalized BM25 and
	// cosine-similarity scores.
	LexicalWeight float64
	DenseWeight   float64

	// BM25K1 and BM25B are the Okapi BM25 parameters.
	BM25K1 float64
	BM25B  float64

	// Thresholds is the ordered progressive-relaxation ladder for dense
	// similarity cutoffs.
	Thresholds []float64

	// EFSearch is the HNSW runtime search parameter.
	EFSearch int

	// CandidateLimit caps each candidate generation stage.
	CandidateLimit int

	// GraphEnabled turns on graph expansion.
	GraphEnabled bool

	// MaxHops bounds graph neighbor traversal depth.
	MaxHops int

	// DefaultK is the result count when the caller omits limit.
	DefaultK int
}

// DefaultRetrievalConfig returns the built-in retrieval defaults.
func DefaultRetrievalConfig() *RetrievalConfig {
	return &RetrievalConfig{
		LexicalWeight:  0.7,
		DenseWeight:    0.3,
		BM25K1:         1.2,
		BM25B:          0.75,
		Thresholds:     []float64{0.75, 0.70, 0.65, 0.60},
		EFSearch:       40,
		CandidateLimit: 100,
		GraphEnabled:   true,
		MaxHops:        2,
		DefaultK:       10,
	}
}

// AuthConfig controls transport authentication.
type AuthConfig struct {
	// APIKey is the static bearer key; API-key principals hold a
	// wildcard scope.
	APIKey string

	// AllowNoAPIKey disables auth entirely (local development).
	AllowNoAPIKey bool

	RequireHTTPS bool

	// JWKSURL and ExpectedAudience are served in the RFC 9728 discovery
	// metadata; JWT validation itself is external middleware.
	JWKSURL          string
	ExpectedAudience string

	RateLimitMaxRequests int
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		AllowNoAPIKey:        false,
		RequireHTTPS:         false,
		RateLimitMaxRequests: 120,
	}
}
