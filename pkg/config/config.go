// Package config loads and validates process configuration from
// environment variables. Each subsystem has its own typed config struct
// with a Default* constructor; Load applies env overrides on top of the
// defaults and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode controls which tools the dispatcher exposes.
type Mode string

// Tool catalog modes.
const (
	ModeAgent  Mode = "AGENT"
	ModeManual Mode = "MANUAL"
	ModeAll    Mode = "ALL"
)

// Config is the root configuration handed to every subsystem at boot.
type Config struct {
	Server      *ServerConfig
	Queue       *QueueConfig
	Idempotency *IdempotencyConfig
	Session     *SessionConfig
	Research    *ResearchConfig
	Provider    *ProviderConfig
	Embeddings  *EmbeddingsConfig
	Retrieval   *RetrievalConfig
	Auth        *AuthConfig
}

// Load builds the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server:      DefaultServerConfig(),
		Queue:       DefaultQueueConfig(),
		Idempotency: DefaultIdempotencyConfig(),
		Session:     DefaultSessionConfig(),
		Research:    DefaultResearchConfig(),
		Provider:    DefaultProviderConfig(),
		Embeddings:  DefaultEmbeddingsConfig(),
		Retrieval:   DefaultRetrievalConfig(),
		Auth:        DefaultAuthConfig(),
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.Server.Port, err = envInt("SERVER_PORT", c.Server.Port); err != nil {
		return err
	}
	if mode := os.Getenv("MODE"); mode != "" {
		c.Server.Mode = Mode(strings.ToUpper(mode))
	}

	if c.Queue.Parallelism, err = envInt("PARALLELISM", c.Queue.Parallelism); err != nil {
		return err
	}

	c.Idempotency.Enabled = envBool("IDEMPOTENCY_ENABLED", c.Idempotency.Enabled)
	if c.Idempotency.TTL, err = envSeconds("IDEMPOTENCY_TTL_SECONDS", c.Idempotency.TTL); err != nil {
		return err
	}
	if c.Idempotency.CleanupInterval, err = envMillis("IDEMPOTENCY_CLEANUP_INTERVAL_MS", c.Idempotency.CleanupInterval); err != nil {
		return err
	}
	c.Idempotency.RetryOnFailure = envBool("IDEMPOTENCY_RETRY_ON_FAILURE", c.Idempotency.RetryOnFailure)
	if c.Idempotency.RetryWindow, err = envSeconds("IDEMPOTENCY_RETRY_WINDOW_SECONDS", c.Idempotency.RetryWindow); err != nil {
		return err
	}
	if c.Idempotency.MaxRetries, err = envInt("IDEMPOTENCY_MAX_RETRIES", c.Idempotency.MaxRetries); err != nil {
		return err
	}

	if c.Session.TTL, err = envSeconds("MCP_SESSION_TIMEOUT_SECONDS", c.Session.TTL); err != nil {
		return err
	}
	if c.Session.CleanupInterval, err = envSeconds("MCP_SESSION_CLEANUP_INTERVAL_SECONDS", c.Session.CleanupInterval); err != nil {
		return err
	}

	if c.Research.EnsembleSize, err = envInt("ENSEMBLE_SIZE", c.Research.EnsembleSize); err != nil {
		return err
	}
	c.Research.DeterministicSeed = envBool("DETERMINISTIC_SEED", c.Research.DeterministicSeed)

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("OPENROUTER_FALLBACK_MODEL"); v != "" {
		c.Provider.FallbackModel = v
	}

	if v := os.Getenv("EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("EMBEDDINGS_BASE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if c.Embeddings.Dimension, err = envInt("EMBEDDINGS_DIMENSION", c.Embeddings.Dimension); err != nil {
		return err
	}

	if v := os.Getenv("SERVER_API_KEY"); v != "" {
		c.Auth.APIKey = v
	}
	c.Auth.AllowNoAPIKey = envBool("ALLOW_NO_API_KEY", c.Auth.AllowNoAPIKey)
	c.Auth.RequireHTTPS = envBool("REQUIRE_HTTPS", c.Auth.RequireHTTPS)
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		c.Auth.JWKSURL = v
	}
	if v := os.Getenv("AUTH_EXPECTED_AUD"); v != "" {
		c.Auth.ExpectedAudience = v
	}
	if c.Auth.RateLimitMaxRequests, err = envInt("RATE_LIMIT_MAX_REQUESTS", c.Auth.RateLimitMaxRequests); err != nil {
		return err
	}

	return nil
}

// Validate checks cross-field constraints. Called once at boot; failures
// are fatal.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeAgent, ModeManual, ModeAll:
	default:
		return fmt.Errorf("invalid MODE %q: must be AGENT, MANUAL, or ALL", c.Server.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port)
	}
	if c.Queue.Parallelism < 1 {
		return fmt.Errorf("PARALLELISM must be >= 1, got %d", c.Queue.Parallelism)
	}
	if c.Research.EnsembleSize < 1 {
		return fmt.Errorf("ENSEMBLE_SIZE must be >= 1, got %d", c.Research.EnsembleSize)
	}
	switch c.Embeddings.Dimension {
	case 384, 768, 1024, 1536:
	default:
		return fmt.Errorf("unsupported EMBEDDINGS_DIMENSION %d", c.Embeddings.Dimension)
	}
	if c.Auth.APIKey == "" && !c.Auth.AllowNoAPIKey {
		return fmt.Errorf("SERVER_API_KEY is required unless ALLOW_NO_API_KEY=true")
	}
	if c.Retrieval.LexicalWeight+c.Retrieval.DenseWeight != 1.0 {
		return fmt.Errorf("fusion weights must sum to 1.0, got %v + %v",
			c.Retrieval.LexicalWeight, c.Retrieval.DenseWeight)
	}
	return nil
}

// MaxSubAgents is the fan-out bound for the ensemble executor:
// ENSEMBLE_SIZE × PARALLELISM.
func (c *Config) MaxSubAgents() int {
	return c.Research.EnsembleSize * c.Queue.Parallelism
}

// --- env parsing helpers ---

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
