// Package api serves the HTTP transports: streamable HTTP at /mcp,
// WebSocket JSON-RPC at /mcp/ws, the legacy SSE pair /sse + /messages,
// REST job submission, event streaming, and the discovery endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/services"
)

// Deps wires the server to the rest of the process. ConnManager may be
// nil to disable the event-streaming WebSocket.
type Deps struct {
	Config      *config.Config
	DB          *database.Client
	Dispatcher  *mcp.Dispatcher
	Jobs        *services.JobService
	Sessions    *services.SessionService
	Streamer    *events.Streamer
	ConnManager *events.ConnectionManager
	Pool        mcp.JobController

	// EmbedderHealthy reports the embedder probe state for /health.
	// Nil means no embedder is configured.
	EmbedderHealthy func() bool

	PublicURL string
}

// Server is the HTTP server hosting every network transport.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time

	// sseConns maps legacy SSE connection ids to their outbound queues.
	sseMu    sync.Mutex
	sseConns map[string]chan []byte

	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		logger:    slog.Default().With("component", "api"),
		startedAt: time.Now(),
		sseConns:  make(map[string]chan []byte),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles all routes. Exposed separately so tests can drive
// the handler stack without a listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger), securityHeaders())

	// Unauthenticated surface: liveness and discovery.
	router.GET("/health", s.handleHealth)
	router.GET("/about", s.handleAbout)
	router.GET("/.well-known/mcp-server", s.handleMCPDiscovery)
	router.GET("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)

	authed := router.Group("/", s.authMiddleware(), s.rateLimitMiddleware())
	authed.POST("/mcp", s.handleMCP)
	authed.GET("/mcp/ws", s.handleMCPWebSocket)
	authed.GET("/sse", s.handleSSE)
	authed.POST("/messages", s.handleMessages)
	authed.POST("/messages/:id", s.handleMessages)
	authed.POST("/jobs", s.handleSubmitJob)
	authed.GET("/jobs/:id/events", s.handleJobEvents)
	authed.GET("/metrics", s.handleMetrics)
	if s.deps.ConnManager != nil {
		authed.GET("/ws", s.handleEventsWebSocket)
	}

	return router
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request at debug level, skipping the
// high-frequency health probe.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
