package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/version"
)

// healthCheckTimeout bounds the database ping inside /health.
const healthCheckTimeout = 5 * time.Second

// handleHealth reports liveness plus dependency checks. Any failed
// check flips the response to 503 so orchestrators restart or reroute.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.deps.DB.Pool().Ping(ctx); err != nil {
		checks["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		healthy = false
	} else {
		checks["database"] = gin.H{"status": "healthy"}
	}

	switch {
	case s.deps.EmbedderHealthy == nil:
		checks["embedder"] = gin.H{"status": "disabled"}
	case s.deps.EmbedderHealthy():
		checks["embedder"] = gin.H{"status": "healthy"}
	default:
		// Retrieval degrades to lexical-only; not fatal for liveness.
		checks["embedder"] = gin.H{"status": "degraded"}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"version": version.Full(),
		"checks":  checks,
	})
}

// handleAbout serves static server metadata.
func (s *Server) handleAbout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":              version.AppName,
		"version":           version.Full(),
		"mode":              string(s.deps.Config.Server.Mode),
		"protocol_versions": mcp.SupportedProtocolVersions,
		"started_at":        s.startedAt,
	})
}

// handleMetrics serves a JSON metrics snapshot.
func (s *Server) handleMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	metrics := gin.H{
		"version":        version.Full(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}

	if depth, err := s.deps.Jobs.QueueDepth(ctx); err == nil {
		metrics["queue_depth"] = depth
	}
	if counts, err := s.deps.Jobs.CountByStatus(ctx); err == nil {
		byStatus := make(map[string]int, len(counts))
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		metrics["jobs_by_status"] = byStatus
	}
	if s.deps.Pool != nil {
		metrics["pool"] = s.deps.Pool.Health()
	}
	if s.deps.ConnManager != nil {
		metrics["ws_connections"] = s.deps.ConnManager.ActiveConnections()
	}

	s.sseMu.Lock()
	metrics["sse_connections"] = len(s.sseConns)
	s.sseMu.Unlock()

	c.JSON(http.StatusOK, metrics)
}

// handleMCPDiscovery serves the unauthenticated server descriptor.
func (s *Server) handleMCPDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":              version.AppName,
		"version":           version.Full(),
		"protocol_versions": mcp.SupportedProtocolVersions,
		"transports": gin.H{
			"stdio":      true,
			"http":       "/mcp",
			"websocket":  "/mcp/ws",
			"sse":        "/sse",
			"sse_legacy": true,
		},
		"capabilities": gin.H{
			"tools":     gin.H{"list": true, "call": true},
			"prompts":   gin.H{"list": true, "get": true},
			"resources": gin.H{"list": true, "read": true, "subscribe": true},
		},
	})
}

// handleProtectedResourceMetadata serves RFC 9728 resource-server
// metadata for OAuth clients.
func (s *Server) handleProtectedResourceMetadata(c *gin.Context) {
	auth := s.deps.Config.Auth
	metadata := gin.H{
		"resource":                 s.deps.PublicURL,
		"scopes_supported":         mcp.KnownScopes,
		"bearer_methods_supported": []string{"header"},
	}
	if auth.JWKSURL != "" {
		metadata["jwks_uri"] = auth.JWKSURL
	}
	if auth.ExpectedAudience != "" {
		metadata["audience"] = auth.ExpectedAudience
	}
	c.JSON(http.StatusOK, metadata)
}
