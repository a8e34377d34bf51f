package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/models"
)

// callerKey is the gin context key holding the authenticated caller.
const callerKey = "mcp-caller"

// rateLimitWindow is the fixed window for the request counter.
const rateLimitWindow = time.Minute

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// authMiddleware validates the bearer token and attaches a Caller to the
// request. API-key principals receive the wildcard scope. JWT bearer
// validation is external middleware; a token that is not the configured
// API key is rejected here with the RFC 9728 discovery pointer.
func (s *Server) authMiddleware() gin.HandlerFunc {
	auth := s.deps.Config.Auth
	metadataURL := s.deps.PublicURL + "/.well-known/oauth-protected-resource"

	return func(c *gin.Context) {
		if auth.RequireHTTPS && c.Request.TLS == nil &&
			!strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "https required"})
			return
		}

		token := bearerToken(c)
		switch {
		case auth.APIKey != "" && token == auth.APIKey:
			c.Set(callerKey, &mcp.Caller{
				Principal: "api-key",
				Scopes:    []string{mcp.ScopeWildcard},
				Transport: models.TransportHTTP,
			})
		case auth.AllowNoAPIKey:
			c.Set(callerKey, &mcp.Caller{
				Principal: "anonymous",
				Scopes:    []string{mcp.ScopeWildcard},
				Transport: models.TransportHTTP,
			})
		default:
			c.Header("WWW-Authenticate",
				fmt.Sprintf(`Bearer realm="seeker", resource_metadata=%q`, metadataURL))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
			return
		}
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header, or from
// the query string for transports that cannot set headers (WebSocket,
// EventSource).
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.Query("api_key")
}

// caller returns the authenticated caller set by authMiddleware.
func caller(c *gin.Context) *mcp.Caller {
	if v, ok := c.Get(callerKey); ok {
		if cl, ok := v.(*mcp.Caller); ok {
			return cl
		}
	}
	return &mcp.Caller{Transport: models.TransportHTTP}
}

// rateLimiter is a fixed-window per-client request counter.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Time
	counts  map[string]int
	maximum int
}

// rateLimitMiddleware bounds requests per client per minute. The window
// is coarse on purpose; the limit guards against runaway clients, not
// adversaries.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limiter := &rateLimiter{
		counts:  make(map[string]int),
		maximum: s.deps.Config.Auth.RateLimitMaxRequests,
	}

	return func(c *gin.Context) {
		if limiter.maximum <= 0 {
			c.Next()
			return
		}

		key := caller(c).Principal + "|" + c.ClientIP()

		limiter.mu.Lock()
		now := time.Now()
		if now.Sub(limiter.window) >= rateLimitWindow {
			limiter.window = now
			clear(limiter.counts)
		}
		limiter.counts[key]++
		over := limiter.counts[key] > limiter.maximum
		limiter.mu.Unlock()

		if over {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
