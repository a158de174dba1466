package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imagenary/internal/config"
)

const (
	corsAllowHeaders  = "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID"
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsExposeHeaders = "Content-Length, X-Request-ID, X-Cache-Store"
)

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// With no configured origins every origin is echoed back.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowOrigin, credentials, ok := resolveOrigin(cfg, c.GetHeader("Origin"))
		if !ok {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Credentials", credentials)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		h.Add("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// resolveOrigin returns the Allow-Origin value and credentials flag for origin,
// or ok=false when the origin is not allowed.
func resolveOrigin(cfg config.CORSConfig, origin string) (allow, credentials string, ok bool) {
	// Browsers reject credentials together with a wildcard origin.
	if cfg.AllowAllOrigins {
		return "*", "false", true
	}
	if len(cfg.AllowedOrigins) == 0 {
		return origin, "true", true
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return origin, "true", true
		}
	}
	return "", "", false
}
