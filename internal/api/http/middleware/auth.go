package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader     = "X-API-Key"
	accessTokenQuery = "access_token"
	apiKeySubject    = "api-key"
)

// Authenticate accepts either the admin API key or a bearer JWT. Browsers
// cannot set headers on websocket upgrades, so the JWT may also arrive in the
// access_token query parameter. On success "subject" and "role" are set.
func Authenticate(keys *auth.KeyChecker, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !keys.Configured() && jwtSecret == "" {
			slog.Warn("Admin API credentials not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
			})
			return
		}

		if providedKey := c.GetHeader(apiKeyHeader); providedKey != "" {
			if !keys.Check(providedKey) {
				slog.Warn("Invalid API key attempt",
					"path", c.Request.URL.Path,
					"client_ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			c.Set("subject", apiKeySubject)
			c.Set("role", auth.RoleAdmin)
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		claims, err := auth.ValidateToken(jwtSecret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query(accessTokenQuery)
}

func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole := c.GetString("role")
		for _, r := range roles {
			if r == userRole {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
