package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			slog.Error("HTTP request", attrs...)
		case status >= 400:
			slog.Warn("HTTP request", attrs...)
		default:
			slog.Debug("HTTP request", attrs...)
		}
	}
}
