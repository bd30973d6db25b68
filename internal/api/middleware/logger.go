package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const slogLoggerKey = "slogLogger"

// SlogLoggerMiddleware 为每个请求准备带 correlation_id 的 logger，
// 请求结束时按状态码选择日志级别，并补上认证后才知道的 user_id 与 role。
func SlogLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		requestLogger := logger.With(
			slog.String("correlation_id", GetCorrelationID(c)),
			slog.String("method", c.Request.Method),
			slog.String("path", route),
		)
		c.Set(slogLoggerKey, requestLogger)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
		}
		if userID, ok := UserIDFromContext(c); ok {
			role, _ := RoleFromContext(c)
			attrs = append(attrs, slog.Uint64("user_id", uint64(userID)), slog.String("role", string(role)))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("gin_errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			requestLogger.Error("request completed", attrs...)
		case status >= 400:
			requestLogger.Warn("request completed", attrs...)
		default:
			requestLogger.Info("request completed", attrs...)
		}
	}
}

// LoggerFromContext 返回请求级 logger，未经过中间件时退回默认 logger。
func LoggerFromContext(c *gin.Context) *slog.Logger {
	if logger, ok := c.Value(slogLoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
