package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	correlationIDKey    = "correlationID"
	correlationIDHeader = "X-Correlation-ID"
	maxCorrelationIDLen = 128
)

// CorrelationIDMiddleware 沿用调用方传入的 ID，缺失或不合法时生成新的 UUID。
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationIDHeader)
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}
		c.Set(correlationIDKey, id)
		c.Header(correlationIDHeader, id)
		c.Next()
	}
}

// GetCorrelationID 从上下文中取出 Correlation ID。
func GetCorrelationID(c *gin.Context) string {
	return c.GetString(correlationIDKey)
}

// validCorrelationID 只接受可打印 ASCII，防止日志注入。
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
