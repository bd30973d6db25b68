package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"aiInterview/internal/auth"
	"aiInterview/internal/database"
	"aiInterview/internal/metrics"
)

const (
	userIDKey             = "userID"
	roleKey               = metrics.PartitionKey
	mustChangePasswordKey = "mustChangePassword"
)

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// AuthMiddleware 校验访问令牌并将 userID 与 role 注入上下文。
func AuthMiddleware(authService *auth.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortUnauthorized(c)
			return
		}

		rawToken := parts[1]
		if strings.TrimSpace(rawToken) == "" {
			abortUnauthorized(c)
			return
		}

		claims, err := authService.ValidateToken(rawToken)
		if err != nil || claims.TokenType != auth.TokenTypeAccess {
			abortUnauthorized(c)
			return
		}

		SetIdentity(c, claims.UserID, claims.Role)
		c.Set(mustChangePasswordKey, claims.MustChangePassword)
		c.Next()
	}
}

// RequireRole 只放行指定分区的身份，其余返回 403。
func RequireRole(roles ...database.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := RoleFromContext(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !slices.Contains(roles, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden for role " + string(role)})
			return
		}
		c.Next()
	}
}

// SetIdentity 写入调用方身份。
func SetIdentity(c *gin.Context, userID uint, role database.Role) {
	c.Set(userIDKey, userID)
	c.Set(roleKey, role)
}

// UserIDFromContext 读取调用方用户 ID。
func UserIDFromContext(c *gin.Context) (uint, bool) {
	value, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(uint)
	return id, ok
}

// RoleFromContext 读取调用方所在分区。
func RoleFromContext(c *gin.Context) (database.Role, bool) {
	value, ok := c.Get(roleKey)
	if !ok {
		return "", false
	}
	role, ok := value.(database.Role)
	return role, ok && role.Valid()
}
