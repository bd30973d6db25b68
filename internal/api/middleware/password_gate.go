package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequirePasswordChangeCompletedMiddleware 拦截仍使用初始密码的账号。
// 依据 access token 中的 must_change_password 声明判断，不查库；
// 客户端据 must_change_password 字段跳转到 /v1/auth/change-password。
func RequirePasswordChangeCompletedMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(mustChangePasswordKey) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":                "password change required",
				"must_change_password": true,
			})
			return
		}
		c.Next()
	}
}
