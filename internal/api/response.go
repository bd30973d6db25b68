package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"aiInterview/internal/api/middleware"
	"aiInterview/internal/auth"
	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/federation"
)

func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func AbortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func Unauthorized(c *gin.Context)           { Error(c, http.StatusUnauthorized, "unauthorized") }
func BadRequest(c *gin.Context, msg string) { Error(c, http.StatusBadRequest, msg) }
func Forbidden(c *gin.Context, msg string)  { Error(c, http.StatusForbidden, msg) }
func NotFound(c *gin.Context, msg string)   { Error(c, http.StatusNotFound, msg) }
func Conflict(c *gin.Context, msg string)   { Error(c, http.StatusConflict, msg) }
func Internal(c *gin.Context, msg string)   { Error(c, http.StatusInternalServerError, msg) }

// respondError 按错误分类选择状态码；传输类错误附带 retryable 标记，5xx 不暴露细节。
func respondError(c *gin.Context, err error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		Unauthorized(c)
		return
	}
	status := errcode.HTTPStatus(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		middleware.LoggerFromContext(c).Error("request failed", slog.Any("error", err))
		body["error"] = "internal error"
	}
	if errcode.Retryable(err) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

// identityFromContext 返回认证中间件写入的身份。
func identityFromContext(c *gin.Context) (federation.Identity, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return federation.Identity{}, false
	}
	role, ok := middleware.RoleFromContext(c)
	if !ok {
		return federation.Identity{}, false
	}
	return federation.Identity{UserID: userID, Role: role}, true
}

func userIDFromContext(c *gin.Context) (uint, bool) {
	return middleware.UserIDFromContext(c)
}

func roleFromContext(c *gin.Context) database.Role {
	role, _ := middleware.RoleFromContext(c)
	return role
}

// uintParam 解析路径中的正整数 ID。
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}
