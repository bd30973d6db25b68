package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"aiInterview/internal/api/middleware"
	"aiInterview/internal/auth"
	"aiInterview/internal/config"
	"aiInterview/internal/database"
)

const refreshTokenCookieName = "refresh_token"
const refreshTokenBlacklistKeyPrefix = "auth:refresh:blacklist:"

// AuthHandler 处理注册、登录、刷新与退出。身份按角色分区隔离。
type AuthHandler struct {
	accounts     *auth.Accounts
	authService  *auth.AuthService
	redis        redis.UniversalClient
	logger       *slog.Logger
	guard        *loginGuard
	cookieDomain string
}

// NewAuthHandler 构造认证处理器。
func NewAuthHandler(accounts *auth.Accounts, authService *auth.AuthService, redisClient redis.UniversalClient, logger *slog.Logger, cfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{
		accounts:    accounts,
		authService: authService,
		redis:       redisClient,
		logger:      logger,
		guard: &loginGuard{
			client:        redisClient,
			ratePerHour:   cfg.LoginRateLimitPerHour,
			lockThreshold: cfg.LoginLockThreshold,
			lockTTL:       cfg.LoginLockTTL,
			now:           time.Now,
		},
		cookieDomain: cfg.CookieDomain,
	}
}

type registerRequest struct {
	Role     database.Role        `json:"role" binding:"required,oneof=student recruiter"`
	Username string               `json:"username" binding:"required,min=3,max=64"`
	Email    string               `json:"email" binding:"required,email"`
	Password string               `json:"password" binding:"required,min=8,max=72"`
	Profile  database.UserProfile `json:"profile"`
}

type userResponse struct {
	ID                 uint                 `json:"id"`
	Role               database.Role        `json:"role"`
	Username           string               `json:"username"`
	Email              string               `json:"email"`
	MustChangePassword bool                 `json:"must_change_password"`
	Profile            database.UserProfile `json:"profile"`
	SavedJobs          []uint               `json:"saved_jobs"`
	CreatedAt          time.Time            `json:"created_at"`
}

func newUserResponse(role database.Role, u *database.User) userResponse {
	saved := []uint(u.SavedJobs)
	if saved == nil {
		saved = []uint{}
	}
	return userResponse{
		ID:                 u.ID,
		Role:               role,
		Username:           u.Username,
		Email:              u.Email,
		MustChangePassword: u.MustChangePassword,
		Profile:            u.Profile.Data(),
		SavedJobs:          saved,
		CreatedAt:          u.CreatedAt,
	}
}

// Register 创建新用户账号。
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(
		slog.String("username", req.Username),
		slog.String("role", string(req.Role)),
	)

	user, err := h.accounts.Register(ctx, req.Role, auth.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Profile:  req.Profile,
	})
	if err != nil {
		logger.Info("register failed", slog.Any("error", err))
		respondError(c, err)
		return
	}

	logger.Info("user registered", slog.Uint64("user_id", uint64(user.ID)))
	c.JSON(http.StatusCreated, newUserResponse(req.Role, user))
}

type loginRequest struct {
	Role     database.Role `json:"role" binding:"required,oneof=student recruiter main"`
	Username string        `json:"username" binding:"required"`
	Password string        `json:"password" binding:"required"`
}

type tokenResponse struct {
	AccessToken        string        `json:"access_token"`
	TokenType          string        `json:"token_type"`
	ExpiresIn          int           `json:"expires_in"`
	Role               database.Role `json:"role"`
	MustChangePassword bool          `json:"must_change_password"`
}

// Login 校验口令并返回 Token。
func (h *AuthHandler) Login(c *gin.Context) {
	ip := c.ClientIP()
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(
		slog.String("username", req.Username),
		slog.String("role", string(req.Role)),
	)
	principal := loginPrincipal(string(req.Role), req.Username)

	switch h.guard.check(ctx, ip, principal) {
	case loginRateLimited:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	case loginLocked:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "account temporarily locked"})
		return
	}

	user, err := h.accounts.Authenticate(ctx, req.Role, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			logger.Info("login failed: invalid credentials")
			if err := h.guard.recordFailure(ctx, principal); err != nil {
				logger.Warn("record login failure failed", slog.Any("error", err))
			}
			Unauthorized(c)
			return
		}
		logger.Error("login query failed", slog.Any("error", err))
		respondError(c, err)
		return
	}

	h.guard.reset(ctx, principal)

	mustChangePassword := user.MustChangePassword
	tokenPair, err := h.authService.GenerateTokenPair(user.ID, req.Role, mustChangePassword)
	if err != nil {
		logger.Error("generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	logger.Info("user logged in", slog.Uint64("user_id", uint64(user.ID)))
	h.replyWithTokenPair(c, tokenPair, req.Role, mustChangePassword)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh 校验刷新令牌并颁发新的 TokenPair。
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken := h.extractRefreshToken(c)
	if refreshToken == "" {
		Unauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c)

	claims, err := h.authService.ValidateToken(refreshToken)
	if err != nil {
		logger.Info("refresh token invalid", slog.Any("error", err))
		Unauthorized(c)
		return
	}
	if claims.TokenType != auth.TokenTypeRefresh {
		logger.Info("refresh token wrong type", slog.String("token_type", claims.TokenType))
		Unauthorized(c)
		return
	}

	if claims.ID == "" {
		logger.Info("refresh token missing jti")
		Unauthorized(c)
		return
	}

	key := refreshTokenBlacklistKeyPrefix + claims.ID
	if err := h.redis.Get(ctx, key).Err(); err == nil {
		logger.Info("refresh token revoked", slog.String("jti", claims.ID))
		Unauthorized(c)
		return
	} else if !errors.Is(err, redis.Nil) {
		logger.Error("refresh token blacklist lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	user, err := h.accounts.User(ctx, claims.Role, claims.UserID)
	if err != nil {
		logger.Info("refresh user not found", slog.Any("error", err))
		Unauthorized(c)
		return
	}

	mustChangePassword := user.MustChangePassword
	tokenPair, err := h.authService.GenerateTokenPair(claims.UserID, claims.Role, mustChangePassword)
	if err != nil {
		logger.Error("refresh generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	// 旋转旧刷新令牌，防止重复使用。
	if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
		logger.Error("refresh revoke old token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, claims.Role, mustChangePassword)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required,min=8,max=72"`
	NewPassword     string `json:"new_password" binding:"required,min=8,max=72"`
	ConfirmPassword string `json:"confirm_password" binding:"required,min=8,max=72"`
}

// ChangePassword 校验当前密码并更新为新密码。
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		BadRequest(c, "password confirmation does not match")
		return
	}

	who, ok := identityFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(
		slog.Uint64("user_id", uint64(who.UserID)),
		slog.String("role", string(who.Role)),
	)

	if _, err := h.accounts.ChangePassword(ctx, who.Role, who.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		logger.Info("change password failed", slog.Any("error", err))
		respondError(c, err)
		return
	}

	if refreshToken, err := c.Cookie(refreshTokenCookieName); err == nil && refreshToken != "" {
		if claims, err := h.authService.ValidateToken(refreshToken); err == nil && claims.TokenType == auth.TokenTypeRefresh && claims.ID != "" {
			key := refreshTokenBlacklistKeyPrefix + claims.ID
			if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
				logger.Error("change password: revoke refresh failed", slog.Any("error", err))
				Internal(c, "internal error")
				return
			}
		}
	}

	tokenPair, err := h.authService.GenerateTokenPair(who.UserID, who.Role, false)
	if err != nil {
		logger.Error("change password: generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	logger.Info("password changed")
	h.replyWithTokenPair(c, tokenPair, who.Role, false)
}

func (h *AuthHandler) replyWithTokenPair(c *gin.Context, tokenPair auth.TokenPair, role database.Role, mustChangePassword bool) {
	h.setRefreshCookie(c, tokenPair.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:        tokenPair.AccessToken,
		TokenType:          "Bearer",
		ExpiresIn:          int(h.authService.AccessTokenTTL().Seconds()),
		Role:               role,
		MustChangePassword: mustChangePassword,
	})
}

// Me 返回当前账号。
func (h *AuthHandler) Me(c *gin.Context) {
	who, ok := identityFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	user, err := h.accounts.User(c.Request.Context(), who.Role, who.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserResponse(who.Role, user))
}

// UpdateProfile 替换当前学生的面试画像。
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	who, ok := identityFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var profile database.UserProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		BadRequest(c, err.Error())
		return
	}
	user, err := h.accounts.UpdateProfile(c.Request.Context(), who.Role, who.UserID, profile)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserResponse(who.Role, user))
}

// Logout 将刷新令牌加入黑名单，防止继续使用。
func (h *AuthHandler) Logout(c *gin.Context) {
	refreshToken := h.extractRefreshToken(c)
	if refreshToken == "" {
		BadRequest(c, "refresh token missing")
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c)

	claims, err := h.authService.ValidateToken(refreshToken)
	if err != nil {
		logger.Info("logout token invalid", slog.Any("error", err))
		Unauthorized(c)
		return
	}
	if claims.TokenType != auth.TokenTypeRefresh {
		logger.Info("logout wrong token type", slog.String("token_type", claims.TokenType))
		Unauthorized(c)
		return
	}
	if claims.ID == "" {
		logger.Info("logout token missing jti")
		Unauthorized(c)
		return
	}

	key := refreshTokenBlacklistKeyPrefix + claims.ID
	if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
		logger.Error("logout revoke token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	// 清除 Cookie。
	stdhttp.SetCookie(c.Writer, &stdhttp.Cookie{
		Name:     refreshTokenCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   h.isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: stdhttp.SameSiteLaxMode,
		Domain:   h.getCookieDomain(),
	})
	c.Status(http.StatusOK)
}

func (h *AuthHandler) extractRefreshToken(c *gin.Context) string {
	if token, err := c.Cookie(refreshTokenCookieName); err == nil && token != "" {
		return token
	}

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	return ""
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, refreshToken string) {
	maxAge := int(h.authService.RefreshTokenTTL().Seconds())
	if maxAge <= 0 {
		maxAge = int(time.Hour.Seconds())
	}
	cookie := &stdhttp.Cookie{
		Name:     refreshTokenCookieName,
		Value:    refreshToken,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   h.isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: stdhttp.SameSiteLaxMode,
		Domain:   h.getCookieDomain(),
		Expires:  time.Now().Add(h.authService.RefreshTokenTTL()),
	}
	stdhttp.SetCookie(c.Writer, cookie)
}

func (h *AuthHandler) revokeRefreshToken(ctx context.Context, key string, expiresAt *jwt.NumericDate) error {
	var ttl time.Duration
	if expiresAt == nil {
		ttl = h.authService.RefreshTokenTTL()
	} else {
		ttl = time.Until(expiresAt.Time)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return h.redis.Set(ctx, key, "revoked", ttl).Err()
}

func (h *AuthHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

func (h *AuthHandler) isHTTPSRequest(c *gin.Context) bool {
	if c.Request == nil {
		return false
	}
	if c.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(c.Request.Header.Get("X-Forwarded-Proto"), "https")
}
func (h *AuthHandler) getCookieDomain() string { return strings.TrimSpace(h.cookieDomain) }
