package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"aiInterview/internal/api/middleware"
	"aiInterview/internal/auth"
	"aiInterview/internal/config"
	"aiInterview/internal/database"
	"aiInterview/internal/federation"
	"aiInterview/internal/interview"
)

// Dependencies 是注册路由所需的全部组件。Transcripts 可以为空。
type Dependencies struct {
	Config      *config.Config
	Logger      *slog.Logger
	AuthService *auth.AuthService
	Accounts    *auth.Accounts
	Federation  *federation.Service
	Sessions    *interview.Manager
	Redis       *redis.Client
	Transcripts TranscriptLinker
}

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	authHandler := NewAuthHandler(deps.Accounts, deps.AuthService, deps.Redis, deps.Logger, deps.Config.Auth)
	jobHandler := NewJobHandler(deps.Federation)
	applicationHandler := NewApplicationHandler(deps.Federation, deps.Transcripts)
	interviewHandler := NewInterviewHandler(deps.Sessions)
	wsHandler := NewWsHandler(deps.Redis, deps.AuthService, deps.Logger, deps.Config.API.AllowedOrigins)

	authMiddleware := middleware.AuthMiddleware(deps.AuthService)
	passwordGate := middleware.RequirePasswordChangeCompletedMiddleware()
	students := middleware.RequireRole(database.RoleStudent)
	recruiters := middleware.RequireRole(database.RoleRecruiter)

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
			authGroup.POST("/change-password", authMiddleware, authHandler.ChangePassword)
		}

		userGroup := v1.Group("/users")
		userGroup.Use(authMiddleware, passwordGate)
		{
			userGroup.GET("/me", authHandler.Me)
			userGroup.PUT("/me/profile", students, authHandler.UpdateProfile)
			userGroup.GET("/saved-jobs", students, jobHandler.SavedJobs)
			userGroup.POST("/saved-jobs/:jobId", students, jobHandler.SaveJob)
			userGroup.DELETE("/saved-jobs/:jobId", students, jobHandler.UnsaveJob)
		}

		jobGroup := v1.Group("/jobs")
		{
			jobGroup.GET("", jobHandler.ListJobs)
			jobGroup.GET("/:id", jobHandler.GetJob)
			jobGroup.POST("", authMiddleware, passwordGate, recruiters, jobHandler.CreateJob)
			jobGroup.PUT("/:id", authMiddleware, passwordGate, recruiters, jobHandler.UpdateJob)
			jobGroup.DELETE("/:id", authMiddleware, passwordGate, recruiters, jobHandler.DeleteJob)
		}

		applicationGroup := v1.Group("/applications")
		applicationGroup.Use(authMiddleware, passwordGate)
		{
			applicationGroup.POST("", students, applicationHandler.Apply)
			applicationGroup.GET("/mine", students, applicationHandler.Mine)
			applicationGroup.GET("/job/:jobId", recruiters, applicationHandler.ForJob)
			applicationGroup.PUT("/:id/status", recruiters, applicationHandler.UpdateStatus)
			applicationGroup.PUT("/:id/interview", students, applicationHandler.RecordInterview)
			applicationGroup.GET("/:id/interview-result", applicationHandler.InterviewResult)
		}

		interviewGroup := v1.Group("/interviews")
		interviewGroup.Use(authMiddleware, passwordGate, students)
		{
			interviewGroup.POST("", interviewHandler.Start)
			interviewGroup.GET("/:id", interviewHandler.Get)
			interviewGroup.POST("/:id/messages", interviewHandler.Send)
			interviewGroup.POST("/:id/quit", interviewHandler.Quit)
			interviewGroup.POST("/:id/retry", interviewHandler.Retry)
			interviewGroup.DELETE("/:id", interviewHandler.Abandon)
		}
	}
}
