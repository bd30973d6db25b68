package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"aiInterview/internal/agent"
	"aiInterview/internal/api"
	"aiInterview/internal/auth"
	"aiInterview/internal/config"
	"aiInterview/internal/database"
	"aiInterview/internal/federation"
	"aiInterview/internal/interview"
	"aiInterview/internal/notify"
	"aiInterview/internal/storage"
	"aiInterview/internal/store"
	"aiInterview/internal/tasks"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := database.NewRegistry(cfg.Database, database.WithLogger(logger))
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("close partitions failed", slog.Any("error", err))
		}
	}()
	if err := registry.InitializeAll(ctx); err != nil {
		log.Fatalf("init partitions: %v", err)
	}
	if err := registry.Migrate(ctx); err != nil {
		log.Fatalf("migrate partitions: %v", err)
	}
	logger.Info("database partitions ready", slog.String("base", cfg.Database.Name))

	privatePEM, publicPEM, err := cfg.Auth.ReadKeyPair()
	if err != nil {
		log.Fatalf("load jwt keys: %v", err)
	}
	authService, err := auth.NewAuthService(privatePEM, publicPEM, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	accessors := store.NewAccessors(registry)
	svc := federation.NewService(accessors, logger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Error("close asynq client failed", slog.Any("error", err))
		}
	}()

	agentClient, err := agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Agent.RequestTimeout)
	if err != nil {
		log.Fatalf("init agent client: %v", err)
	}

	collaborators := interview.Collaborators{
		Agent:     agentClient,
		Persister: svc,
		Queue:     tasks.NewQueue(asynqClient, cfg.Worker.PersistRetries),
		Notifier:  notify.NewPublisher(redisClient),
		Logger:    logger,
	}
	deps := api.Dependencies{
		Config:      cfg,
		Logger:      logger,
		AuthService: authService,
		Accounts:    auth.NewAccounts(accessors, logger),
		Federation:  svc,
		Redis:       redisClient,
	}
	if cfg.MinIO.Enabled {
		storageClient, err := storage.NewClient(ctx, cfg.MinIO)
		if err != nil {
			log.Fatalf("init storage client: %v", err)
		}
		collaborators.Archiver = storageClient
		deps.Transcripts = storageClient
		logger.Info("transcript archive ready", slog.String("bucket", cfg.MinIO.Bucket))
	}

	sessions := interview.NewManager(interview.Config{
		TickInterval:           cfg.Interview.TickInterval,
		DefaultDurationMinutes: cfg.Interview.DefaultDurationMinutes,
		AgentTimeout:           cfg.Agent.RequestTimeout,
		Retention:              cfg.Interview.SessionRetention,
		Timeouts: interview.Timeouts{
			Finalize: cfg.Interview.FinalizeTimeout,
			Persist:  cfg.Interview.PersistTimeout,
		},
	}, collaborators, svc)
	deps.Sessions = sessions
	go sessions.Run(ctx)

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, deps)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start api server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.Any("error", err))
	}
	// 进行中的结束编排在释放远端会话前有机会完成。
	sessions.Shutdown(shutdownCtx)
}
