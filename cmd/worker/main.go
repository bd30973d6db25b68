package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"aiInterview/internal/config"
	"aiInterview/internal/database"
	"aiInterview/internal/federation"
	"aiInterview/internal/metrics"
	"aiInterview/internal/notify"
	"aiInterview/internal/store"
	"aiInterview/internal/tasks"
	"aiInterview/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// 只有结果落库需要的分区：recruiter 存投递与结果，student 提供候选人快照。
	registry := database.NewRegistry(cfg.Database, database.WithLogger(logger))
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("close partitions failed", slog.Any("error", err))
		}
	}()
	if err := registry.InitializeAll(ctx, database.RoleRecruiter, database.RoleStudent); err != nil {
		log.Fatalf("init partitions: %v", err)
	}
	log.Println("database partitions ready for worker")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()}, asynq.Config{
		Concurrency: concurrency,
		Logger:      newAsynqLogger(logger),
	})

	svc := federation.NewService(store.NewAccessors(registry), logger)
	persistHandler := worker.NewPersistOutcomeHandler(svc, notify.NewPublisher(redisClient), logger)

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypePersistOutcome, persistHandler)

	logger.Info("worker service started",
		slog.String("redis_addr", cfg.Redis.Addr()),
		slog.Int("concurrency", concurrency),
	)
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}
