package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 任务处理结果标签。skipped 表示错误被标记为不再重试。
const (
	taskOK      = "ok"
	taskRetry   = "retry"
	taskSkipped = "skipped"
)

var (
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ai_interview",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "后台任务处理耗时（秒）。",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"task_type", "result"},
	)

	taskInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ai_interview",
			Subsystem: "worker",
			Name:      "tasks_in_progress",
			Help:      "当前正在处理的任务数量。",
		},
		[]string{"task_type"},
	)
)

// AsynqMetricsMiddleware 记录每个任务的耗时与处理结果。
func AsynqMetricsMiddleware() asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
			taskType := task.Type()
			inProgress := taskInProgress.WithLabelValues(taskType)
			inProgress.Inc()
			defer inProgress.Dec()

			start := time.Now()
			err := next.ProcessTask(ctx, task)
			taskDuration.WithLabelValues(taskType, taskResult(err)).Observe(time.Since(start).Seconds())
			return err
		})
	}
}

func taskResult(err error) string {
	switch {
	case err == nil:
		return taskOK
	case errors.Is(err, asynq.SkipRetry):
		return taskSkipped
	default:
		return taskRetry
	}
}
