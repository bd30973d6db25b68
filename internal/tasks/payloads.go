package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"aiInterview/internal/federation"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypePersistOutcome = "interview:persist"
)

// PersistOutcomePayload 描述一次未能同步落库的面试评估。
type PersistOutcomePayload struct {
	SessionID     string             `json:"session_id"`
	ApplicationID uint               `json:"application_id"`
	StudentID     uint               `json:"student_id"`
	Outcome       federation.Outcome `json:"outcome"`
}

// NewPersistOutcomeTask 构造持久化重试任务。
// 同一投递的任务以 application_id 去重，避免编排器与手动重试同时入队。
func NewPersistOutcomeTask(payload PersistOutcomePayload, maxRetry int) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePersistOutcome, data,
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(fmt.Sprintf("persist:%d:%s", payload.ApplicationID, payload.SessionID)),
		asynq.Retention(24*time.Hour),
	), nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue 把任务投递到 asynq。
type Queue struct {
	client   enqueuer
	maxRetry int
}

// NewQueue 基于 asynq 客户端创建队列。
func NewQueue(client enqueuer, maxRetry int) *Queue {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &Queue{client: client, maxRetry: maxRetry}
}

// EnqueuePersistOutcome 投递持久化重试任务。任务已存在时视为成功。
func (q *Queue) EnqueuePersistOutcome(ctx context.Context, payload PersistOutcomePayload) error {
	task, err := NewPersistOutcomeTask(payload, q.maxRetry)
	if err != nil {
		return fmt.Errorf("build persist task: %w", err)
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue persist task: %w", err)
	}
	return nil
}
