// Package worker 消费后台任务：面试评估的持久化重试。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/federation"
	"aiInterview/internal/notify"
	"aiInterview/internal/tasks"
)

// OutcomeRecorder 写入面试结果，由 federation.Service 实现。
type OutcomeRecorder interface {
	RecordInterviewOutcome(ctx context.Context, applicationID, studentID uint, outcome federation.Outcome) (*federation.ApplicationView, *database.InterviewResult, error)
}

// Notifier 向用户推送事件。
type Notifier interface {
	Publish(ctx context.Context, role database.Role, userID uint, msg notify.Message) error
}

// PersistOutcomeHandler 负责消费持久化重试任务。
type PersistOutcomeHandler struct {
	recorder OutcomeRecorder
	notifier Notifier
	logger   *slog.Logger
	isFinal  func(context.Context) bool
}

// NewPersistOutcomeHandler 创建任务处理器。
func NewPersistOutcomeHandler(recorder OutcomeRecorder, notifier Notifier, logger *slog.Logger) *PersistOutcomeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistOutcomeHandler{
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
		isFinal:  isFinalAsynqAttempt,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *PersistOutcomeHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	var payload tasks.PersistOutcomePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("unmarshal task payload failed", slog.Any("error", err))
		return fmt.Errorf("decode persist payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With(
		slog.String("session_id", payload.SessionID),
		slog.Uint64("application_id", uint64(payload.ApplicationID)),
	)
	log.Info("retrying interview outcome persistence")

	terminal := false
	defer func() {
		if retErr == nil {
			return
		}
		// 重试耗尽或确定无法写入时才告知用户。
		if !terminal && !h.isFinal(ctx) {
			return
		}
		h.publish(ctx, log, payload, notify.Message{
			Event:         notify.EventPersistenceFailed,
			SessionID:     payload.SessionID,
			ApplicationID: payload.ApplicationID,
			ErrorCode:     errcode.SystemError,
			ErrorMessage:  strings.TrimSpace(retErr.Error()),
		})
	}()

	_, result, err := h.recorder.RecordInterviewOutcome(ctx, payload.ApplicationID, payload.StudentID, payload.Outcome)
	if err != nil {
		err = errcode.Timeout(err)
		if errors.Is(err, errcode.ErrValidation) || errors.Is(err, errcode.ErrNotFound) || errors.Is(err, errcode.ErrForbidden) {
			terminal = true
			log.Warn("interview outcome can no longer be persisted", slog.Any("error", err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Error("persist interview outcome failed", slog.Any("error", err))
		return err
	}

	score := result.Score
	h.publish(ctx, log, payload, notify.Message{
		Event:         notify.EventPersistenceRecovered,
		SessionID:     payload.SessionID,
		ApplicationID: payload.ApplicationID,
		Score:         &score,
		ErrorCode:     errcode.OK,
	})
	log.Info("interview outcome persisted", slog.Uint64("result_id", uint64(result.ID)))
	return nil
}

func (h *PersistOutcomeHandler) publish(ctx context.Context, log *slog.Logger, payload tasks.PersistOutcomePayload, msg notify.Message) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Publish(context.WithoutCancel(ctx), database.RoleStudent, payload.StudentID, msg); err != nil {
		log.Error("publish persistence notification failed", slog.String("event", msg.Event), slog.Any("error", err))
	}
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
