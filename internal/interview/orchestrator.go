package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aiInterview/internal/agent"
	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/federation"
	"aiInterview/internal/metrics"
	"aiInterview/internal/notify"
	"aiInterview/internal/tasks"
)

// 默认超时。
const (
	DefaultFinalizeTimeout = 15 * time.Second
	DefaultPersistTimeout  = 12 * time.Second
	releaseTimeout         = 5 * time.Second
)

// State 是结束编排的状态。
type State int32

const (
	StateIdle State = iota
	StatePending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText 让状态在 JSON 中以名称出现。
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Persister 把评估写入投递与面试结果。
type Persister interface {
	RecordInterviewOutcome(ctx context.Context, applicationID, studentID uint, outcome federation.Outcome) (*federation.ApplicationView, *database.InterviewResult, error)
}

// PersistQueue 在同步落库失败后投递后台重试。
type PersistQueue interface {
	EnqueuePersistOutcome(ctx context.Context, payload tasks.PersistOutcomePayload) error
}

// TranscriptArchiver 归档对话记录。练习面试的记录在会话关闭时删除。
type TranscriptArchiver interface {
	PutTranscript(ctx context.Context, key string, data []byte) error
	DeleteTranscript(ctx context.Context, key string) error
}

// Notifier 向用户推送事件。
type Notifier interface {
	Publish(ctx context.Context, role database.Role, userID uint, msg notify.Message) error
}

// Collaborators 是编排器依赖的外部组件。Queue、Archiver、Notifier 可以为空。
type Collaborators struct {
	Agent     agent.Client
	Persister Persister
	Queue     PersistQueue
	Archiver  TranscriptArchiver
	Notifier  Notifier
	Logger    *slog.Logger
}

// Timeouts 限定两次外部调用的时长。
type Timeouts struct {
	Finalize time.Duration
	Persist  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Finalize <= 0 {
		t.Finalize = DefaultFinalizeTimeout
	}
	if t.Persist <= 0 {
		t.Persist = DefaultPersistTimeout
	}
	return t
}

// Result 是成功结束后的结果。Warning 非空表示评估未能同步落库。
type Result struct {
	Evaluation    *agent.Evaluation           `json:"evaluation"`
	Application   *federation.ApplicationView `json:"application,omitempty"`
	TranscriptKey string                      `json:"transcript_key,omitempty"`
	Warning       *errcode.Warning            `json:"warning,omitempty"`
}

// Orchestrator 保证每个会话只有一次 finalize 越过守卫。
// state 是唯一的守卫：idle→pending 的 CAS 成功者执行结束流程，其余触发直接返回。
type Orchestrator struct {
	session  *Session
	deps     Collaborators
	timeouts Timeouts
	logger   *slog.Logger

	state    atomic.Int32
	released atomic.Bool

	mu         sync.Mutex
	abandoned  bool
	done       chan struct{}
	result     *Result
	err        error
	finishedAt time.Time
}

// NewOrchestrator 为会话创建编排器。
func NewOrchestrator(session *Session, deps Collaborators, timeouts Timeouts) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		session:  session,
		deps:     deps,
		timeouts: timeouts.withDefaults(),
		logger:   logger.With(slog.String("session_id", session.ID())),
		done:     done,
	}
}

// Trigger 以 reason 结束会话并尝试启动结束流程。
// 会话已有结束原因时保留先到者。只有 idle→pending 成功的调用返回 true。
func (o *Orchestrator) Trigger(reason database.CompletionReason) bool {
	if reason != "" {
		o.session.MarkComplete(reason)
	}
	return o.begin(StateIdle)
}

// Retry 只允许从 failed 重新进入结束流程。
func (o *Orchestrator) Retry() error {
	if o.begin(StateFailed) {
		o.logger.Info("finalization retry requested")
		return nil
	}
	o.mu.Lock()
	abandoned := o.abandoned
	o.mu.Unlock()
	if abandoned {
		return fmt.Errorf("%w: session closed", errcode.ErrNotFound)
	}
	switch State(o.state.Load()) {
	case StatePending:
		return fmt.Errorf("%w: finalization in progress", errcode.ErrConflict)
	case StateSucceeded:
		return fmt.Errorf("%w: interview already finalized", errcode.ErrConflict)
	default:
		return fmt.Errorf("%w: interview has not finished", errcode.ErrConflict)
	}
}

// begin 在 o.mu 下检查关闭标记并做 from→pending 的 CAS，成功者启动结束流程。
func (o *Orchestrator) begin(from State) bool {
	o.mu.Lock()
	if o.abandoned || !o.state.CompareAndSwap(int32(from), int32(StatePending)) {
		o.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	o.done = done
	o.err = nil
	o.mu.Unlock()

	go o.run(done)
	return true
}

// Wait 等待当前这次结束流程完成。只在 ctx 先结束时返回错误，结果通过 Status 读取。
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 返回当前状态、成功结果与失败原因。
func (o *Orchestrator) Status() (State, *Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State(o.state.Load()), o.result, o.err
}

// FinishedAt 返回最近一次结束流程完成的时间。
func (o *Orchestrator) FinishedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finishedAt
}

// Abandon 关闭编排器：等待进行中的流程结束，再释放远端会话。
// finalize 成功后远端会话已被消费，不再释放。
func (o *Orchestrator) Abandon(ctx context.Context) {
	o.mu.Lock()
	o.abandoned = true
	o.mu.Unlock()
	if err := o.Wait(ctx); err != nil {
		o.logger.Warn("abandon while finalization still pending", slog.Any("error", err))
	}
	o.release(ctx)
	o.discardPracticeTranscript(ctx)
}

// discardPracticeTranscript 删除练习面试的归档。练习评估不落库，关闭后记录无处引用。
func (o *Orchestrator) discardPracticeTranscript(ctx context.Context) {
	if o.deps.Archiver == nil || o.session.Info().ApplicationID != 0 {
		return
	}
	o.mu.Lock()
	result := o.result
	o.mu.Unlock()
	if result == nil || result.TranscriptKey == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := o.deps.Archiver.DeleteTranscript(dctx, result.TranscriptKey); err != nil {
		o.logger.Warn("delete practice transcript failed", slog.String("key", result.TranscriptKey), slog.Any("error", err))
	}
}

func (o *Orchestrator) run(done chan struct{}) {
	defer close(done)

	snap := o.session.Snapshot()
	reason := snap.CompletionReason
	if reason == "" {
		reason = database.ReasonUnknown
	}
	log := o.logger.With(slog.String("reason", string(reason)))
	log.Info("finalizing interview", slog.Int("elapsed_seconds", snap.ElapsedSeconds))

	ctx, cancel := context.WithTimeout(context.Background(), o.timeouts.Finalize)
	eval, err := o.deps.Agent.Finalize(ctx, snap.ID, string(reason), snap.ElapsedSeconds)
	cancel()
	if err != nil {
		err = errcode.Timeout(err)
		log.Error("finalize interview failed", slog.Any("error", err))
		o.finish(StateFailed, nil, err)
		metrics.ObserveFinalization(metrics.OutcomeFailed, string(reason))
		o.publish(snap, notify.Message{
			Event:        notify.EventFinalizationFailed,
			SessionID:    snap.ID,
			ErrorCode:    errcode.SystemError,
			ErrorMessage: err.Error(),
			Retryable:    true,
		})
		return
	}
	// 远端在 finalize 成功时已删除会话。
	o.released.Store(true)

	result := &Result{Evaluation: eval}
	result.TranscriptKey = o.archive(snap)
	if snap.ApplicationID != 0 {
		o.persist(log, snap, reason, result)
	}

	o.finish(StateSucceeded, result, nil)
	metrics.ObserveFinalization(metrics.OutcomeSucceeded, string(reason))

	msg := notify.Message{
		Event:         notify.EventFinalizationSucceeded,
		SessionID:     snap.ID,
		ApplicationID: snap.ApplicationID,
		Score:         &eval.Score,
		ErrorCode:     errcode.OK,
	}
	if result.Warning != nil {
		msg.ErrorCode = result.Warning.Code
		msg.ErrorMessage = result.Warning.Message
	}
	o.publish(snap, msg)
	log.Info("interview finalized", slog.Float64("score", eval.Score), slog.Bool("persisted", result.Warning == nil))
}

// persist 失败不影响已拿到的评估，只附加降级提示，并在可重试时投递后台任务。
func (o *Orchestrator) persist(log *slog.Logger, snap Snapshot, reason database.CompletionReason, result *Result) {
	outcome := outcomeFrom(result.Evaluation, reason, snap.ElapsedSeconds, result.TranscriptKey)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeouts.Persist)
	view, _, err := o.deps.Persister.RecordInterviewOutcome(ctx, snap.ApplicationID, snap.Owner, outcome)
	cancel()
	if err == nil {
		result.Application = view
		return
	}
	err = errcode.Timeout(err)

	queued := false
	if o.deps.Queue != nil && durable(err) {
		qctx, qcancel := context.WithTimeout(context.Background(), o.timeouts.Persist)
		qerr := o.deps.Queue.EnqueuePersistOutcome(qctx, tasks.PersistOutcomePayload{
			SessionID:     snap.ID,
			ApplicationID: snap.ApplicationID,
			StudentID:     snap.Owner,
			Outcome:       outcome,
		})
		qcancel()
		if qerr != nil {
			log.Error("enqueue persist retry failed", slog.Any("error", qerr))
		} else {
			queued = true
		}
	}

	result.Warning = errcode.NewPersistenceWarning(err, queued)
	metrics.IncPersistenceWarning()
	log.Warn("interview outcome not persisted",
		slog.Uint64("application_id", uint64(snap.ApplicationID)),
		slog.Bool("queued", queued),
		slog.Any("error", err),
	)
}

// durable 判断持久化失败是否值得后台重试；校验失败或投递已不存在时重试无意义。
func durable(err error) bool {
	return !errors.Is(err, errcode.ErrValidation) &&
		!errors.Is(err, errcode.ErrNotFound) &&
		!errors.Is(err, errcode.ErrForbidden)
}

func (o *Orchestrator) archive(snap Snapshot) string {
	if o.deps.Archiver == nil {
		return ""
	}
	data, err := json.Marshal(struct {
		SessionID        string                    `json:"session_id"`
		ApplicationID    uint                      `json:"application_id,omitempty"`
		Profile          agent.Profile             `json:"profile"`
		CompletionReason database.CompletionReason `json:"completion_reason"`
		ElapsedSeconds   int                       `json:"elapsed_seconds"`
		Transcript       []Message                 `json:"transcript"`
	}{snap.ID, snap.ApplicationID, snap.Profile, snap.CompletionReason, snap.ElapsedSeconds, snap.Transcript})
	if err != nil {
		o.logger.Warn("encode transcript failed", slog.Any("error", err))
		return ""
	}

	key := TranscriptKey(snap.Owner, snap.ID)
	ctx, cancel := context.WithTimeout(context.Background(), o.timeouts.Persist)
	defer cancel()
	if err := o.deps.Archiver.PutTranscript(ctx, key, data); err != nil {
		o.logger.Warn("archive transcript failed", slog.Any("error", err))
		return ""
	}
	return key
}

// TranscriptKey 返回对话记录在对象存储中的路径。
func TranscriptKey(owner uint, sessionID string) string {
	return fmt.Sprintf("transcripts/%d/%s.json", owner, sessionID)
}

func (o *Orchestrator) release(ctx context.Context) {
	if !o.released.CompareAndSwap(false, true) {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := o.deps.Agent.Release(rctx, o.session.ID()); err != nil {
		o.logger.Warn("release remote session failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) finish(state State, result *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result = result
	o.err = err
	o.finishedAt = time.Now()
	o.state.Store(int32(state))
}

func (o *Orchestrator) publish(snap Snapshot, msg notify.Message) {
	publish(o.logger, o.deps.Notifier, snap.Owner, msg)
}

func publish(logger *slog.Logger, n Notifier, owner uint, msg notify.Message) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := n.Publish(ctx, database.RoleStudent, owner, msg); err != nil {
		logger.Warn("publish interview notification failed", slog.String("event", msg.Event), slog.Any("error", err))
	}
}

func outcomeFrom(eval *agent.Evaluation, reason database.CompletionReason, elapsed int, transcriptKey string) federation.Outcome {
	duration := eval.DurationSeconds
	if duration <= 0 {
		duration = elapsed
	}
	return federation.Outcome{
		Score:               eval.Score,
		Summary:             eval.Summary,
		Strengths:           eval.Strengths,
		Improvements:        eval.Improvements,
		CompletionReason:    string(reason),
		DurationSeconds:     duration,
		TotalQuestions:      eval.TotalQuestions,
		TotalResponses:      eval.TotalResponses,
		SkillsCovered:       eval.SkillsCovered,
		RequirementsSummary: eval.RequirementsSummary,
		TranscriptKey:       transcriptKey,
	}
}
