package interview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"aiInterview/internal/agent"
	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/metrics"
	"aiInterview/internal/notify"
)

const maxDurationMinutes = 180

// InterviewContexts 提供基于投递开始面试所需的信息。
type InterviewContexts interface {
	InterviewContext(ctx context.Context, applicationID, studentID uint) (*database.Application, *database.Job, error)
}

// Config 是会话管理的参数。
type Config struct {
	TickInterval           time.Duration
	DefaultDurationMinutes int
	AgentTimeout           time.Duration
	Retention              time.Duration
	Timeouts               Timeouts
}

// StartRequest 描述一次面试的来源。ApplicationID 为 0 时是练习面试，评估不落库。
type StartRequest struct {
	ApplicationID   uint          `json:"application_id"`
	Profile         agent.Profile `json:"profile"`
	DurationMinutes int           `json:"duration_minutes"`
}

// FinalizationView 是结束编排的对外状态。
type FinalizationView struct {
	Status    State   `json:"status"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

// View 是会话与结束状态的组合视图。
type View struct {
	Session      Snapshot         `json:"session"`
	Finalization FinalizationView `json:"finalization"`
}

type entry struct {
	session *Session
	orch    *Orchestrator
	timer   *Timer
}

// Manager 持有进程内的全部面试会话。
type Manager struct {
	cfg      Config
	deps     Collaborators
	contexts InterviewContexts
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager 创建会话管理器。
func NewManager(cfg Config, deps Collaborators, contexts InterviewContexts) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.DefaultDurationMinutes <= 0 {
		cfg.DefaultDurationMinutes = 20
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		contexts: contexts,
		logger:   deps.Logger,
		sessions: make(map[string]*entry),
	}
}

// Start 向智能体申请会话并开始计时。
func (m *Manager) Start(ctx context.Context, owner uint, req StartRequest) (*View, error) {
	profile := req.Profile
	minutes := req.DurationMinutes
	var jobID uint

	if req.ApplicationID != 0 {
		if m.contexts == nil {
			return nil, fmt.Errorf("%w: interview contexts unavailable", errcode.ErrConfiguration)
		}
		_, job, err := m.contexts.InterviewContext(ctx, req.ApplicationID, owner)
		if err != nil {
			return nil, err
		}
		jobID = job.ID
		profile = profileForJob(job, req.Profile)
		minutes = job.InterviewDurationMinutes
	}
	if minutes == 0 {
		minutes = m.cfg.DefaultDurationMinutes
	}
	if minutes < 1 || minutes > maxDurationMinutes {
		return nil, fmt.Errorf("%w: interview duration must be within 1..%d minutes", errcode.ErrValidation, maxDurationMinutes)
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AgentTimeout)
	turn, err := m.deps.Agent.Start(actx, profile)
	cancel()
	if err != nil {
		return nil, errcode.Timeout(err)
	}
	if turn.SessionID == "" {
		return nil, fmt.Errorf("%w: agent returned no session id", errcode.ErrTransport)
	}

	session := NewSession(SessionInfo{
		ID:            turn.SessionID,
		Owner:         owner,
		ApplicationID: req.ApplicationID,
		JobID:         jobID,
		Profile:       profile,
		Duration:      time.Duration(minutes) * time.Minute,
	}, turn)
	e := &entry{
		session: session,
		orch:    NewOrchestrator(session, m.deps, m.cfg.Timeouts),
	}

	if !turn.Done {
		e.timer = StartTimer(m.cfg.TickInterval, session, func() { m.expire(e) })
	}

	m.mu.Lock()
	m.sessions[session.ID()] = e
	m.mu.Unlock()
	metrics.SessionOpened()

	if turn.Done {
		e.orch.Trigger(database.ReasonAgentComplete)
	}

	m.logger.InfoContext(ctx, "interview started",
		slog.String("session_id", session.ID()),
		slog.Uint64("owner", uint64(owner)),
		slog.Uint64("application_id", uint64(req.ApplicationID)),
		slog.Int("duration_minutes", minutes),
	)
	return e.view(), nil
}

// Send 把候选人的回答转发给智能体。同一会话同时只允许一条消息在途。
func (m *Manager) Send(ctx context.Context, owner uint, sessionID, text string) (*View, error) {
	e, err := m.lookup(owner, sessionID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message is empty", errcode.ErrValidation)
	}
	if err := e.session.BeginSend(text); err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AgentTimeout)
	turn, err := m.deps.Agent.SendMessage(actx, sessionID, text)
	cancel()
	if err != nil {
		e.session.AbortSend()
		return nil, errcode.Timeout(err)
	}

	if e.session.CompleteSend(turn) {
		m.stopTimer(e)
		e.orch.Trigger(database.ReasonAgentComplete)
	}
	return e.view(), nil
}

// Quit 由候选人主动结束面试。
func (m *Manager) Quit(_ context.Context, owner uint, sessionID string) (*View, error) {
	e, err := m.lookup(owner, sessionID)
	if err != nil {
		return nil, err
	}
	e.session.Quit()
	m.stopTimer(e)
	e.orch.Trigger(database.ReasonUserQuit)
	return e.view(), nil
}

// Get 返回会话视图。
func (m *Manager) Get(owner uint, sessionID string) (*View, error) {
	e, err := m.lookup(owner, sessionID)
	if err != nil {
		return nil, err
	}
	return e.view(), nil
}

// Wait 等待进行中的结束流程完成后返回视图。失败的结束同样以视图返回，错误只表示等待本身被取消。
func (m *Manager) Wait(ctx context.Context, owner uint, sessionID string) (*View, error) {
	e, err := m.lookup(owner, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.orch.Wait(ctx); err != nil {
		return nil, err
	}
	return e.view(), nil
}

// Retry 在结束失败后手动重试。
func (m *Manager) Retry(_ context.Context, owner uint, sessionID string) (*View, error) {
	e, err := m.lookup(owner, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.orch.Retry(); err != nil {
		return nil, err
	}
	return e.view(), nil
}

// Abandon 丢弃会话并释放远端资源。
func (m *Manager) Abandon(ctx context.Context, owner uint, sessionID string) error {
	e, err := m.lookup(owner, sessionID)
	if err != nil {
		return err
	}
	m.remove(ctx, sessionID, e)
	return nil
}

// Run 定期清理已结束且超过保留期的会话，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context) {
	interval := max(m.cfg.Retention/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evict(ctx, time.Now())
		}
	}
}

// Evict 清理在 now 之前已超过保留期的会话，返回清理数量。
func (m *Manager) Evict(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	var stale []string
	for id, e := range m.sessions {
		state, _, _ := e.orch.Status()
		if state != StateSucceeded && state != StateFailed {
			continue
		}
		if now.Sub(e.orch.FinishedAt()) >= m.cfg.Retention {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.mu.Lock()
		e, ok := m.sessions[id]
		m.mu.Unlock()
		if ok {
			m.remove(ctx, id, e)
		}
	}
	return len(stale)
}

// Shutdown 关闭全部会话。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		all[id] = e
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.remove(ctx, id, e)
		}()
	}
	wg.Wait()
}

// Len 返回内存中的会话数量。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(ctx context.Context, id string, e *entry) {
	m.mu.Lock()
	current, ok := m.sessions[id]
	if !ok || current != e {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.stopTimer(e)
	e.orch.Abandon(ctx)
	metrics.SessionClosed()
	m.logger.Info("interview session closed", slog.String("session_id", id))
}

// lookup 对非所有者与不存在的会话一律返回 ErrNotFound。
func (m *Manager) lookup(owner uint, sessionID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Info().Owner != owner {
		return nil, fmt.Errorf("%w: interview session %q", errcode.ErrNotFound, sessionID)
	}
	return e, nil
}

func (m *Manager) expire(e *entry) {
	snap := e.session.Snapshot()
	m.logger.Info("interview time expired", slog.String("session_id", snap.ID))
	publish(m.logger, m.deps.Notifier, snap.Owner, notify.Message{
		Event:         notify.EventTimerExpired,
		SessionID:     snap.ID,
		ApplicationID: snap.ApplicationID,
	})
	e.orch.Trigger(database.ReasonTimeExpired)
}

func (m *Manager) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *entry) view() *View {
	state, result, err := e.orch.Status()
	v := &View{
		Session:      e.session.Snapshot(),
		Finalization: FinalizationView{Status: state, Result: result},
	}
	if err != nil {
		v.Finalization.Error = err.Error()
		v.Finalization.Retryable = state == StateFailed
	}
	return v
}

func profileForJob(job *database.Job, override agent.Profile) agent.Profile {
	p := agent.Profile{
		Role:       job.Title,
		Company:    job.Company,
		Experience: job.Experience,
		Skills:     strings.Join(job.Tags, ", "),
		Focus:      job.Category,
		Industry:   override.Industry,
	}
	if override.Focus != "" {
		p.Focus = override.Focus
	}
	if override.Experience != "" {
		p.Experience = override.Experience
	}
	if override.Skills != "" {
		p.Skills = override.Skills
	}
	return p
}
