// Package interview 管理进行中的面试会话：状态跟踪、倒计时与结束编排。
package interview

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"aiInterview/internal/agent"
	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
)

// 会话的发送被拒绝时返回的错误，均归类为 ErrConflict。
var (
	ErrSessionComplete = fmt.Errorf("%w: interview already complete", errcode.ErrConflict)
	ErrSendInFlight    = fmt.Errorf("%w: previous message still awaiting a reply", errcode.ErrConflict)
)

// 对话记录中的发言方。
const (
	SpeakerInterviewer = "interviewer"
	SpeakerCandidate   = "candidate"
	SpeakerSystem      = "system"
)

// NoticeTimeExpired 标记倒计时结束时写入对话的系统消息。
const NoticeTimeExpired = "timer-expired"

const timeExpiredMessage = "We have reached the end of the scheduled interview time. Thank you for your responses!"

// Message 是对话记录中的一条。
type Message struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Phase   string    `json:"phase,omitempty"`
	Notice  string    `json:"notice,omitempty"`
	At      time.Time `json:"at"`
}

// SessionInfo 是会话创建时确定的不可变信息。
type SessionInfo struct {
	ID            string
	Owner         uint
	ApplicationID uint
	JobID         uint
	Profile       agent.Profile
	Duration      time.Duration
}

// Snapshot 是某一时刻的会话状态副本。
type Snapshot struct {
	ID               string                    `json:"session_id"`
	Owner            uint                      `json:"-"`
	ApplicationID    uint                      `json:"application_id,omitempty"`
	JobID            uint                      `json:"job_id,omitempty"`
	Profile          agent.Profile             `json:"profile"`
	Phase            string                    `json:"phase"`
	KnownPhase       bool                      `json:"known_phase"`
	Transcript       []Message                 `json:"transcript"`
	RemainingSeconds int                       `json:"remaining_seconds"`
	ElapsedSeconds   int                       `json:"elapsed_seconds"`
	Complete         bool                      `json:"complete"`
	CompletionReason database.CompletionReason `json:"completion_reason,omitempty"`
	Sending          bool                      `json:"sending"`
	StartedAt        time.Time                 `json:"started_at"`
}

// Session 保存单场面试的可变状态。
// 所有“检查后修改”都在同一把锁内完成，发送路径与倒计时只通过 complete 协调。
type Session struct {
	info      SessionInfo
	startedAt time.Time

	mu         sync.Mutex
	phase      string
	transcript []Message
	total      int
	remaining  int
	complete   bool
	reason     database.CompletionReason
	sending    bool
	notices    int
}

// NewSession 以智能体的开场回复创建会话。开场即 done 的会话直接进入完成状态。
func NewSession(info SessionInfo, opening *agent.Turn) *Session {
	total := int(info.Duration / time.Second)
	now := time.Now()
	s := &Session{
		info:      info,
		startedAt: now,
		phase:     opening.Phase,
		total:     total,
		remaining: total,
	}
	s.transcript = append(s.transcript, Message{
		Speaker: SpeakerInterviewer,
		Text:    opening.Message,
		Phase:   opening.Phase,
		At:      now,
	})
	if opening.Done {
		s.complete = true
		s.reason = database.ReasonAgentComplete
	}
	return s
}

// ID 返回智能体分配的会话 ID。
func (s *Session) ID() string { return s.info.ID }

// Info 返回会话的不可变信息。
func (s *Session) Info() SessionInfo { return s.info }

// BeginSend 记录候选人的回答并占用发送槽。会话已完成或上一条仍在等待回复时拒绝。
func (s *Session) BeginSend(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		return ErrSessionComplete
	}
	if s.sending {
		return ErrSendInFlight
	}
	s.sending = true
	s.transcript = append(s.transcript, Message{
		Speaker: SpeakerCandidate,
		Text:    text,
		Phase:   s.phase,
		At:      time.Now(),
	})
	return nil
}

// CompleteSend 记录智能体的回复并释放发送槽。
// 即使会话在等待期间已被倒计时结束，回复也照常记录。返回会话此刻是否已完成。
func (s *Session) CompleteSend(turn *agent.Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	if turn.Phase != "" {
		s.phase = turn.Phase
	}
	s.transcript = append(s.transcript, Message{
		Speaker: SpeakerInterviewer,
		Text:    turn.Message,
		Phase:   s.phase,
		At:      time.Now(),
	})
	if turn.Done {
		s.markCompleteLocked(database.ReasonAgentComplete)
	}
	return s.complete
}

// AbortSend 在智能体调用失败时释放发送槽，并撤回未送达的回答以便重发。
func (s *Session) AbortSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	if n := len(s.transcript); n > 0 && s.transcript[n-1].Speaker == SpeakerCandidate {
		s.transcript = s.transcript[:n-1]
	}
}

// MarkComplete 以 reason 结束会话；已有原因时保留先到者。返回本次调用是否改变了状态。
func (s *Session) MarkComplete(reason database.CompletionReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCompleteLocked(reason)
}

// Quit 由候选人主动结束会话。
func (s *Session) Quit() bool {
	return s.MarkComplete(database.ReasonUserQuit)
}

func (s *Session) markCompleteLocked(reason database.CompletionReason) bool {
	if s.reason == "" {
		s.reason = reason
	}
	if s.complete {
		return false
	}
	s.complete = true
	return true
}

// Tick 将剩余时间减一秒。
// expired 仅在归零的那一次为 true；running 为 false 时计时器应停止。
func (s *Session) Tick() (expired, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		return false, false
	}
	if s.remaining > 0 {
		s.remaining--
	}
	if s.remaining > 0 {
		return false, true
	}

	s.complete = true
	if s.reason == "" {
		s.reason = database.ReasonTimeExpired
	}
	if s.notices == 0 {
		s.notices++
		s.transcript = append(s.transcript, Message{
			Speaker: SpeakerSystem,
			Text:    timeExpiredMessage,
			Notice:  NoticeTimeExpired,
			At:      time.Now(),
		})
	}
	return true, false
}

// Snapshot 返回当前状态的副本。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := agent.KnownPhase(s.phase)
	return Snapshot{
		ID:               s.info.ID,
		Owner:            s.info.Owner,
		ApplicationID:    s.info.ApplicationID,
		JobID:            s.info.JobID,
		Profile:          s.info.Profile,
		Phase:            s.phase,
		KnownPhase:       known,
		Transcript:       slices.Clone(s.transcript),
		RemainingSeconds: s.remaining,
		ElapsedSeconds:   s.total - s.remaining,
		Complete:         s.complete,
		CompletionReason: s.reason,
		Sending:          s.sending,
		StartedAt:        s.startedAt,
	}
}
