// Package agent 定义与远端面试智能体的契约。
package agent

import (
	"context"
	"slices"
)

// 智能体声明的阶段顺序，仅用于展示。阶段由智能体给出，本地不推导转换。
var phaseOrder = []string{
	"introduction",
	"technical-basic",
	"technical-intermediate",
	"technical-advanced",
	"behavioral",
	"closing",
}

// KnownPhase 返回阶段在声明顺序中的位置；未知阶段返回 -1, false。
func KnownPhase(phase string) (int, bool) {
	idx := slices.Index(phaseOrder, phase)
	return idx, idx >= 0
}

// Profile 是候选人画像。
type Profile struct {
	Role       string `json:"role"`
	Experience string `json:"experience"`
	Company    string `json:"company"`
	Skills     string `json:"skills"`
	Focus      string `json:"focus"`
	Industry   string `json:"industry"`
}

// Turn 是智能体的一次回复。
type Turn struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Phase     string `json:"phase"`
	Done      bool   `json:"done"`
}

// Evaluation 是 finalize 返回的评估。
type Evaluation struct {
	SessionID           string   `json:"sessionId"`
	Role                string   `json:"role"`
	Company             string   `json:"company"`
	Score               float64  `json:"score"`
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	Improvements        []string `json:"improvements"`
	CompletionReason    string   `json:"completionReason"`
	DurationSeconds     int      `json:"durationSeconds"`
	TotalQuestions      int      `json:"totalQuestions"`
	TotalResponses      int      `json:"totalResponses"`
	SkillsCovered       []string `json:"skillsCovered"`
	RequirementsSummary string   `json:"requirementsSummary"`
}

// Client 是编排器需要的最小智能体接口。
type Client interface {
	Start(ctx context.Context, profile Profile) (*Turn, error)
	SendMessage(ctx context.Context, sessionID, text string) (*Turn, error)
	Finalize(ctx context.Context, sessionID, completionReason string, durationSeconds int) (*Evaluation, error)
	Release(ctx context.Context, sessionID string) error
}
