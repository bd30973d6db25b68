package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aiInterview/internal/api/middleware"
	"aiInterview/internal/database"
	"aiInterview/internal/federation"
)

const transcriptLinkTTL = 15 * time.Minute

// TranscriptLinker 生成对话记录的限时下载链接。
type TranscriptLinker interface {
	PresignedTranscriptURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ApplicationHandler 处理投递、状态流转与面试结果。
type ApplicationHandler struct {
	federation *federation.Service
	links      TranscriptLinker
}

// NewApplicationHandler 构造投递处理器。links 为空时结果中不含下载链接。
func NewApplicationHandler(svc *federation.Service, links TranscriptLinker) *ApplicationHandler {
	return &ApplicationHandler{federation: svc, links: links}
}

type applyRequest struct {
	JobID uint   `json:"job_id" binding:"required"`
	Notes string `json:"notes" binding:"max=2000"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

type interviewResultResponse struct {
	ID                  uint                  `json:"id"`
	ApplicationID       uint                  `json:"application_id"`
	Job                 database.JobSnapshot  `json:"job"`
	Candidate           database.UserSnapshot `json:"candidate"`
	Score               float64               `json:"score"`
	Summary             string                `json:"summary"`
	Strengths           []string              `json:"strengths"`
	Improvements        []string              `json:"improvements"`
	SkillsCovered       []string              `json:"skills_covered"`
	RequirementsSummary string                `json:"requirements_summary,omitempty"`
	CompletionReason    string                `json:"completion_reason"`
	DurationSeconds     int                   `json:"duration_seconds"`
	TotalQuestions      int                   `json:"total_questions"`
	TotalResponses      int                   `json:"total_responses"`
	TranscriptURL       string                `json:"transcript_url,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

func newInterviewResultResponse(r *database.InterviewResult) interviewResultResponse {
	return interviewResultResponse{
		ID:                  r.ID,
		ApplicationID:       r.ApplicationID,
		Job:                 r.JobSnapshot.Data(),
		Candidate:           r.UserSnapshot.Data(),
		Score:               r.Score,
		Summary:             r.Summary,
		Strengths:           nonNil(r.Strengths),
		Improvements:        nonNil(r.Improvements),
		SkillsCovered:       nonNil(r.SkillsCovered),
		RequirementsSummary: r.RequirementsSummary,
		CompletionReason:    r.CompletionReason,
		DurationSeconds:     r.DurationSeconds,
		TotalQuestions:      r.TotalQuestions,
		TotalResponses:      r.TotalResponses,
		UpdatedAt:           r.UpdatedAt,
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Apply 学生投递岗位。
func (h *ApplicationHandler) Apply(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	view, err := h.federation.ApplyToJob(c.Request.Context(), studentID, req.JobID, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Mine 返回当前学生的投递。
func (h *ApplicationHandler) Mine(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	views, err := h.federation.MyApplications(c.Request.Context(), studentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// ForJob 返回岗位收到的投递，仅发布者可见。
func (h *ApplicationHandler) ForJob(c *gin.Context) {
	recruiterID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	jobID, ok := uintParam(c, "jobId")
	if !ok {
		return
	}
	views, err := h.federation.ApplicationsForJob(c.Request.Context(), jobID, recruiterID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// UpdateStatus 招聘方推进投递状态。
func (h *ApplicationHandler) UpdateStatus(c *gin.Context) {
	recruiterID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	appID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	view, err := h.federation.UpdateApplicationStatus(c.Request.Context(), appID, req.Status, recruiterID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RecordInterview 学生直接提交一份评估，覆盖之前的结果。
func (h *ApplicationHandler) RecordInterview(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	appID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var outcome federation.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		BadRequest(c, err.Error())
		return
	}
	view, result, err := h.federation.RecordInterviewOutcome(c.Request.Context(), appID, studentID, outcome)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"application": view,
		"result":      newInterviewResultResponse(result),
	})
}

// InterviewResult 返回投递的面试结果，归档过对话记录时附带限时下载链接。
func (h *ApplicationHandler) InterviewResult(c *gin.Context) {
	who, ok := identityFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	appID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	result, err := h.federation.InterviewResultFor(ctx, appID, who)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := newInterviewResultResponse(result)
	if h.links != nil && result.TranscriptKey != "" {
		url, err := h.links.PresignedTranscriptURL(ctx, result.TranscriptKey, transcriptLinkTTL)
		if err != nil {
			middleware.LoggerFromContext(c).Warn("presign transcript failed",
				slog.Uint64("application_id", uint64(appID)),
				slog.Any("error", err),
			)
		} else {
			resp.TranscriptURL = url
		}
	}
	c.JSON(http.StatusOK, resp)
}
