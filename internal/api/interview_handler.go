package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"aiInterview/internal/interview"
)

const finalizationWaitLimit = 25 * time.Second

// InterviewHandler 把面试会话暴露给学生。
type InterviewHandler struct {
	sessions *interview.Manager
}

// NewInterviewHandler 构造面试处理器。
func NewInterviewHandler(sessions *interview.Manager) *InterviewHandler {
	return &InterviewHandler{sessions: sessions}
}

type sendRequest struct {
	Message string `json:"message" binding:"required,max=8000"`
}

// Start 开始一场面试。带 application_id 时按岗位生成画像，否则是练习面试。
func (h *InterviewHandler) Start(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var req interview.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.ApplicationID == 0 && strings.TrimSpace(req.Profile.Role) == "" {
		BadRequest(c, "profile.role is required for practice interviews")
		return
	}
	view, err := h.sessions.Start(c.Request.Context(), studentID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Get 返回会话状态。wait=true 时等待进行中的结束流程完成，最长 finalizationWaitLimit。
func (h *InterviewHandler) Get(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	id := c.Param("id")

	if queryBool(c, "wait") {
		ctx, cancel := context.WithTimeout(c.Request.Context(), finalizationWaitLimit)
		defer cancel()
		view, err := h.sessions.Wait(ctx, studentID, id)
		if err == nil {
			c.JSON(http.StatusOK, view)
			return
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			respondError(c, err)
			return
		}
	}

	view, err := h.sessions.Get(studentID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Send 提交候选人的回答并返回智能体的下一句。
func (h *InterviewHandler) Send(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	view, err := h.sessions.Send(c.Request.Context(), studentID, c.Param("id"), req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Quit 由候选人提前结束。
func (h *InterviewHandler) Quit(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	view, err := h.sessions.Quit(c.Request.Context(), studentID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// Retry 在结束失败后重新评估。
func (h *InterviewHandler) Retry(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	view, err := h.sessions.Retry(c.Request.Context(), studentID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// Abandon 丢弃会话。
func (h *InterviewHandler) Abandon(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	if err := h.sessions.Abandon(c.Request.Context(), studentID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
