package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"aiInterview/internal/database"
	"aiInterview/internal/federation"
)

// JobHandler 处理岗位的浏览与招聘方的维护。
type JobHandler struct {
	federation *federation.Service
}

// NewJobHandler 构造岗位处理器。
func NewJobHandler(svc *federation.Service) *JobHandler {
	return &JobHandler{federation: svc}
}

type jobResponse struct {
	ID                       uint      `json:"id"`
	Title                    string    `json:"title"`
	Company                  string    `json:"company"`
	Location                 string    `json:"location"`
	Experience               string    `json:"experience"`
	Type                     string    `json:"type"`
	Salary                   string    `json:"salary,omitempty"`
	Remote                   bool      `json:"remote"`
	Tags                     []string  `json:"tags"`
	Category                 string    `json:"category,omitempty"`
	Urgent                   bool      `json:"urgent"`
	Verified                 bool      `json:"verified"`
	Description              string    `json:"description,omitempty"`
	Logo                     string    `json:"logo,omitempty"`
	InterviewDurationMinutes int       `json:"interview_duration_minutes"`
	PostedBy                 uint      `json:"posted_by"`
	PostedAt                 time.Time `json:"posted_at"`
}

func newJobResponse(j *database.Job) jobResponse {
	tags := []string(j.Tags)
	if tags == nil {
		tags = []string{}
	}
	return jobResponse{
		ID:                       j.ID,
		Title:                    j.Title,
		Company:                  j.Company,
		Location:                 j.Location,
		Experience:               j.Experience,
		Type:                     j.Type,
		Salary:                   j.Salary,
		Remote:                   j.Remote,
		Tags:                     tags,
		Category:                 j.Category,
		Urgent:                   j.Urgent,
		Verified:                 j.Verified,
		Description:              j.Description,
		Logo:                     j.Logo,
		InterviewDurationMinutes: j.InterviewDurationMinutes,
		PostedBy:                 j.PostedBy,
		PostedAt:                 j.PostedAt,
	}
}

func newJobResponses(jobs []database.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, newJobResponse(&jobs[i]))
	}
	return out
}

// ListJobs 公开的岗位列表，支持 q/category/type/remote/urgent/verified/page/page_size。
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := federation.JobFilter{
		Query:    c.Query("q"),
		Category: c.Query("category"),
		Type:     c.Query("type"),
		Remote:   queryBool(c, "remote"),
		Urgent:   queryBool(c, "urgent"),
		Verified: queryBool(c, "verified"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.Query("page_size"))

	page, err := h.federation.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     newJobResponses(page.Items),
		"total":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
	})
}

// GetJob 返回单个岗位。
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	job, err := h.federation.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

// CreateJob 招聘方发布岗位。
func (h *JobHandler) CreateJob(c *gin.Context) {
	recruiterID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var in federation.JobInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, err.Error())
		return
	}
	job, err := h.federation.CreateJob(c.Request.Context(), recruiterID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newJobResponse(job))
}

// UpdateJob 发布者修改岗位。
func (h *JobHandler) UpdateJob(c *gin.Context) {
	recruiterID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	jobID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var in federation.JobInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, err.Error())
		return
	}
	job, err := h.federation.UpdateJob(c.Request.Context(), jobID, recruiterID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

// DeleteJob 发布者删除岗位。已有投递保留，岗位信息显示为空。
func (h *JobHandler) DeleteJob(c *gin.Context) {
	recruiterID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	jobID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.federation.DeleteJob(c.Request.Context(), jobID, recruiterID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SavedJobs 返回学生收藏的岗位。
func (h *JobHandler) SavedJobs(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	jobs, err := h.federation.SavedJobs(c.Request.Context(), studentID)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}
	c.JSON(http.StatusOK, out)
}

// SaveJob 收藏岗位，重复收藏无副作用。
func (h *JobHandler) SaveJob(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	jobID, ok := uintParam(c, "jobId")
	if !ok {
		return
	}
	saved, err := h.federation.SaveJob(c.Request.Context(), studentID, jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved_jobs": saved})
}

// UnsaveJob 取消收藏。
func (h *JobHandler) UnsaveJob(c *gin.Context) {
	studentID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	jobID, ok := uintParam(c, "jobId")
	if !ok {
		return
	}
	saved, err := h.federation.UnsaveJob(c.Request.Context(), studentID, jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved_jobs": saved})
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}
