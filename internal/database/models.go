package database

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aiInterview/internal/errcode"
)

// 账号角色。
const (
	UserRoleStudent   = "student"
	UserRoleRecruiter = "recruiter"
	UserRoleAdmin     = "admin"
)

// 投递状态。
const (
	StatusSubmitted = "submitted"
	StatusInterview = "interview"
	StatusOffer     = "offer"
	StatusRejected  = "rejected"
)

// CompletionReason 记录面试结束的原因。
type CompletionReason string

const (
	ReasonAgentComplete CompletionReason = "agent-complete"
	ReasonTimeExpired   CompletionReason = "time-expired"
	ReasonUserQuit      CompletionReason = "user-quit"
	ReasonUnknown       CompletionReason = "unknown"
)

// Valid 判断是否为已知原因。
func (r CompletionReason) Valid() bool {
	switch r {
	case ReasonAgentComplete, ReasonTimeExpired, ReasonUserQuit, ReasonUnknown:
		return true
	}
	return false
}

var jobTypes = []string{"Full-time", "Contract", "Part-time", "Internship"}

// ValidApplicationStatus 判断投递状态是否在允许的枚举内。
func ValidApplicationStatus(status string) bool {
	switch status {
	case StatusSubmitted, StatusInterview, StatusOffer, StatusRejected:
		return true
	}
	return false
}

// UserProfile 是学生的面试画像。
type UserProfile struct {
	FullName      string   `json:"full_name,omitempty"`
	Experience    string   `json:"experience,omitempty"`
	TargetCompany string   `json:"target_company,omitempty"`
	Focus         string   `json:"focus,omitempty"`
	Industry      string   `json:"industry,omitempty"`
	Skills        []string `json:"skills,omitempty"`
}

// User 表示某个角色分区中的账号。
type User struct {
	gorm.Model
	Username           string                          `gorm:"uniqueIndex;size:64"`
	Email              string                          `gorm:"uniqueIndex;size:255"`
	PasswordHash       string                          `gorm:"size:255"`
	Role               string                          `gorm:"size:16"`
	MustChangePassword bool                            `gorm:"default:false"`
	Profile            datatypes.JSONType[UserProfile] `gorm:"type:jsonb"`
	SavedJobs          datatypes.JSONSlice[uint]       `gorm:"type:jsonb"`
}

// Validate 校验必填字段与角色枚举。
func (u *User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("%w: username is required", errcode.ErrValidation)
	}
	if len(u.Username) > 64 {
		return fmt.Errorf("%w: username too long", errcode.ErrValidation)
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("%w: invalid email", errcode.ErrValidation)
	}
	if u.PasswordHash == "" {
		return fmt.Errorf("%w: password hash is required", errcode.ErrValidation)
	}
	switch u.Role {
	case UserRoleStudent, UserRoleRecruiter, UserRoleAdmin:
	default:
		return fmt.Errorf("%w: invalid role %q", errcode.ErrValidation, u.Role)
	}
	return nil
}

// BeforeSave 统一邮箱大小写。
func (u *User) BeforeSave(_ *gorm.DB) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return nil
}

// Job 由招聘方发布，存放在 recruiter 分区。
type Job struct {
	gorm.Model
	Title                    string                      `gorm:"size:255"`
	Company                  string                      `gorm:"size:255"`
	Location                 string                      `gorm:"size:255"`
	Experience               string                      `gorm:"size:64;default:'Entry Level'"`
	Type                     string                      `gorm:"size:32;default:'Full-time'"`
	Salary                   string                      `gorm:"size:64"`
	Remote                   bool                        `gorm:"default:false"`
	Tags                     datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Category                 string                      `gorm:"size:64;index"`
	Urgent                   bool                        `gorm:"default:false"`
	Verified                 bool                        `gorm:"default:false"`
	Description              string                      `gorm:"type:text"`
	Logo                     string                      `gorm:"size:512"`
	InterviewDurationMinutes int                         `gorm:"default:20"`
	PostedBy                 uint                        `gorm:"index"`
	PostedAt                 time.Time                   `gorm:"index"`
}

// Validate 校验岗位字段。
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Title) == "" {
		return fmt.Errorf("%w: title is required", errcode.ErrValidation)
	}
	if strings.TrimSpace(j.Company) == "" {
		return fmt.Errorf("%w: company is required", errcode.ErrValidation)
	}
	if j.Type == "" {
		j.Type = "Full-time"
	}
	if !slices.Contains(jobTypes, j.Type) {
		return fmt.Errorf("%w: invalid job type %q", errcode.ErrValidation, j.Type)
	}
	if j.Experience == "" {
		j.Experience = "Entry Level"
	}
	if j.InterviewDurationMinutes == 0 {
		j.InterviewDurationMinutes = 20
	}
	if j.InterviewDurationMinutes < 1 || j.InterviewDurationMinutes > 180 {
		return fmt.Errorf("%w: interview duration must be within 1..180 minutes", errcode.ErrValidation)
	}
	if j.PostedBy == 0 {
		return fmt.Errorf("%w: postedBy is required", errcode.ErrValidation)
	}
	if j.PostedAt.IsZero() {
		j.PostedAt = time.Now().UTC()
	}
	return nil
}

// Application 表示学生对岗位的投递，存放在 student 分区。
// JobID 是跨分区引用，只保存 ID，不建外键。
type Application struct {
	gorm.Model
	UserID                       uint                        `gorm:"uniqueIndex:idx_application_user_job,priority:1"`
	JobID                        uint                        `gorm:"uniqueIndex:idx_application_user_job,priority:2;index"`
	Status                       string                      `gorm:"size:16;default:'submitted'"`
	Notes                        string                      `gorm:"type:text"`
	InterviewScore               *float64
	InterviewSummary             string                      `gorm:"type:text"`
	InterviewCompletedAt         *time.Time
	InterviewDurationSeconds     int
	InterviewHighlights          datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	InterviewImprovements        datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	InterviewSkillsCovered       datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	InterviewRequirementsSummary string                      `gorm:"type:text"`
	InterviewCompletionReason    string                      `gorm:"size:32"`
}

// Validate 校验投递状态与面试得分。
func (a *Application) Validate() error {
	if a.UserID == 0 {
		return fmt.Errorf("%w: user is required", errcode.ErrValidation)
	}
	if a.JobID == 0 {
		return fmt.Errorf("%w: job is required", errcode.ErrValidation)
	}
	if a.Status == "" {
		a.Status = StatusSubmitted
	}
	if !ValidApplicationStatus(a.Status) {
		return fmt.Errorf("%w: invalid status %q", errcode.ErrValidation, a.Status)
	}
	if a.InterviewScore != nil {
		if err := validScore(*a.InterviewScore); err != nil {
			return err
		}
	}
	if a.InterviewCompletionReason != "" && !CompletionReason(a.InterviewCompletionReason).Valid() {
		return fmt.Errorf("%w: invalid completion reason %q", errcode.ErrValidation, a.InterviewCompletionReason)
	}
	return nil
}

// JobSnapshot 是写入面试结果时对岗位的冗余快照。
type JobSnapshot struct {
	JobID      uint   `json:"job_id"`
	Title      string `json:"title"`
	Company    string `json:"company"`
	Type       string `json:"type"`
	Experience string `json:"experience"`
}

// UserSnapshot 是写入面试结果时对学生身份的冗余快照。
type UserSnapshot struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// InterviewResult 保存一次面试的评估，每个投递至多一条。
type InterviewResult struct {
	gorm.Model
	UserID              uint                             `gorm:"index"`
	ApplicationID       uint                             `gorm:"uniqueIndex"`
	JobID               uint                             `gorm:"index"`
	JobSnapshot         datatypes.JSONType[JobSnapshot]  `gorm:"type:jsonb"`
	UserSnapshot        datatypes.JSONType[UserSnapshot] `gorm:"type:jsonb"`
	Score               float64
	DurationSeconds     int
	TotalQuestions      int
	TotalResponses      int
	CompletionReason    string                           `gorm:"size:32;default:'unknown'"`
	Summary             string                           `gorm:"type:text"`
	Strengths           datatypes.JSONSlice[string]      `gorm:"type:jsonb"`
	Improvements        datatypes.JSONSlice[string]      `gorm:"type:jsonb"`
	SkillsCovered       datatypes.JSONSlice[string]      `gorm:"type:jsonb"`
	RequirementsSummary string                           `gorm:"type:text"`
	TranscriptKey       string                           `gorm:"size:512"`
}

// Validate 校验得分区间与结束原因。
func (r *InterviewResult) Validate() error {
	if r.UserID == 0 || r.ApplicationID == 0 || r.JobID == 0 {
		return fmt.Errorf("%w: user, application and job are required", errcode.ErrValidation)
	}
	if err := validScore(r.Score); err != nil {
		return err
	}
	if r.CompletionReason == "" {
		r.CompletionReason = string(ReasonUnknown)
	}
	if !CompletionReason(r.CompletionReason).Valid() {
		return fmt.Errorf("%w: invalid completion reason %q", errcode.ErrValidation, r.CompletionReason)
	}
	if r.DurationSeconds < 0 || r.TotalQuestions < 0 || r.TotalResponses < 0 {
		return fmt.Errorf("%w: counters must not be negative", errcode.ErrValidation)
	}
	return nil
}

func validScore(score float64) error {
	if score < 0 || score > 10 {
		return fmt.Errorf("%w: score %.2f outside [0,10]", errcode.ErrValidation, score)
	}
	return nil
}
