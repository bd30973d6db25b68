// Package federation 在应用层完成跨分区的查询与写入。
// 岗位存放在 recruiter 分区，投递、学生与面试结果存放在 student 分区；
// 只有本包知道两者之间的引用关系，其余组件把 ID 当作不透明值。
package federation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/store"
)

// enrichLimit 限制列表补全时并发的分区查询数量。
const enrichLimit = 8

// Identity 是已通过认证的调用方。
type Identity struct {
	UserID uint
	Role   database.Role
}

// UserSummary 只暴露申请人的用户名和邮箱。
type UserSummary struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// JobSummary 是投递视图中嵌入的岗位信息。
type JobSummary struct {
	ID                       uint     `json:"id"`
	Title                    string   `json:"title"`
	Company                  string   `json:"company"`
	Location                 string   `json:"location"`
	Type                     string   `json:"type"`
	Salary                   string   `json:"salary"`
	Tags                     []string `json:"tags"`
	PostedBy                 uint     `json:"posted_by"`
	InterviewDurationMinutes int      `json:"interview_duration_minutes"`
}

// InterviewSummary 是投递上记录的面试结果摘要。
type InterviewSummary struct {
	Score               *float64   `json:"score,omitempty"`
	Summary             string     `json:"summary,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	DurationSeconds     int        `json:"duration_seconds,omitempty"`
	Highlights          []string   `json:"highlights,omitempty"`
	Improvements        []string   `json:"improvements,omitempty"`
	SkillsCovered       []string   `json:"skills_covered,omitempty"`
	RequirementsSummary string     `json:"requirements_summary,omitempty"`
	CompletionReason    string     `json:"completion_reason,omitempty"`
}

// ApplicationView 合并了两个分区的数据。Job 为 nil 表示岗位已被删除。
type ApplicationView struct {
	ID        uint              `json:"id"`
	Status    string            `json:"status"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	User      *UserSummary      `json:"user,omitempty"`
	Job       *JobSummary       `json:"job"`
	Interview *InterviewSummary `json:"interview,omitempty"`
}

// Service 组合各分区的访问器。
type Service struct {
	accessors *store.Accessors
	logger    *slog.Logger
}

// NewService 创建联邦服务。
func NewService(accessors *store.Accessors, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{accessors: accessors, logger: logger}
}

func (s *Service) jobs(ctx context.Context) (*store.Accessor[database.Job], error) {
	return store.For[database.Job](ctx, s.accessors, database.RoleRecruiter)
}

func (s *Service) applications(ctx context.Context) (*store.Accessor[database.Application], error) {
	return store.For[database.Application](ctx, s.accessors, database.RoleStudent)
}

func (s *Service) results(ctx context.Context) (*store.Accessor[database.InterviewResult], error) {
	return store.For[database.InterviewResult](ctx, s.accessors, database.RoleStudent)
}

func (s *Service) students(ctx context.Context) (*store.Accessor[database.User], error) {
	return store.For[database.User](ctx, s.accessors, database.RoleStudent)
}

// optionalJob 读取岗位，岗位不存在时返回 nil 而不是错误。
func (s *Service) optionalJob(ctx context.Context, jobs *store.Accessor[database.Job], id uint) (*database.Job, error) {
	job, err := jobs.FindByID(ctx, id)
	if errors.Is(err, errcode.ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// optionalStudent 读取学生身份，账号不存在时返回 nil。
func (s *Service) optionalStudent(ctx context.Context, users *store.Accessor[database.User], id uint) (*database.User, error) {
	user, err := users.FindByID(ctx, id)
	if errors.Is(err, errcode.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func summarizeJob(job *database.Job) *JobSummary {
	if job == nil {
		return nil
	}
	return &JobSummary{
		ID:                       job.ID,
		Title:                    job.Title,
		Company:                  job.Company,
		Location:                 job.Location,
		Type:                     job.Type,
		Salary:                   job.Salary,
		Tags:                     []string(job.Tags),
		PostedBy:                 job.PostedBy,
		InterviewDurationMinutes: job.InterviewDurationMinutes,
	}
}

func summarizeUser(user *database.User) *UserSummary {
	if user == nil {
		return nil
	}
	return &UserSummary{ID: user.ID, Username: user.Username, Email: user.Email}
}

func newApplicationView(app *database.Application, user *database.User, job *database.Job) *ApplicationView {
	view := &ApplicationView{
		ID:        app.ID,
		Status:    app.Status,
		Notes:     app.Notes,
		CreatedAt: app.CreatedAt,
		User:      summarizeUser(user),
		Job:       summarizeJob(job),
	}
	if app.InterviewCompletedAt != nil || app.InterviewScore != nil {
		view.Interview = &InterviewSummary{
			Score:               app.InterviewScore,
			Summary:             app.InterviewSummary,
			CompletedAt:         app.InterviewCompletedAt,
			DurationSeconds:     app.InterviewDurationSeconds,
			Highlights:          []string(app.InterviewHighlights),
			Improvements:        []string(app.InterviewImprovements),
			SkillsCovered:       []string(app.InterviewSkillsCovered),
			RequirementsSummary: app.InterviewRequirementsSummary,
			CompletionReason:    app.InterviewCompletionReason,
		}
	}
	return view
}
