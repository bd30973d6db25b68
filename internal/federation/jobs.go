package federation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// JobInput 是招聘方可编辑的岗位字段。
type JobInput struct {
	Title                    string   `json:"title"`
	Company                  string   `json:"company"`
	Location                 string   `json:"location"`
	Experience               string   `json:"experience"`
	Type                     string   `json:"type"`
	Salary                   string   `json:"salary"`
	Remote                   bool     `json:"remote"`
	Tags                     []string `json:"tags"`
	Category                 string   `json:"category"`
	Urgent                   bool     `json:"urgent"`
	Verified                 bool     `json:"verified"`
	Description              string   `json:"description"`
	Logo                     string   `json:"logo"`
	InterviewDurationMinutes int      `json:"interview_duration_minutes"`
}

// jobColumns 是 JobInput 可以修改的列。
var jobColumns = []string{
	"title", "company", "location", "experience", "type", "salary", "remote", "tags",
	"category", "urgent", "verified", "description", "logo", "interview_duration_minutes",
}

func (in JobInput) apply(job *database.Job) {
	job.Title = strings.TrimSpace(in.Title)
	job.Company = strings.TrimSpace(in.Company)
	job.Location = in.Location
	job.Experience = in.Experience
	job.Type = in.Type
	job.Salary = in.Salary
	job.Remote = in.Remote
	job.Tags = datatypes.JSONSlice[string](in.Tags)
	job.Category = in.Category
	job.Urgent = in.Urgent
	job.Verified = in.Verified
	job.Description = in.Description
	job.Logo = in.Logo
	job.InterviewDurationMinutes = in.InterviewDurationMinutes
}

// JobFilter 描述岗位列表的过滤与分页。"All" 与空值等价。
type JobFilter struct {
	Query    string
	Category string
	Type     string
	Remote   bool
	Urgent   bool
	Verified bool
	Page     int
	PageSize int
}

// JobPage 是一页岗位。
type JobPage struct {
	Items    []database.Job `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// CreateJob 以 recruiterID 为发布者创建岗位。
func (s *Service) CreateJob(ctx context.Context, recruiterID uint, in JobInput) (*database.Job, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	job := &database.Job{PostedBy: recruiterID}
	in.apply(job)
	if err := jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "job created",
		slog.Uint64("job_id", uint64(job.ID)),
		slog.Uint64("recruiter_id", uint64(recruiterID)),
	)
	return job, nil
}

// GetJob 按 ID 读取岗位。
func (s *Service) GetJob(ctx context.Context, jobID uint) (*database.Job, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	job, err := jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", jobID, err)
	}
	return job, nil
}

// UpdateJob 只允许发布者修改岗位。
func (s *Service) UpdateJob(ctx context.Context, jobID, recruiterID uint, in JobInput) (*database.Job, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	return jobs.Update(ctx, jobID, func(job *database.Job) error {
		if job.PostedBy != recruiterID {
			return fmt.Errorf("%w: job %d belongs to another recruiter", errcode.ErrForbidden, jobID)
		}
		in.apply(job)
		return nil
	}, jobColumns...)
}

// DeleteJob 只允许发布者删除岗位。引用该岗位的投递保留，读取时岗位为空。
func (s *Service) DeleteJob(ctx context.Context, jobID, recruiterID uint) error {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return err
	}
	job, err := jobs.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job %d: %w", jobID, err)
	}
	if job.PostedBy != recruiterID {
		return fmt.Errorf("%w: job %d belongs to another recruiter", errcode.ErrForbidden, jobID)
	}
	if err := jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job deleted", slog.Uint64("job_id", uint64(jobID)))
	return nil
}

// ListJobs 按发布时间倒序分页返回岗位。
func (s *Service) ListJobs(ctx context.Context, f JobFilter) (*JobPage, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}

	page := max(f.Page, 1)
	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)

	q := store.Query{
		Where:  map[string]any{},
		Order:  "posted_at desc, id desc",
		Limit:  size,
		Offset: (page - 1) * size,
	}
	if f.Category != "" && f.Category != "All" {
		q.Where["category"] = f.Category
	}
	if f.Type != "" && f.Type != "All" {
		q.Where["type"] = f.Type
	}
	if f.Remote {
		q.Where["remote"] = true
	}
	if f.Urgent {
		q.Where["urgent"] = true
	}
	if f.Verified {
		q.Where["verified"] = true
	}
	if term := strings.TrimSpace(f.Query); term != "" {
		q.Scopes = append(q.Scopes, matchText(term))
	}

	items, err := jobs.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	total, err := jobs.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []database.Job{}
	}
	return &JobPage{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// matchText 对标题、公司、地点与标签做不区分大小写的子串匹配。
func matchText(term string) func(*gorm.DB) *gorm.DB {
	pattern := "%" + strings.ToLower(escapeLike(term)) + "%"
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(company) LIKE ? ESCAPE '\' OR LOWER(location) LIKE ? ESCAPE '\' OR LOWER(CAST(tags AS TEXT)) LIKE ? ESCAPE '\')`,
			pattern, pattern, pattern, pattern,
		)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
