package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/store"
)

// ApplyToJob 为学生创建一条投递。岗位不存在返回 ErrNotFound，重复投递返回 ErrConflict。
func (s *Service) ApplyToJob(ctx context.Context, studentID, jobID uint, notes string) (*ApplicationView, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.applications(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.students(ctx)
	if err != nil {
		return nil, err
	}

	job, err := jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", jobID, err)
	}

	_, err = apps.FindOne(ctx, store.Query{Where: map[string]any{"user_id": studentID, "job_id": jobID}})
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: already applied to job %d", errcode.ErrConflict, jobID)
	case !errors.Is(err, errcode.ErrNotFound):
		return nil, err
	}

	// 读后写之间的窗口由 (user_id, job_id) 唯一索引兜底，并发的第二次写入同样返回 ErrConflict。
	app := &database.Application{
		UserID: studentID,
		JobID:  jobID,
		Status: database.StatusSubmitted,
		Notes:  notes,
	}
	if err := apps.Create(ctx, app); err != nil {
		return nil, err
	}

	student, err := s.optionalStudent(ctx, users, studentID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "application created",
		slog.Uint64("application_id", uint64(app.ID)),
		slog.Uint64("job_id", uint64(jobID)),
		slog.Uint64("student_id", uint64(studentID)),
	)
	return newApplicationView(app, student, job), nil
}

// ApplicationsForJob 返回岗位的全部投递及申请人身份，按创建时间倒序。
// 只有发布该岗位的招聘方可以查看。
func (s *Service) ApplicationsForJob(ctx context.Context, jobID, recruiterID uint) ([]*ApplicationView, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.applications(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.students(ctx)
	if err != nil {
		return nil, err
	}

	job, err := jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", jobID, err)
	}
	if job.PostedBy != recruiterID {
		return nil, fmt.Errorf("%w: job %d belongs to another recruiter", errcode.ErrForbidden, jobID)
	}

	list, err := apps.Find(ctx, store.Query{
		Where: map[string]any{"job_id": jobID},
		Order: "created_at desc, id desc",
	})
	if err != nil {
		return nil, err
	}

	views := make([]*ApplicationView, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichLimit)
	for i := range list {
		g.Go(func() error {
			student, err := s.optionalStudent(gctx, users, list[i].UserID)
			if err != nil {
				return err
			}
			views[i] = newApplicationView(&list[i], student, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// MyApplications 返回学生自己的投递。已删除的岗位以 nil 返回，不影响整个列表。
func (s *Service) MyApplications(ctx context.Context, studentID uint) ([]*ApplicationView, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.applications(ctx)
	if err != nil {
		return nil, err
	}

	list, err := apps.Find(ctx, store.Query{
		Where: map[string]any{"user_id": studentID},
		Order: "created_at desc, id desc",
	})
	if err != nil {
		return nil, err
	}

	views := make([]*ApplicationView, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichLimit)
	for i := range list {
		g.Go(func() error {
			job, err := s.optionalJob(gctx, jobs, list[i].JobID)
			if err != nil {
				return err
			}
			if job == nil {
				s.logger.DebugContext(gctx, "application references a deleted job",
					slog.Uint64("application_id", uint64(list[i].ID)),
					slog.Uint64("job_id", uint64(list[i].JobID)),
				)
			}
			views[i] = newApplicationView(&list[i], nil, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// UpdateApplicationStatus 由岗位所属的招聘方修改投递状态。
func (s *Service) UpdateApplicationStatus(ctx context.Context, applicationID uint, status string, recruiterID uint) (*ApplicationView, error) {
	if !database.ValidApplicationStatus(status) {
		return nil, fmt.Errorf("%w: invalid status %q", errcode.ErrValidation, status)
	}

	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.applications(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.students(ctx)
	if err != nil {
		return nil, err
	}

	app, err := apps.FindByID(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("application %d: %w", applicationID, err)
	}
	job, err := jobs.FindByID(ctx, app.JobID)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", app.JobID, err)
	}
	if job.PostedBy != recruiterID {
		return nil, fmt.Errorf("%w: application %d belongs to another recruiter's job", errcode.ErrForbidden, applicationID)
	}

	previous := app.Status
	updated, err := apps.Update(ctx, applicationID, func(a *database.Application) error {
		a.Status = status
		return nil
	}, "status")
	if err != nil {
		return nil, err
	}

	student, err := s.optionalStudent(ctx, users, updated.UserID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "application status updated",
		slog.Uint64("application_id", uint64(applicationID)),
		slog.String("from", previous),
		slog.String("to", status),
	)
	return newApplicationView(updated, student, job), nil
}

// InterviewContext 返回学生开始面试所需的投递与岗位。投递必须属于该学生。
func (s *Service) InterviewContext(ctx context.Context, applicationID, studentID uint) (*database.Application, *database.Job, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	apps, err := s.applications(ctx)
	if err != nil {
		return nil, nil, err
	}

	app, err := ownedApplication(ctx, apps, applicationID, studentID)
	if err != nil {
		return nil, nil, err
	}
	job, err := jobs.FindByID(ctx, app.JobID)
	if err != nil {
		return nil, nil, fmt.Errorf("job %d: %w", app.JobID, err)
	}
	return app, job, nil
}

// ownedApplication 按 (id, user_id) 读取投递，不匹配时与不存在一样返回 ErrNotFound。
func ownedApplication(ctx context.Context, apps *store.Accessor[database.Application], applicationID, studentID uint) (*database.Application, error) {
	app, err := apps.FindOne(ctx, store.Query{Where: map[string]any{"id": applicationID, "user_id": studentID}})
	if err != nil {
		return nil, fmt.Errorf("application %d: %w", applicationID, err)
	}
	return app, nil
}
