package federation

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"aiInterview/internal/database"
)

// SaveJob 把岗位加入学生的收藏，重复收藏不报错。
func (s *Service) SaveJob(ctx context.Context, studentID, jobID uint) ([]uint, error) {
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := jobs.FindByID(ctx, jobID); err != nil {
		return nil, fmt.Errorf("job %d: %w", jobID, err)
	}

	users, err := s.students(ctx)
	if err != nil {
		return nil, err
	}
	user, err := users.Update(ctx, studentID, func(u *database.User) error {
		if !slices.Contains(u.SavedJobs, jobID) {
			u.SavedJobs = append(u.SavedJobs, jobID)
		}
		return nil
	}, "saved_jobs")
	if err != nil {
		return nil, err
	}
	return []uint(user.SavedJobs), nil
}

// UnsaveJob 从收藏中移除岗位。
func (s *Service) UnsaveJob(ctx context.Context, studentID, jobID uint) ([]uint, error) {
	users, err := s.students(ctx)
	if err != nil {
		return nil, err
	}
	user, err := users.Update(ctx, studentID, func(u *database.User) error {
		u.SavedJobs = slices.DeleteFunc(u.SavedJobs, func(id uint) bool { return id == jobID })
		return nil
	}, "saved_jobs")
	if err != nil {
		return nil, err
	}
	return []uint(user.SavedJobs), nil
}

// SavedJobs 从 recruiter 分区解析学生收藏的岗位，已删除的岗位被跳过。
func (s *Service) SavedJobs(ctx context.Context, studentID uint) ([]*database.Job, error) {
	users, err := s.students(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}

	user, err := users.FindByID(ctx, studentID)
	if err != nil {
		return nil, err
	}

	resolved := make([]*database.Job, len(user.SavedJobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichLimit)
	for i, id := range user.SavedJobs {
		g.Go(func() error {
			job, err := s.optionalJob(gctx, jobs, id)
			if err != nil {
				return err
			}
			resolved[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(resolved, func(j *database.Job) bool { return j == nil }), nil
}
