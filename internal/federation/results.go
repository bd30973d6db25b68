package federation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/store"
)

// Outcome 是智能体给出的最终评估。
type Outcome struct {
	Score               float64  `json:"score"`
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	Improvements        []string `json:"improvements"`
	CompletionReason    string   `json:"completion_reason"`
	DurationSeconds     int      `json:"duration_seconds"`
	TotalQuestions      int      `json:"total_questions"`
	TotalResponses      int      `json:"total_responses"`
	SkillsCovered       []string `json:"skills_covered"`
	RequirementsSummary string   `json:"requirements_summary"`
	TranscriptKey       string   `json:"transcript_key,omitempty"`
}

// interviewColumns 是面试结果写回投递时涉及的列，投递状态不在其中。
var interviewColumns = []string{
	"interview_score",
	"interview_summary",
	"interview_completed_at",
	"interview_duration_seconds",
	"interview_highlights",
	"interview_improvements",
	"interview_skills_covered",
	"interview_requirements_summary",
	"interview_completion_reason",
}

// RecordInterviewOutcome 把评估写到投递上，并按 application_id 覆盖写入面试结果。
// 投递必须属于 studentID，否则返回 ErrNotFound；同一投递重复写入只保留一条结果。
func (s *Service) RecordInterviewOutcome(ctx context.Context, applicationID, studentID uint, outcome Outcome) (*ApplicationView, *database.InterviewResult, error) {
	reason := database.CompletionReason(outcome.CompletionReason)
	if reason == "" {
		reason = database.ReasonUnknown
	}
	if !reason.Valid() {
		return nil, nil, fmt.Errorf("%w: invalid completion reason %q", errcode.ErrValidation, outcome.CompletionReason)
	}

	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	apps, err := s.applications(ctx)
	if err != nil {
		return nil, nil, err
	}
	users, err := s.students(ctx)
	if err != nil {
		return nil, nil, err
	}
	results, err := s.results(ctx)
	if err != nil {
		return nil, nil, err
	}

	app, err := ownedApplication(ctx, apps, applicationID, studentID)
	if err != nil {
		return nil, nil, err
	}
	job, err := s.optionalJob(ctx, jobs, app.JobID)
	if err != nil {
		return nil, nil, err
	}
	student, err := s.optionalStudent(ctx, users, studentID)
	if err != nil {
		return nil, nil, err
	}

	completedAt := time.Now().UTC()
	score := outcome.Score
	updated, err := apps.Update(ctx, app.ID, func(a *database.Application) error {
		a.InterviewScore = &score
		a.InterviewSummary = outcome.Summary
		a.InterviewCompletedAt = &completedAt
		a.InterviewDurationSeconds = outcome.DurationSeconds
		a.InterviewHighlights = datatypes.JSONSlice[string](outcome.Strengths)
		a.InterviewImprovements = datatypes.JSONSlice[string](outcome.Improvements)
		a.InterviewSkillsCovered = datatypes.JSONSlice[string](outcome.SkillsCovered)
		a.InterviewRequirementsSummary = outcome.RequirementsSummary
		a.InterviewCompletionReason = string(reason)
		return nil
	}, interviewColumns...)
	if err != nil {
		return nil, nil, err
	}

	result := &database.InterviewResult{
		UserID:              studentID,
		ApplicationID:       app.ID,
		JobID:               app.JobID,
		JobSnapshot:         datatypes.NewJSONType(jobSnapshot(app.JobID, job)),
		UserSnapshot:        datatypes.NewJSONType(userSnapshot(studentID, student)),
		Score:               outcome.Score,
		DurationSeconds:     outcome.DurationSeconds,
		TotalQuestions:      outcome.TotalQuestions,
		TotalResponses:      outcome.TotalResponses,
		CompletionReason:    string(reason),
		Summary:             outcome.Summary,
		Strengths:           datatypes.JSONSlice[string](outcome.Strengths),
		Improvements:        datatypes.JSONSlice[string](outcome.Improvements),
		SkillsCovered:       datatypes.JSONSlice[string](outcome.SkillsCovered),
		RequirementsSummary: outcome.RequirementsSummary,
		TranscriptKey:       outcome.TranscriptKey,
	}
	if err := results.Upsert(ctx, result, "application_id"); err != nil {
		return nil, nil, err
	}
	stored, err := results.FindOne(ctx, store.Query{Where: map[string]any{"application_id": app.ID}})
	if err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "interview outcome recorded",
		slog.Uint64("application_id", uint64(app.ID)),
		slog.Float64("score", outcome.Score),
		slog.String("completion_reason", string(reason)),
	)
	return newApplicationView(updated, student, job), stored, nil
}

// InterviewResultFor 返回投递的面试结果。学生只能查看自己的投递，招聘方只能查看自己岗位的投递。
func (s *Service) InterviewResultFor(ctx context.Context, applicationID uint, who Identity) (*database.InterviewResult, error) {
	results, err := s.results(ctx)
	if err != nil {
		return nil, err
	}

	switch who.Role {
	case database.RoleStudent:
		apps, err := s.applications(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := ownedApplication(ctx, apps, applicationID, who.UserID); err != nil {
			return nil, err
		}
	case database.RoleRecruiter:
	default:
		return nil, fmt.Errorf("%w: role %q cannot read interview results", errcode.ErrForbidden, who.Role)
	}

	result, err := results.FindOne(ctx, store.Query{Where: map[string]any{"application_id": applicationID}})
	if err != nil {
		return nil, fmt.Errorf("interview result for application %d: %w", applicationID, err)
	}

	if who.Role == database.RoleRecruiter {
		jobs, err := s.jobs(ctx)
		if err != nil {
			return nil, err
		}
		job, err := s.optionalJob(ctx, jobs, result.JobID)
		if err != nil {
			return nil, err
		}
		if job == nil || job.PostedBy != who.UserID {
			return nil, fmt.Errorf("%w: application %d belongs to another recruiter's job", errcode.ErrForbidden, applicationID)
		}
	}
	return result, nil
}

func jobSnapshot(jobID uint, job *database.Job) database.JobSnapshot {
	if job == nil {
		return database.JobSnapshot{JobID: jobID}
	}
	return database.JobSnapshot{
		JobID:      job.ID,
		Title:      job.Title,
		Company:    job.Company,
		Type:       job.Type,
		Experience: job.Experience,
	}
}

func userSnapshot(userID uint, user *database.User) database.UserSnapshot {
	if user == nil {
		return database.UserSnapshot{UserID: userID}
	}
	return database.UserSnapshot{UserID: user.ID, Username: user.Username, Email: user.Email}
}
