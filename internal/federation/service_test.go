package federation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiInterview/internal/database"
	"aiInterview/internal/database/dbtest"
	"aiInterview/internal/errcode"
	"aiInterview/internal/federation"
	"aiInterview/internal/store"
)

type fixture struct {
	svc       *federation.Service
	accessors *store.Accessors
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	accessors := store.NewAccessors(dbtest.NewRegistry(t))
	return &fixture{svc: federation.NewService(accessors, nil), accessors: accessors}
}

func (f *fixture) student(t *testing.T, name string) *database.User {
	t.Helper()
	users, err := store.For[database.User](context.Background(), f.accessors, database.RoleStudent)
	require.NoError(t, err)
	u := &database.User{
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "hash",
		Role:         database.UserRoleStudent,
	}
	require.NoError(t, users.Create(context.Background(), u))
	return u
}

func (f *fixture) job(t *testing.T, recruiterID uint, title string) *database.Job {
	t.Helper()
	job, err := f.svc.CreateJob(context.Background(), recruiterID, federation.JobInput{
		Title:   title,
		Company: "Acme",
		Tags:    []string{"go", "postgres"},
	})
	require.NoError(t, err)
	return job
}

func TestApplyToJobTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	job := f.job(t, 100, "Backend Engineer")

	view, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, database.StatusSubmitted, view.Status)
	require.NotNil(t, view.Job)
	assert.Equal(t, "Backend Engineer", view.Job.Title)
	require.NotNil(t, view.User)
	assert.Equal(t, "alice", view.User.Username)

	_, err = f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.ErrorIs(t, err, errcode.ErrConflict)
}

func TestApplyToJobConcurrentDuplicatesRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	job := f.job(t, 100, "Backend Engineer")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, errcode.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func TestApplyToMissingJob(t *testing.T) {
	f := newFixture(t)
	alice := f.student(t, "alice")

	_, err := f.svc.ApplyToJob(context.Background(), alice.ID, 404, "")
	require.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestApplicationsForJobOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, 100, "Backend Engineer")
	alice := f.student(t, "alice")
	bob := f.student(t, "bob")

	_, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)
	_, err = f.svc.ApplyToJob(ctx, bob.ID, job.ID, "")
	require.NoError(t, err)

	_, err = f.svc.ApplicationsForJob(ctx, job.ID, 200)
	require.ErrorIs(t, err, errcode.ErrForbidden)

	views, err := f.svc.ApplicationsForJob(ctx, job.ID, 100)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "bob", views[0].User.Username, "newest application first")
	assert.Equal(t, "alice", views[1].User.Username)
	assert.Equal(t, "bob@example.com", views[0].User.Email)
}

func TestMyApplicationsToleratesDeletedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	job := f.job(t, 100, "Backend Engineer")

	_, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteJob(ctx, job.ID, 100))

	views, err := f.svc.MyApplications(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Nil(t, views[0].Job)
}

func TestUpdateApplicationStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	job := f.job(t, 100, "Backend Engineer")
	view, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)

	_, err = f.svc.UpdateApplicationStatus(ctx, view.ID, "hired", 100)
	require.ErrorIs(t, err, errcode.ErrValidation)

	_, err = f.svc.UpdateApplicationStatus(ctx, view.ID, database.StatusInterview, 200)
	require.ErrorIs(t, err, errcode.ErrForbidden)

	updated, err := f.svc.UpdateApplicationStatus(ctx, view.ID, database.StatusInterview, 100)
	require.NoError(t, err)
	assert.Equal(t, database.StatusInterview, updated.Status)
	assert.Equal(t, "alice", updated.User.Username)
}

func TestRecordInterviewOutcomeOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	job := f.job(t, 100, "Backend Engineer")
	view, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)

	first := federation.Outcome{Score: 6, Summary: "solid", CompletionReason: "time-expired", TotalQuestions: 4}
	_, result, err := f.svc.RecordInterviewOutcome(ctx, view.ID, alice.ID, first)
	require.NoError(t, err)
	firstID := result.ID

	second := federation.Outcome{Score: 8.5, Summary: "strong", CompletionReason: "agent-complete", Strengths: []string{"design"}}
	appView, result, err := f.svc.RecordInterviewOutcome(ctx, view.ID, alice.ID, second)
	require.NoError(t, err)
	assert.Equal(t, firstID, result.ID)
	assert.Equal(t, "strong", result.Summary)
	assert.Equal(t, "Backend Engineer", result.JobSnapshot.Data().Title)
	assert.Equal(t, "alice", result.UserSnapshot.Data().Username)
	require.NotNil(t, appView.Interview)
	assert.InDelta(t, 8.5, *appView.Interview.Score, 0.001)

	results, err := store.For[database.InterviewResult](ctx, f.accessors, database.RoleStudent)
	require.NoError(t, err)
	count, err := results.Count(ctx, store.Query{Where: map[string]any{"application_id": view.ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStatusAndOutcomeWritesDoNotOverwriteEachOther(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")

	for i := range 20 {
		job := f.job(t, 100, fmt.Sprintf("Role %d", i))
		view, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.UpdateApplicationStatus(ctx, view.ID, database.StatusInterview, 100)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, _, err := f.svc.RecordInterviewOutcome(ctx, view.ID, alice.ID, federation.Outcome{Score: 7, Summary: "steady"})
			assert.NoError(t, err)
		}()
		wg.Wait()

		apps, err := f.svc.MyApplications(ctx, alice.ID)
		require.NoError(t, err)
		var got *federation.ApplicationView
		for _, a := range apps {
			if a.ID == view.ID {
				got = a
			}
		}
		require.NotNil(t, got)
		assert.Equal(t, database.StatusInterview, got.Status, "iteration %d", i)
		require.NotNil(t, got.Interview, "iteration %d", i)
		require.NotNil(t, got.Interview.Score, "iteration %d", i)
		assert.InDelta(t, 7.0, *got.Interview.Score, 0.001)
	}
}

func TestRecordInterviewOutcomeScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	mallory := f.student(t, "mallory")
	job := f.job(t, 100, "Backend Engineer")
	view, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)

	_, _, err = f.svc.RecordInterviewOutcome(ctx, view.ID, mallory.ID, federation.Outcome{Score: 10})
	require.ErrorIs(t, err, errcode.ErrNotFound)

	_, _, err = f.svc.RecordInterviewOutcome(ctx, view.ID, alice.ID, federation.Outcome{Score: 12})
	require.ErrorIs(t, err, errcode.ErrValidation)

	_, _, err = f.svc.RecordInterviewOutcome(ctx, view.ID, alice.ID, federation.Outcome{Score: 5, CompletionReason: "bored"})
	require.ErrorIs(t, err, errcode.ErrValidation)
}

func TestInterviewResultVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	bob := f.student(t, "bob")
	job := f.job(t, 100, "Backend Engineer")
	view, err := f.svc.ApplyToJob(ctx, alice.ID, job.ID, "")
	require.NoError(t, err)
	_, _, err = f.svc.RecordInterviewOutcome(ctx, view.ID, alice.ID, federation.Outcome{Score: 7})
	require.NoError(t, err)

	cases := []struct {
		name string
		who  federation.Identity
		want error
	}{
		{"owner student", federation.Identity{UserID: alice.ID, Role: database.RoleStudent}, nil},
		{"other student", federation.Identity{UserID: bob.ID, Role: database.RoleStudent}, errcode.ErrNotFound},
		{"job recruiter", federation.Identity{UserID: 100, Role: database.RoleRecruiter}, nil},
		{"other recruiter", federation.Identity{UserID: 200, Role: database.RoleRecruiter}, errcode.ErrForbidden},
		{"admin", federation.Identity{UserID: 1, Role: database.RoleMain}, errcode.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.svc.InterviewResultFor(ctx, view.ID, tc.who)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, 7.0, result.Score, 0.001)
		})
	}
}

func TestJobOwnershipAndListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 3 {
		f.job(t, 100, fmt.Sprintf("Engineer %d", i))
	}
	remote, err := f.svc.CreateJob(ctx, 100, federation.JobInput{Title: "Data Analyst", Company: "Globex", Remote: true, Type: "Contract"})
	require.NoError(t, err)

	_, err = f.svc.UpdateJob(ctx, remote.ID, 200, federation.JobInput{Title: "x", Company: "y"})
	require.ErrorIs(t, err, errcode.ErrForbidden)
	require.ErrorIs(t, f.svc.DeleteJob(ctx, remote.ID, 200), errcode.ErrForbidden)

	page, err := f.svc.ListJobs(ctx, federation.JobFilter{Query: "ENGINEER", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Items, 2)

	page, err = f.svc.ListJobs(ctx, federation.JobFilter{Remote: true, Type: "All"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Data Analyst", page.Items[0].Title)

	page, err = f.svc.ListJobs(ctx, federation.JobFilter{Query: "postgres"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
}

func TestSavedJobsSkipDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.student(t, "alice")
	kept := f.job(t, 100, "Kept")
	gone := f.job(t, 100, "Gone")

	_, err := f.svc.SaveJob(ctx, alice.ID, kept.ID)
	require.NoError(t, err)
	ids, err := f.svc.SaveJob(ctx, alice.ID, gone.ID)
	require.NoError(t, err)
	ids2, err := f.svc.SaveJob(ctx, alice.ID, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, ids2)

	require.NoError(t, f.svc.DeleteJob(ctx, gone.ID, 100))
	jobs, err := f.svc.SavedJobs(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Kept", jobs[0].Title)

	ids, err = f.svc.UnsaveJob(ctx, alice.ID, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{gone.ID}, ids)
}
