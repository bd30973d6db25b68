package interview

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiInterview/internal/agent"
	"aiInterview/internal/database"
	"aiInterview/internal/database/dbtest"
	"aiInterview/internal/errcode"
	"aiInterview/internal/federation"
	"aiInterview/internal/store"
)

func newTestManager(t *testing.T, fa *fakeAgent, cfg Config, contexts InterviewContexts, persister Persister) (*Manager, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	if persister == nil {
		persister = &fakePersister{}
	}
	m := NewManager(cfg, Collaborators{Agent: fa, Persister: persister, Notifier: notifier}, contexts)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, notifier
}

func waitView(t *testing.T, m *Manager, owner uint, id string) *View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := m.Wait(ctx, owner, id)
	require.NoError(t, err)
	return view
}

func TestManagerOwnership(t *testing.T) {
	fa := newFakeAgent()
	m, _ := newTestManager(t, fa, Config{}, nil, nil)
	ctx := context.Background()

	view, err := m.Start(ctx, 1, StartRequest{Profile: agent.Profile{Role: "Backend Engineer"}, DurationMinutes: 5})
	require.NoError(t, err)
	assert.Equal(t, "s-1", view.Session.ID)
	assert.Equal(t, 300, view.Session.RemainingSeconds)

	_, err = m.Get(2, "s-1")
	require.ErrorIs(t, err, errcode.ErrNotFound)
	_, err = m.Send(ctx, 2, "s-1", "hi")
	require.ErrorIs(t, err, errcode.ErrNotFound)
	require.ErrorIs(t, m.Abandon(ctx, 2, "s-1"), errcode.ErrNotFound)

	_, err = m.Send(ctx, 1, "s-1", "   ")
	require.ErrorIs(t, err, errcode.ErrValidation)
}

func TestManagerRejectsDurationOutOfRange(t *testing.T) {
	m, _ := newTestManager(t, newFakeAgent(), Config{}, nil, nil)
	_, err := m.Start(context.Background(), 1, StartRequest{DurationMinutes: 181})
	require.ErrorIs(t, err, errcode.ErrValidation)
	assert.Zero(t, m.Len())
}

func TestManagerConcurrentTerminalConditions(t *testing.T) {
	fa := newFakeAgent()
	fa.replies = []agent.Turn{*doneTurn()}
	fa.sendGate = make(chan struct{})
	fa.sendStarted = make(chan struct{})
	m, notifier := newTestManager(t, fa, Config{TickInterval: time.Millisecond, DefaultDurationMinutes: 1}, nil, nil)
	ctx := context.Background()

	_, err := m.Start(ctx, 1, StartRequest{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Send(ctx, 1, "s-1", "my answer")
	}()
	<-fa.sendStarted

	// 在途发送期间，倒计时归零，候选人也点了退出。
	require.Eventually(t, func() bool {
		v, err := m.Get(1, "s-1")
		return err == nil && v.Session.RemainingSeconds == 0
	}, 5*time.Second, time.Millisecond)
	_, err = m.Quit(ctx, 1, "s-1")
	require.NoError(t, err)
	close(fa.sendGate)
	wg.Wait()

	view := waitView(t, m, 1, "s-1")
	assert.Equal(t, StateSucceeded, view.Finalization.Status)
	assert.Equal(t, database.ReasonTimeExpired, view.Session.CompletionReason)
	assert.Equal(t, "closing", view.Session.Phase, "in-flight reply is still recorded")
	assert.Equal(t, int32(1), fa.finalizeCalls.Load())
	assert.Equal(t, 1, notifier.count("timer-expired"))

	_, err = m.Send(ctx, 1, "s-1", "one more thing")
	require.ErrorIs(t, err, ErrSessionComplete)
}

func TestManagerWaitReturnsFailedView(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeFails.Store(1)
	m, _ := newTestManager(t, fa, Config{}, nil, nil)
	ctx := context.Background()

	_, err := m.Start(ctx, 1, StartRequest{})
	require.NoError(t, err)
	_, err = m.Quit(ctx, 1, "s-1")
	require.NoError(t, err)

	view := waitView(t, m, 1, "s-1")
	require.NotNil(t, view)
	assert.Equal(t, StateFailed, view.Finalization.Status)
	assert.True(t, view.Finalization.Retryable)
	assert.Contains(t, view.Finalization.Error, "connection refused")
	assert.Nil(t, view.Finalization.Result)
}

func TestManagerEvictsFinishedSessions(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeFails.Store(1)
	m, _ := newTestManager(t, fa, Config{Retention: time.Minute}, nil, nil)
	ctx := context.Background()

	_, err := m.Start(ctx, 1, StartRequest{})
	require.NoError(t, err)
	_, err = m.Quit(ctx, 1, "s-1")
	require.NoError(t, err)
	view := waitView(t, m, 1, "s-1")
	require.Equal(t, StateFailed, view.Finalization.Status)
	assert.True(t, view.Finalization.Retryable)

	assert.Zero(t, m.Evict(ctx, time.Now()))
	assert.Equal(t, 1, m.Evict(ctx, time.Now().Add(2*time.Minute)))
	assert.Zero(t, m.Len())
	assert.Equal(t, int32(1), fa.releaseCalls.Load(), "failed sessions release the remote on eviction")
}

func TestManagerRetryAfterFailure(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeFails.Store(1)
	m, _ := newTestManager(t, fa, Config{}, nil, nil)
	ctx := context.Background()

	_, err := m.Start(ctx, 1, StartRequest{})
	require.NoError(t, err)
	_, err = m.Quit(ctx, 1, "s-1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, waitView(t, m, 1, "s-1").Finalization.Status)

	_, err = m.Retry(ctx, 1, "s-1")
	require.NoError(t, err)
	view := waitView(t, m, 1, "s-1")
	assert.Equal(t, StateSucceeded, view.Finalization.Status)
	assert.Empty(t, view.Finalization.Error)
}

func TestInterviewScenarioPersistsOutcome(t *testing.T) {
	ctx := context.Background()
	accessors := store.NewAccessors(dbtest.NewRegistry(t))
	svc := federation.NewService(accessors, nil)

	users, err := store.For[database.User](ctx, accessors, database.RoleStudent)
	require.NoError(t, err)
	student := &database.User{Username: "carol", Email: "carol@example.com", PasswordHash: "hash", Role: database.UserRoleStudent}
	require.NoError(t, users.Create(ctx, student))

	job, err := svc.CreateJob(ctx, 100, federation.JobInput{
		Title:                    "Backend Engineer",
		Company:                  "Acme",
		Experience:               "mid",
		Tags:                     []string{"go"},
		InterviewDurationMinutes: 30,
	})
	require.NoError(t, err)
	app, err := svc.ApplyToJob(ctx, student.ID, job.ID, "")
	require.NoError(t, err)

	fa := newFakeAgent()
	fa.replies = []agent.Turn{
		{Message: "Explain goroutines.", Phase: "technical-basic"},
		{Message: "How would you shard a queue?", Phase: "technical-intermediate"},
		{Message: "Tell me about a conflict.", Phase: "behavioral"},
		{Message: "Thanks, we are done.", Phase: "closing", Done: true},
	}
	fa.eval.Score = 8
	m, _ := newTestManager(t, fa, Config{}, svc, svc)

	view, err := m.Start(ctx, student.ID, StartRequest{ApplicationID: app.ID})
	require.NoError(t, err)
	assert.Equal(t, "introduction", view.Session.Phase)
	assert.Equal(t, "Backend Engineer", view.Session.Profile.Role)
	assert.Equal(t, "Acme", view.Session.Profile.Company)
	assert.Equal(t, 30*60, view.Session.RemainingSeconds)

	last, _ := agent.KnownPhase(view.Session.Phase)
	for i, answer := range []string{"a1", "a2", "a3"} {
		view, err = m.Send(ctx, student.ID, "s-1", answer)
		require.NoError(t, err)
		idx, known := agent.KnownPhase(view.Session.Phase)
		require.True(t, known)
		require.Greater(t, idx, last, "exchange %d must advance the phase", i+1)
		last = idx
		assert.False(t, view.Session.Complete)
	}

	view, err = m.Send(ctx, student.ID, "s-1", "a4")
	require.NoError(t, err)
	assert.True(t, view.Session.Complete)

	view = waitView(t, m, student.ID, "s-1")
	require.Equal(t, StateSucceeded, view.Finalization.Status)
	result := view.Finalization.Result
	require.NotNil(t, result)
	assert.Nil(t, result.Warning)
	assert.GreaterOrEqual(t, result.Evaluation.Score, 0.0)
	assert.LessOrEqual(t, result.Evaluation.Score, 10.0)
	require.NotNil(t, result.Application)
	require.NotNil(t, result.Application.Interview)
	assert.Equal(t, string(database.ReasonAgentComplete), result.Application.Interview.CompletionReason)

	stored, err := svc.InterviewResultFor(ctx, app.ID, federation.Identity{UserID: student.ID, Role: database.RoleStudent})
	require.NoError(t, err)
	assert.InDelta(t, 8.0, stored.Score, 0.001)

	updated, err := svc.UpdateApplicationStatus(ctx, app.ID, database.StatusInterview, 100)
	require.NoError(t, err)
	assert.Equal(t, database.StatusInterview, updated.Status)
	assert.Equal(t, int32(1), fa.finalizeCalls.Load())
}
