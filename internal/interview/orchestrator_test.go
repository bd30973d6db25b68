package interview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/notify"
)

func waitFinal(t *testing.T, o *Orchestrator) (State, *Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx), "finalization did not finish in time")
	return o.Status()
}

func TestExactlyOneFinalizeUnderConcurrentTriggers(t *testing.T) {
	for i := range 50 {
		fa := newFakeAgent()
		fa.finalizeGate = make(chan struct{})
		s := newTestSession(sessionID(i), 60)
		o := NewOrchestrator(s, Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})

		var wg sync.WaitGroup
		start := make(chan struct{})
		triggers := []func(){
			func() { s.CompleteSend(doneTurn()); o.Trigger(database.ReasonAgentComplete) },
			func() { s.Tick(); o.Trigger(database.ReasonTimeExpired) },
			func() { s.Quit(); o.Trigger(database.ReasonUserQuit) },
		}
		for _, fire := range triggers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				fire()
			}()
		}
		close(start)
		wg.Wait()
		close(fa.finalizeGate)

		state, result, err := waitFinal(t, o)
		require.NoError(t, err)
		require.Equal(t, StateSucceeded, state)
		require.NotNil(t, result)
		require.Equal(t, int32(1), fa.finalizeCalls.Load(), "iteration %d", i)
		assert.False(t, o.Trigger(database.ReasonUserQuit), "succeeded is terminal")
	}
}

func TestFinalizeFailureThenRetry(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeFails.Store(1)
	notifier := &fakeNotifier{}
	s := newTestSession("s-1", 60)
	o := NewOrchestrator(s, Collaborators{Agent: fa, Persister: &fakePersister{}, Notifier: notifier}, Timeouts{})

	require.ErrorIs(t, o.Retry(), errcode.ErrConflict, "retry is only possible after a failure")

	s.Quit()
	require.True(t, o.Trigger(database.ReasonUserQuit))
	state, _, err := waitFinal(t, o)
	require.Equal(t, StateFailed, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, notifier.count(notify.EventFinalizationFailed))

	assert.False(t, o.Trigger(database.ReasonTimeExpired), "failed only leaves via retry")

	require.NoError(t, o.Retry())
	state, result, err := waitFinal(t, o)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, state)
	assert.Equal(t, string(database.ReasonUserQuit), result.Evaluation.CompletionReason)
	assert.Equal(t, int32(2), fa.finalizeCalls.Load())
	assert.Equal(t, 1, notifier.count(notify.EventFinalizationSucceeded))

	require.ErrorIs(t, o.Retry(), errcode.ErrConflict)
}

func TestRetryRejectedWhilePending(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeGate = make(chan struct{})
	o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})

	require.True(t, o.Trigger(database.ReasonUserQuit))
	require.ErrorIs(t, o.Retry(), errcode.ErrConflict)
	close(fa.finalizeGate)

	state, _, err := waitFinal(t, o)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, state)
}

func TestFinalizeTimeoutIsRetryable(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeHang = true
	o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}},
		Timeouts{Finalize: 20 * time.Millisecond})

	require.True(t, o.Trigger(database.ReasonTimeExpired))
	state, _, err := waitFinal(t, o)
	assert.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, errcode.ErrTimeout)
	assert.True(t, errcode.Retryable(err))
}

func TestPersistenceFailureDegradesToWarning(t *testing.T) {
	fa := newFakeAgent()
	queue := &fakeQueue{}
	persister := &fakePersister{err: errors.New("connection reset by peer")}
	archiver := &fakeArchiver{}
	s := newTestSession("s-1", 60)
	o := NewOrchestrator(s, Collaborators{Agent: fa, Persister: persister, Queue: queue, Archiver: archiver}, Timeouts{})

	require.True(t, o.Trigger(database.ReasonUserQuit))
	state, result, err := waitFinal(t, o)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, state)
	require.NotNil(t, result.Evaluation, "evaluation survives a persistence failure")
	require.NotNil(t, result.Warning)
	assert.Equal(t, errcode.PersistenceWarning, result.Warning.Code)
	assert.True(t, result.Warning.Queued)

	require.Len(t, queue.payloads, 1)
	assert.Equal(t, uint(10), queue.payloads[0].ApplicationID)
	assert.Equal(t, string(database.ReasonUserQuit), queue.payloads[0].Outcome.CompletionReason)
	assert.Equal(t, TranscriptKey(1, "s-1"), queue.payloads[0].Outcome.TranscriptKey)
	assert.Equal(t, []string{TranscriptKey(1, "s-1")}, archiver.keys)
}

func TestValidationFailureIsNotQueued(t *testing.T) {
	fa := newFakeAgent()
	fa.eval.Score = 14
	queue := &fakeQueue{}
	persister := &fakePersister{err: errcode.ErrValidation}
	o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: persister, Queue: queue}, Timeouts{})

	require.True(t, o.Trigger(database.ReasonAgentComplete))
	_, result, err := waitFinal(t, o)
	require.NoError(t, err)
	require.NotNil(t, result.Warning)
	assert.False(t, result.Warning.Queued)
	assert.Empty(t, queue.payloads)
}

func TestPracticeSessionIsNotPersisted(t *testing.T) {
	fa := newFakeAgent()
	persister := &fakePersister{}
	s := NewSession(SessionInfo{ID: "s-1", Owner: 1, Duration: time.Minute}, &fa.opening)
	o := NewOrchestrator(s, Collaborators{Agent: fa, Persister: persister}, Timeouts{})

	require.True(t, o.Trigger(database.ReasonUserQuit))
	_, result, err := waitFinal(t, o)
	require.NoError(t, err)
	assert.Nil(t, result.Warning)
	assert.Empty(t, persister.calls)
}

func TestAbandonDiscardsPracticeTranscriptOnly(t *testing.T) {
	t.Run("practice", func(t *testing.T) {
		fa := newFakeAgent()
		archiver := &fakeArchiver{}
		s := NewSession(SessionInfo{ID: "s-1", Owner: 1, Duration: time.Minute}, &fa.opening)
		o := NewOrchestrator(s, Collaborators{Agent: fa, Persister: &fakePersister{}, Archiver: archiver}, Timeouts{})

		require.True(t, o.Trigger(database.ReasonUserQuit))
		_, result, _ := waitFinal(t, o)
		assert.Equal(t, TranscriptKey(1, "s-1"), result.TranscriptKey)

		o.Abandon(context.Background())
		assert.Equal(t, []string{TranscriptKey(1, "s-1")}, archiver.deleted)
	})

	t.Run("application", func(t *testing.T) {
		fa := newFakeAgent()
		archiver := &fakeArchiver{}
		o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}, Archiver: archiver}, Timeouts{})

		require.True(t, o.Trigger(database.ReasonUserQuit))
		waitFinal(t, o)
		o.Abandon(context.Background())
		assert.Len(t, archiver.keys, 1)
		assert.Empty(t, archiver.deleted, "persisted results keep their transcript")
	})
}

func TestReleaseHappensAtMostOnce(t *testing.T) {
	t.Run("skipped after successful finalize", func(t *testing.T) {
		fa := newFakeAgent()
		o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})
		require.True(t, o.Trigger(database.ReasonUserQuit))
		waitFinal(t, o)

		o.Abandon(context.Background())
		o.Abandon(context.Background())
		assert.Zero(t, fa.releaseCalls.Load())
	})

	t.Run("once after failed finalize", func(t *testing.T) {
		fa := newFakeAgent()
		fa.finalizeFails.Store(5)
		o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})
		require.True(t, o.Trigger(database.ReasonUserQuit))
		waitFinal(t, o)

		o.Abandon(context.Background())
		o.Abandon(context.Background())
		assert.Equal(t, int32(1), fa.releaseCalls.Load())
		require.ErrorIs(t, o.Retry(), errcode.ErrNotFound)
	})

	t.Run("abandoned before finishing", func(t *testing.T) {
		fa := newFakeAgent()
		o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})
		o.Abandon(context.Background())
		assert.False(t, o.Trigger(database.ReasonUserQuit))
		assert.Zero(t, fa.finalizeCalls.Load())
		assert.Equal(t, int32(1), fa.releaseCalls.Load())
	})
}

func TestAbandonRacingTriggerFinalizesOrReleasesOnce(t *testing.T) {
	for i := range 100 {
		fa := newFakeAgent()
		o := NewOrchestrator(newTestSession(sessionID(i), 60), Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			o.Trigger(database.ReasonAgentComplete)
		}()
		go func() {
			defer wg.Done()
			<-start
			o.Abandon(context.Background())
		}()
		close(start)
		wg.Wait()
		require.NoError(t, o.Wait(context.Background()))

		// 要么结束流程先拿到守卫并消费远端会话，要么关闭在前只释放一次，二者不会同时发生。
		calls := fa.finalizeCalls.Load() + fa.releaseCalls.Load()
		require.Equal(t, int32(1), calls, "iteration %d: finalize=%d release=%d",
			i, fa.finalizeCalls.Load(), fa.releaseCalls.Load())
		assert.False(t, o.Trigger(database.ReasonUserQuit), "triggers after teardown are no-ops")
	}
}

func TestWaitErrorOnlyReportsCancelledWait(t *testing.T) {
	fa := newFakeAgent()
	fa.finalizeGate = make(chan struct{})
	o := NewOrchestrator(newTestSession("s-1", 60), Collaborators{Agent: fa, Persister: &fakePersister{}}, Timeouts{})
	require.True(t, o.Trigger(database.ReasonUserQuit))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, o.Wait(ctx), context.DeadlineExceeded)

	fa.finalizeFails.Store(1)
	close(fa.finalizeGate)
	state, _, err := waitFinal(t, o)
	assert.Equal(t, StateFailed, state)
	require.Error(t, err, "the finalize error is read through Status")
}

func TestStateNames(t *testing.T) {
	text, err := StatePending.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "pending", string(text))
	assert.Equal(t, "failed", StateFailed.String())
}
