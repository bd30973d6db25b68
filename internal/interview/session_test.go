package interview

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiInterview/internal/agent"
	"aiInterview/internal/database"
)

func TestSendSerialization(t *testing.T) {
	s := newTestSession("s-1", 60)

	require.NoError(t, s.BeginSend("first answer"))
	require.ErrorIs(t, s.BeginSend("second answer"), ErrSendInFlight)

	s.CompleteSend(&agent.Turn{Message: "next question", Phase: "technical-basic"})
	require.NoError(t, s.BeginSend("second answer"))
	s.AbortSend()

	snap := s.Snapshot()
	assert.False(t, snap.Sending)
	assert.Equal(t, "technical-basic", snap.Phase)
	assert.True(t, snap.KnownPhase)
	require.Len(t, snap.Transcript, 3)
	assert.Equal(t, SpeakerInterviewer, snap.Transcript[2].Speaker, "aborted answer is withdrawn")
}

func TestAgentDoneCompletesSession(t *testing.T) {
	s := newTestSession("s-1", 60)
	require.NoError(t, s.BeginSend("answer"))
	assert.True(t, s.CompleteSend(&agent.Turn{Message: "thanks", Phase: "closing", Done: true}))

	require.ErrorIs(t, s.BeginSend("more"), ErrSessionComplete)
	assert.Equal(t, database.ReasonAgentComplete, s.Snapshot().CompletionReason)
}

func TestCompletionReasonFirstWriterWins(t *testing.T) {
	s := newTestSession("s-1", 60)
	assert.True(t, s.Quit())
	assert.False(t, s.MarkComplete(database.ReasonTimeExpired))

	require.ErrorIs(t, s.BeginSend("late"), ErrSessionComplete)
	assert.Equal(t, database.ReasonUserQuit, s.Snapshot().CompletionReason)
}

func TestTimerExpiresDuringInFlightSend(t *testing.T) {
	s := newTestSession("s-1", 2)
	require.NoError(t, s.BeginSend("long answer"))

	expired, running := s.Tick()
	assert.False(t, expired)
	assert.True(t, running)

	expired, running = s.Tick()
	assert.True(t, expired)
	assert.False(t, running)

	expired, _ = s.Tick()
	assert.False(t, expired, "a repeat tick at zero must not expire again")

	// 在途的回复照常记录，但之后不再接受新的发送。
	assert.True(t, s.CompleteSend(&agent.Turn{Message: "follow-up", Phase: "technical-basic"}))
	require.ErrorIs(t, s.BeginSend("another"), ErrSessionComplete)

	snap := s.Snapshot()
	assert.Equal(t, database.ReasonTimeExpired, snap.CompletionReason)
	assert.Equal(t, 0, snap.RemainingSeconds)
	assert.Equal(t, 2, snap.ElapsedSeconds)
	assert.Equal(t, "follow-up", snap.Transcript[len(snap.Transcript)-1].Text)

	notices := 0
	for _, m := range snap.Transcript {
		if m.Notice == NoticeTimeExpired {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestTimerFiresOnExpireOnce(t *testing.T) {
	s := newTestSession("s-1", 3)
	var fired atomic.Int32
	timer := StartTimer(time.Millisecond, s, func() { fired.Add(1) })

	select {
	case <-timer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop after expiry")
	}
	timer.Stop()
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, s.Snapshot().Complete)
}

func TestTimerStopsWhenSessionEndsElsewhere(t *testing.T) {
	s := newTestSession("s-1", 60000)
	var fired atomic.Int32
	timer := StartTimer(time.Millisecond, s, func() { fired.Add(1) })

	s.Quit()
	select {
	case <-timer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer kept running after the session ended")
	}
	assert.Zero(t, fired.Load())
	assert.Equal(t, database.ReasonUserQuit, s.Snapshot().CompletionReason)
}
