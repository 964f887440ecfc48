package services

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.OutboundEvent
}

func (e *recordingEmitter) Emit(ev models.OutboundEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) snapshot() []models.OutboundEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.OutboundEvent, len(e.events))
	copy(out, e.events)
	return out
}

// waitIdle blocks until the closing idle status event arrives.
func (e *recordingEmitter) waitIdle(t *testing.T) []models.OutboundEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		evs := e.snapshot()
		for _, ev := range evs {
			if ev.Type == models.EventStatus && ev.Status == models.ActivityIdle {
				return evs
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("idle status never arrived; got %+v", e.snapshot())
	return nil
}

func newAssistantFixture(t *testing.T, script string) (*AssistantController, *models.Session) {
	t.Helper()
	store, err := NewStore(t.TempDir(), 5)
	require.NoError(t, err)

	cfg := &config.RuntimeConfig{CredentialsDir: t.TempDir()}
	ctrl := NewAssistantController(store, registry.New(), cfg)
	ctrl.buildCmd = func(sess *models.Session, prompt, resumeID string) *exec.Cmd {
		return exec.Command("/bin/sh", "-c", script)
	}

	sess := &models.Session{
		ID:            "sess-1",
		UserID:        "alice",
		WorkspacePath: t.TempDir(),
		Status:        models.SessionCreated,
	}
	require.NoError(t, store.CreateSession(sess))
	return ctrl, sess
}

func TestInvokeStreamsNormalizedEvents(t *testing.T) {
	script := `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}'
echo '{"type":"result","result":"done"}'
`
	ctrl, sess := newAssistantFixture(t, script)

	emitter := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "hi", emitter))
	events := emitter.waitIdle(t)

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, models.EventStatus, events[0].Type)
	assert.Equal(t, models.ActivityThinking, events[0].Status)

	assert.Equal(t, models.EventAssistant, events[1].Type)
	assert.Equal(t, "hello", events[1].Text)

	assert.Equal(t, models.EventToolUse, events[2].Type)
	assert.Equal(t, "Bash", events[2].Tool)

	// The final result record is suppressed; the stream ends on idle.
	last := events[len(events)-1]
	assert.Equal(t, models.EventStatus, last.Type)
	assert.Equal(t, models.ActivityIdle, last.Status)
	for _, ev := range events {
		assert.NotEqual(t, "done", ev.Text)
	}
}

func TestInvokeRejectsConcurrentTurn(t *testing.T) {
	ctrl, sess := newAssistantFixture(t, "sleep 2")

	first := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "one", first))

	second := &recordingEmitter{}
	err := ctrl.Invoke(sess, "two", second)
	assert.ErrorIs(t, err, ErrAssistantBusy)

	ctrl.Abort(sess.ID)
	first.waitIdle(t)
}

func TestBusyRejectionSpawnsNoSecondProcess(t *testing.T) {
	ctrl, sess := newAssistantFixture(t, "sleep 2")

	var spawns int32
	inner := ctrl.buildCmd
	ctrl.buildCmd = func(sess *models.Session, prompt, resumeID string) *exec.Cmd {
		atomic.AddInt32(&spawns, 1)
		return inner(sess, prompt, resumeID)
	}

	first := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "one", first))

	second := &recordingEmitter{}
	err := ctrl.Invoke(sess, "two", second)
	assert.ErrorIs(t, err, ErrAssistantBusy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spawns),
		"rejected turn must not launch a process")

	ctrl.Abort(sess.ID)
	first.waitIdle(t)
}

func TestLateFinishKeepsSuccessorRegistered(t *testing.T) {
	// The first turn's shell execs away, so killing it leaves an orphaned
	// child holding stdout open and its reaper runs well after the abort.
	ctrl, sess := newAssistantFixture(t, "sleep 30")
	ctrl.buildCmd = func(sess *models.Session, prompt, resumeID string) *exec.Cmd {
		if prompt == "slow-reaper" {
			return exec.Command("/bin/sh", "-c", "sleep 1 & exec sleep 30")
		}
		return exec.Command("/bin/sh", "-c", "sleep 30")
	}

	first := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "slow-reaper", first))
	ctrl.Abort(sess.ID)

	second := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "next", second))

	// Wait for the aborted turn's delayed teardown to run its course.
	first.waitIdle(t)

	assert.True(t, ctrl.Busy(sess.ID),
		"second turn must stay registered after the first turn's teardown")
	third := &recordingEmitter{}
	assert.ErrorIs(t, ctrl.Invoke(sess, "third", third), ErrAssistantBusy)

	ctrl.Abort(sess.ID)
	second.waitIdle(t)
}

func TestAbortEndsInvocation(t *testing.T) {
	ctrl, sess := newAssistantFixture(t, "sleep 30")

	emitter := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "hi", emitter))
	assert.True(t, ctrl.Busy(sess.ID))

	start := time.Now()
	ctrl.Abort(sess.ID)
	emitter.waitIdle(t)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, ctrl.Busy(sess.ID))
}

func TestStderrDebugLinesFiltered(t *testing.T) {
	script := `
echo '[DEBUG] internal chatter' >&2
echo 'credentials rejected' >&2
`
	ctrl, sess := newAssistantFixture(t, script)

	emitter := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "hi", emitter))
	events := emitter.waitIdle(t)

	var errs []string
	for _, ev := range events {
		if ev.Type == models.EventError {
			errs = append(errs, ev.Message)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, "credentials rejected", errs[0])
}

func TestTrailingLineWithoutNewlineIsFlushed(t *testing.T) {
	script := `printf '{"type":"assistant","message":{"content":[{"type":"text","text":"tail"}]}}'`
	ctrl, sess := newAssistantFixture(t, script)

	emitter := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "hi", emitter))
	events := emitter.waitIdle(t)

	var texts []string
	for _, ev := range events {
		if ev.Type == models.EventAssistant {
			texts = append(texts, ev.Text)
		}
	}
	assert.Equal(t, []string{"tail"}, texts)
}

func TestResumeIDForwarded(t *testing.T) {
	ctrl, sess := newAssistantFixture(t, "true")

	var captured string
	inner := ctrl.buildCmd
	ctrl.buildCmd = func(s *models.Session, prompt, resumeID string) *exec.Cmd {
		captured = resumeID
		return inner(s, prompt, resumeID)
	}

	ctrl.SetResumeID(sess.ID, "conv-abc")
	emitter := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "hi", emitter))
	emitter.waitIdle(t)
	assert.Equal(t, "conv-abc", captured)
}

func TestInvokeAllowedAfterPreviousFinishes(t *testing.T) {
	ctrl, sess := newAssistantFixture(t, "true")

	first := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "one", first))
	first.waitIdle(t)

	second := &recordingEmitter{}
	require.NoError(t, ctrl.Invoke(sess, "two", second))
	second.waitIdle(t)
}
