package services

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
)

// recordingSink collects everything a terminal session emits.
type recordingSink struct {
	mu       sync.Mutex
	chunks   [][]byte
	exited   bool
	exitCode int
	detached bool
}

func (s *recordingSink) Output(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, data)
}

func (s *recordingSink) Exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	s.exitCode = code
}

func (s *recordingSink) Detached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

func (s *recordingSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return string(out)
}

func (s *recordingSink) wasDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *recordingSink) exitStatus() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode
}

// fakeTerminal stands in for a PTY-backed process: the controller reads
// from the read end of a pipe, the test writes to the other end.
type fakeTerminal struct {
	w        *os.File
	exitCode int
}

func (f *fakeTerminal) emit(t *testing.T, data string) {
	t.Helper()
	_, err := f.w.Write([]byte(data))
	require.NoError(t, err)
}

func (f *fakeTerminal) exit(code int) {
	f.exitCode = code
	f.w.Close()
}

func newTerminalFixture(t *testing.T) (*TerminalController, *Store, *registry.Registry, *fakeTerminal) {
	t.Helper()
	store, err := NewStore(t.TempDir(), 5)
	require.NoError(t, err)

	reg := registry.New()
	cfg := &config.RuntimeConfig{
		Shell:          "/bin/bash",
		CredentialsDir: t.TempDir(),
	}
	ctrl := NewTerminalController(store, reg, cfg)

	fake := &fakeTerminal{}
	ctrl.spawn = func(cmd *exec.Cmd) (*ptyProcess, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		fake.w = w
		return &ptyProcess{
			file: r,
			pid:  4242,
			wait: func() int { return fake.exitCode },
			kill: func() error { w.Close(); return nil },
		}, nil
	}
	return ctrl, store, reg, fake
}

func newTestSession(t *testing.T, store *Store, id string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:            id,
		UserID:        "alice",
		WorkspacePath: t.TempDir(),
		Status:        models.SessionCreated,
	}
	require.NoError(t, store.CreateSession(sess))
	return sess
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAttachSpawnsAndDeliversOrderedOutput(t *testing.T) {
	ctrl, store, reg, fake := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	sink := &recordingSink{}
	cols, rows, err := ctrl.Attach(sess, sink)
	require.NoError(t, err)
	assert.Equal(t, uint16(80), cols)
	assert.Equal(t, uint16(24), rows)

	h, ok := reg.Lookup("sess-1")
	require.True(t, ok)
	assert.Equal(t, registry.KindTerminal, h.Kind)

	got, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, 4242, got.ProcessID)

	for i := 0; i < 20; i++ {
		fake.emit(t, fmt.Sprintf("chunk-%02d;", i))
	}
	waitFor(t, func() bool {
		return len(sink.joined()) >= len("chunk-00;")*20
	}, "expected all chunks to arrive")

	var want string
	for i := 0; i < 20; i++ {
		want += fmt.Sprintf("chunk-%02d;", i)
	}
	assert.Equal(t, want, sink.joined())
}

func TestReattachReusesProcess(t *testing.T) {
	ctrl, store, _, fake := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	first := &recordingSink{}
	_, _, err := ctrl.Attach(sess, first)
	require.NoError(t, err)
	firstWriter := fake.w

	second := &recordingSink{}
	_, _, err = ctrl.Attach(sess, second)
	require.NoError(t, err)

	// Same pipe means same process: no respawn happened.
	assert.Same(t, firstWriter, fake.w)
	assert.True(t, first.wasDetached())

	fake.emit(t, "after-takeover")
	waitFor(t, func() bool { return second.joined() == "after-takeover" },
		"new sink should receive output")
	assert.Empty(t, first.joined())
}

func TestOutputDroppedWithoutSink(t *testing.T) {
	ctrl, store, _, fake := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	sink := &recordingSink{}
	_, _, err := ctrl.Attach(sess, sink)
	require.NoError(t, err)

	ctrl.Detach("sess-1", sink)
	fake.emit(t, "unseen")
	time.Sleep(50 * time.Millisecond)

	// Reconnecting gets no replay of what was emitted while detached.
	again := &recordingSink{}
	_, _, err = ctrl.Attach(sess, again)
	require.NoError(t, err)
	fake.emit(t, "visible")
	waitFor(t, func() bool { return again.joined() == "visible" },
		"only post-reattach output should arrive")
	assert.Empty(t, sink.joined())
}

func TestExitPropagation(t *testing.T) {
	ctrl, store, reg, fake := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	sink := &recordingSink{}
	_, _, err := ctrl.Attach(sess, sink)
	require.NoError(t, err)

	fake.exit(7)
	waitFor(t, func() bool {
		done, _ := sink.exitStatus()
		return done
	}, "sink should observe exit")

	_, code := sink.exitStatus()
	assert.Equal(t, 7, code)

	_, live := reg.Lookup("sess-1")
	assert.False(t, live)

	got, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, got.Status)
}

func TestStaleExitKeepsSuccessorRegistered(t *testing.T) {
	ctrl, store, reg, _ := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	// Spawn-counted fake whose first process blocks in its reaper until
	// released, so its teardown runs after a successor is live.
	release := make(chan struct{})
	var spawns int
	ctrl.spawn = func(cmd *exec.Cmd) (*ptyProcess, error) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		spawns++
		n := spawns
		return &ptyProcess{
			file: r,
			pid:  1000 + n,
			wait: func() int {
				if n == 1 {
					<-release
				}
				return 0
			},
			kill: func() error { w.Close(); return nil },
		}, nil
	}

	first := &recordingSink{}
	_, _, err := ctrl.Attach(sess, first)
	require.NoError(t, err)

	// Kill drops the registry entry; the old read loop is still reaping.
	ctrl.Kill("sess-1")

	second := &recordingSink{}
	_, _, err = ctrl.Attach(sess, second)
	require.NoError(t, err)
	require.Equal(t, 2, spawns)

	close(release)
	waitFor(t, func() bool {
		done, _ := first.exitStatus()
		return done
	}, "old read loop should finish")

	// The successor's registration and running record must survive the
	// old process's late teardown.
	h, ok := reg.Lookup("sess-1")
	require.True(t, ok)
	assert.Equal(t, 1002, h.PID)

	got, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, 1002, got.ProcessID)
}

func TestAttachAfterExitRespawns(t *testing.T) {
	ctrl, store, reg, fake := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	sink := &recordingSink{}
	_, _, err := ctrl.Attach(sess, sink)
	require.NoError(t, err)

	fake.exit(0)
	waitFor(t, func() bool {
		_, live := reg.Lookup("sess-1")
		return !live
	}, "registry entry should be gone after exit")

	next := &recordingSink{}
	_, _, err = ctrl.Attach(sess, next)
	require.NoError(t, err)

	fake.emit(t, "second life")
	waitFor(t, func() bool { return next.joined() == "second life" },
		"respawned session should deliver output")
}

func TestWriteToAbsentSessionIsDropped(t *testing.T) {
	ctrl, _, _, _ := newTerminalFixture(t)
	// Must not panic or spawn anything.
	ctrl.Write("ghost", []byte("hello"))
	ctrl.Resize("ghost", 120, 40)
}

func TestKillTearsDownSession(t *testing.T) {
	ctrl, store, reg, _ := newTerminalFixture(t)
	sess := newTestSession(t, store, "sess-1")

	sink := &recordingSink{}
	_, _, err := ctrl.Attach(sess, sink)
	require.NoError(t, err)

	ctrl.Kill("sess-1")
	waitFor(t, func() bool {
		done, _ := sink.exitStatus()
		return done
	}, "kill should drive the session to exit")

	_, live := reg.Lookup("sess-1")
	assert.False(t, live)
}
