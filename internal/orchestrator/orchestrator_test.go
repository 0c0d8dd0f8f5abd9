// ABOUTME: Tests for agent process lifecycle orchestration
// ABOUTME: Uses real shell workers to exercise exit, kill, timeout, and recovery

package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func setupOrchestrator(t *testing.T, mutate func(*Config)) (*store.SQLiteStore, *Orchestrator, string) {
	t.Helper()

	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o700))

	cfg := Config{
		AllowedDirs:    []string{workDir},
		MaxConcurrent:  4,
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     time.Minute,
		KillGrace:      200 * time.Millisecond,
		DataDir:        filepath.Join(dir, "data"),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	o := New(s, cfg, NewNotifier(slog.Default()), slog.Default())
	t.Cleanup(o.Wait)
	return s, o, workDir
}

func shellFactory(script string) func(sess *store.AgentSession) *exec.Cmd {
	return func(sess *store.AgentSession) *exec.Cmd {
		cmd := exec.Command("/bin/sh", "-c", script)
		cmd.Dir = sess.CWD
		return cmd
	}
}

func waitForStatus(t *testing.T, s store.Store, id string, want store.AgentSessionStatus) *store.AgentSession {
	t.Helper()
	var sess *store.AgentSession
	require.Eventually(t, func() bool {
		var err error
		sess, err = s.GetAgentSession(context.Background(), id)
		return err == nil && sess.Status == want
	}, 5*time.Second, 20*time.Millisecond, "waiting for status %s", want)
	return sess
}

func TestOrchestrator_Spawn_CompletedWithResult(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory(`echo '{"type":"progress","step":1}'; echo '{"type":"result","result":"done"}'`))

	sess, err := o.Spawn(context.Background(), SpawnRequest{Prompt: "summarize inbox", CWD: workDir})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	final := waitForStatus(t, s, sess.ID, store.AgentStatusCompleted)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.JSONEq(t, `{"type":"result","result":"done"}`, final.Result)
	assert.NotNil(t, final.CompletedAt)
}

func TestOrchestrator_Spawn_NonZeroExitFails(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("exit 3"))

	sess, err := o.Spawn(context.Background(), SpawnRequest{Prompt: "doomed", CWD: workDir})
	require.NoError(t, err)

	final := waitForStatus(t, s, sess.ID, store.AgentStatusFailed)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
	assert.NotEmpty(t, final.Error)
}

func TestOrchestrator_Spawn_RawOutputFallback(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("echo plain text output"))

	sess, err := o.Spawn(context.Background(), SpawnRequest{Prompt: "chatty", CWD: workDir})
	require.NoError(t, err)

	final := waitForStatus(t, s, sess.ID, store.AgentStatusCompleted)
	assert.Equal(t, "plain text output", final.Result)
}

func TestOrchestrator_Spawn_CWDValidation(t *testing.T) {
	_, o, _ := setupOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Spawn(ctx, SpawnRequest{Prompt: "p", CWD: "/etc"})
	assert.ErrorIs(t, err, ErrCWDNotAllowed)

	_, err = o.Spawn(ctx, SpawnRequest{Prompt: "p", CWD: "relative/path"})
	assert.ErrorIs(t, err, ErrCWDNotAllowed)

	_, err = o.Spawn(ctx, SpawnRequest{Prompt: "p", CWD: ""})
	assert.ErrorIs(t, err, ErrCWDNotAllowed)
}

func TestOrchestrator_Spawn_SubdirectoryOfAllowedDir(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("true"))

	sub := filepath.Join(workDir, "project")
	require.NoError(t, os.MkdirAll(sub, 0o700))

	sess, err := o.Spawn(context.Background(), SpawnRequest{Prompt: "p", CWD: sub})
	require.NoError(t, err)
	waitForStatus(t, s, sess.ID, store.AgentStatusCompleted)
}

func TestOrchestrator_Spawn_CapacityRejected(t *testing.T) {
	_, o, workDir := setupOrchestrator(t, func(cfg *Config) { cfg.MaxConcurrent = 1 })
	o.SetCommandFactory(shellFactory("sleep 5"))
	ctx := context.Background()

	sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "first", CWD: workDir})
	require.NoError(t, err)

	_, err = o.Spawn(ctx, SpawnRequest{Prompt: "second", CWD: workDir})
	assert.ErrorIs(t, err, ErrAtCapacity)

	require.NoError(t, o.Kill(ctx, sess.ID, KillReasonManual))
}

func TestOrchestrator_Spawn_ConcurrentCapacity(t *testing.T) {
	_, o, workDir := setupOrchestrator(t, func(cfg *Config) { cfg.MaxConcurrent = 1 })
	o.SetCommandFactory(shellFactory("sleep 5"))
	ctx := context.Background()

	const attempts = 4
	var wg sync.WaitGroup
	spawned := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "contender", CWD: workDir})
			if err == nil {
				spawned <- sess.ID
			} else {
				assert.ErrorIs(t, err, ErrAtCapacity)
			}
		}()
	}
	wg.Wait()
	close(spawned)

	// Exactly one spawn may slip under a budget of one
	var ids []string
	for id := range spawned {
		ids = append(ids, id)
	}
	require.Len(t, ids, 1)
	require.NoError(t, o.Kill(ctx, ids[0], KillReasonManual))
}

func TestOrchestrator_Spawn_LaunchFailureRecorded(t *testing.T) {
	_, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(func(sess *store.AgentSession) *exec.Cmd {
		cmd := exec.Command("/nonexistent/worker-binary")
		cmd.Dir = sess.CWD
		return cmd
	})

	sess, err := o.Spawn(context.Background(), SpawnRequest{Prompt: "p", CWD: workDir})
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "starting worker")
}

func TestOrchestrator_Kill_Manual(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("sleep 30"))
	ctx := context.Background()

	sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "long runner", CWD: workDir})
	require.NoError(t, err)
	waitForStatus(t, s, sess.ID, store.AgentStatusRunning)

	require.NoError(t, o.Kill(ctx, sess.ID, KillReasonManual))

	final, err := s.GetAgentSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusKilled, final.Status)
	assert.Contains(t, final.Error, "killed")
}

func TestOrchestrator_Kill_NotifiesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("sleep 30"))
	ctx := context.Background()

	sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "long runner", CWD: workDir, CallbackURL: server.URL})
	require.NoError(t, err)
	waitForStatus(t, s, sess.ID, store.AgentStatusRunning)

	require.NoError(t, o.Kill(ctx, sess.ID, KillReasonManual))

	// The late exit event must not deliver a second callback.
	o.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrchestrator_Timeout_EscalatesToKill(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, func(cfg *Config) {
		cfg.DefaultTimeout = 200 * time.Millisecond
		cfg.KillGrace = 200 * time.Millisecond
	})
	// The worker ignores SIGTERM, forcing SIGKILL escalation.
	o.SetCommandFactory(shellFactory(`trap "" TERM; sleep 30`))

	sess, err := o.Spawn(context.Background(), SpawnRequest{Prompt: "stubborn", CWD: workDir})
	require.NoError(t, err)

	final := waitForStatus(t, s, sess.ID, store.AgentStatusTimeout)
	assert.Contains(t, final.Error, "timed out")
}

func TestOrchestrator_Kill_AlreadyFinished(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("true"))
	ctx := context.Background()

	sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "quick", CWD: workDir})
	require.NoError(t, err)
	waitForStatus(t, s, sess.ID, store.AgentStatusCompleted)

	err = o.Kill(ctx, sess.ID, KillReasonManual)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestOrchestrator_TimeoutClamping(t *testing.T) {
	_, o, workDir := setupOrchestrator(t, func(cfg *Config) {
		cfg.DefaultTimeout = 10 * time.Second
		cfg.MaxTimeout = 30 * time.Second
	})
	o.SetCommandFactory(shellFactory("sleep 5"))
	ctx := context.Background()

	// Zero request gets the default; an over-budget request is capped.
	sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "p", CWD: workDir})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, sess.Timeout)
	require.NoError(t, o.Kill(ctx, sess.ID, KillReasonManual))

	sess, err = o.Spawn(ctx, SpawnRequest{Prompt: "p", CWD: workDir, TimeoutSeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sess.Timeout)
	require.NoError(t, o.Kill(ctx, sess.ID, KillReasonManual))
}

func TestOrchestrator_Recover(t *testing.T) {
	s, o, _ := setupOrchestrator(t, nil)
	ctx := context.Background()

	orphan := &store.AgentSession{
		ID:        "orphan",
		Status:    store.AgentStatusPending,
		Prompt:    "interrupted",
		CWD:       "/tmp",
		Timeout:   time.Minute,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAgentSession(ctx, orphan))
	require.NoError(t, s.MarkAgentSessionRunning(ctx, "orphan", 999999, time.Now().UTC()))

	count, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sess, err := s.GetAgentSession(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "orchestrator restarted")
}

func TestOrchestrator_Cleanup(t *testing.T) {
	s, o, workDir := setupOrchestrator(t, nil)
	o.SetCommandFactory(shellFactory("true"))
	ctx := context.Background()

	sess, err := o.Spawn(ctx, SpawnRequest{Prompt: "old", CWD: workDir})
	require.NoError(t, err)
	final := waitForStatus(t, s, sess.ID, store.AgentStatusCompleted)
	artifactDir := filepath.Dir(final.OutputPath)
	require.DirExists(t, artifactDir)

	// Nothing is old enough yet
	removed, err := o.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	// Shift the clock forward past the retention window
	o.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = o.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetAgentSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoDirExists(t, artifactDir)
}

func TestOrchestrator_Cleanup_Validation(t *testing.T) {
	_, o, _ := setupOrchestrator(t, nil)

	_, err := o.Cleanup(context.Background(), 0)
	assert.Error(t, err)
}
