// ABOUTME: Orchestrator for long-running agent worker processes
// ABOUTME: Spawns, times out, kills, recovers, and durably tracks agent sessions

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
)

// ErrCWDNotAllowed indicates the requested working directory is outside the
// configured allow-list.
var ErrCWDNotAllowed = errors.New("working directory not allowed")

// ErrAtCapacity indicates the concurrent-session budget is exhausted.
// Spawns are rejected rather than queued; the caller decides whether to retry.
var ErrAtCapacity = errors.New("agent session capacity reached")

// ErrAlreadyFinished indicates a kill was requested for a session already in
// a terminal state.
var ErrAlreadyFinished = errors.New("agent session already finished")

// KillReason distinguishes operator kills from timer-fired timeouts.
type KillReason string

const (
	KillReasonManual  KillReason = "manual"
	KillReasonTimeout KillReason = "timeout"
)

// Config holds orchestrator limits and process settings.
type Config struct {
	// AllowedDirs are the only working directories a worker may run in.
	AllowedDirs []string
	// MaxConcurrent caps sessions in pending/running at once.
	MaxConcurrent int
	// DefaultTimeout and MaxTimeout clamp the requested wall-clock budget.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// KillGrace is how long after SIGTERM before escalating to SIGKILL.
	KillGrace time.Duration
	// DataDir holds per-session artifacts (captured output).
	DataDir string
	// Command is the worker argv prefix; the prompt is appended.
	Command []string
}

// SpawnRequest describes a new agent session to launch.
type SpawnRequest struct {
	Prompt         string
	CWD            string
	Model          string
	TimeoutSeconds int
	CallbackURL    string
}

// Orchestrator spawns and tracks agent worker processes. Sessions are
// persisted before launch so a crash of the orchestrator itself is
// recoverable; live process handles are a separate, possibly-absent
// capability from the durable pid record.
type Orchestrator struct {
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	notifier *Notifier
	now      func() time.Time

	// cmdFactory builds the worker command for a session. Tests override it
	// to spawn controlled shell commands.
	cmdFactory func(sess *store.AgentSession) *exec.Cmd

	mu     sync.Mutex
	procs  map[string]*trackedProc
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// trackedProc is a live process handle plus its reaper's completion signal.
type trackedProc struct {
	proc *os.Process
	done chan struct{}
}

// New creates an orchestrator. The default worker command comes from
// cfg.Command with the session prompt appended.
func New(s store.Store, cfg Config, notifier *Notifier, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		notifier: notifier,
		now:      time.Now,
		procs:    make(map[string]*trackedProc),
		timers:   make(map[string]*time.Timer),
	}
	o.cmdFactory = o.defaultCommand
	return o
}

// SetCommandFactory replaces the worker command factory. Intended for tests.
func (o *Orchestrator) SetCommandFactory(factory func(sess *store.AgentSession) *exec.Cmd) {
	o.cmdFactory = factory
}

func (o *Orchestrator) defaultCommand(sess *store.AgentSession) *exec.Cmd {
	argv := make([]string, 0, len(o.cfg.Command)+3)
	argv = append(argv, o.cfg.Command...)
	if sess.Model != "" {
		argv = append(argv, "--model", sess.Model)
	}
	argv = append(argv, sess.Prompt)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = sess.CWD
	return cmd
}

// Spawn validates the request, persists the session, and launches the
// worker detached from the orchestrator's own lifetime. The pid is
// persisted and the session flipped to running immediately after launch.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*store.AgentSession, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if !o.cwdAllowed(req.CWD) {
		return nil, fmt.Errorf("%w: %s", ErrCWDNotAllowed, req.CWD)
	}

	id := uuid.New().String()
	sess := &store.AgentSession{
		ID:          id,
		Status:      store.AgentStatusPending,
		Prompt:      req.Prompt,
		CWD:         req.CWD,
		Model:       req.Model,
		Timeout:     o.clampTimeout(time.Duration(req.TimeoutSeconds) * time.Second),
		CreatedAt:   o.now(),
		OutputPath:  filepath.Join(o.cfg.DataDir, "agents", id, "output.log"),
		CallbackURL: req.CallbackURL,
	}

	// The cap check and the insert are one store transaction, so two
	// concurrent spawns cannot both slip under the budget.
	created, err := o.store.CreateAgentSessionIfUnderCap(ctx, sess, o.cfg.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: %d sessions", ErrAtCapacity, o.cfg.MaxConcurrent)
	}

	if err := o.launch(ctx, sess); err != nil {
		// Launch failures are captured on the session, never thrown past it.
		completedAt := o.now()
		if _, ferr := o.store.FinishAgentSession(ctx, id, store.AgentStatusFailed, nil, err.Error(), "", completedAt); ferr != nil {
			o.logger.Error("recording spawn failure", "id", id, "error", ferr)
		}
		o.logger.Error("spawn failed", "id", id, "error", err)
		return o.store.GetAgentSession(ctx, id)
	}

	return o.store.GetAgentSession(ctx, id)
}

// launch starts the worker process, persists its pid, arms the timeout
// timer, and hands the handle to a reaper goroutine.
func (o *Orchestrator) launch(ctx context.Context, sess *store.AgentSession) error {
	cmd := o.cmdFactory(sess)
	detach(cmd)

	logDir := filepath.Dir(sess.OutputPath)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("creating session dir %s: %w", logDir, err)
	}

	logFile, err := os.OpenFile(sess.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening output log %s: %w", sess.OutputPath, err)
	}

	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("starting worker: %w", err)
	}
	// The fd is inherited by the child; the parent can close its copy.
	_ = logFile.Close()

	pid := cmd.Process.Pid
	startedAt := o.now()
	if err := o.store.MarkAgentSessionRunning(ctx, sess.ID, pid, startedAt); err != nil {
		o.logger.Error("persisting worker pid", "id", sess.ID, "pid", pid, "error", err)
	}

	tracked := &trackedProc{proc: cmd.Process, done: make(chan struct{})}

	o.mu.Lock()
	o.procs[sess.ID] = tracked
	o.timers[sess.ID] = time.AfterFunc(sess.Timeout, func() {
		if err := o.Kill(context.Background(), sess.ID, KillReasonTimeout); err != nil && !errors.Is(err, ErrAlreadyFinished) {
			o.logger.Error("timeout kill failed", "id", sess.ID, "error", err)
		}
	})
	o.mu.Unlock()

	o.logger.Info("worker spawned", "id", sess.ID, "pid", pid, "timeout", sess.Timeout, "cwd", sess.CWD)

	// Reap the worker in the background; the exit event finalizes the session.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		waitErr := cmd.Wait()
		close(tracked.done)
		o.handleExit(sess.ID, cmd, waitErr)
	}()

	return nil
}

// handleExit finalizes a session after its worker exits. If a kill or
// timeout already moved the session to a terminal state, the exit event
// does not overwrite it.
func (o *Orchestrator) handleExit(id string, cmd *exec.Cmd, waitErr error) {
	ctx := context.Background()

	o.mu.Lock()
	delete(o.procs, id)
	if timer, ok := o.timers[id]; ok {
		timer.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()

	exitCode := 0
	errMsg := ""
	status := store.AgentStatusCompleted
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		status = store.AgentStatusFailed
		errMsg = waitErr.Error()
	} else if exitCode != 0 {
		status = store.AgentStatusFailed
		errMsg = fmt.Sprintf("worker exited with code %d", exitCode)
	}

	result := o.captureResult(id)

	applied, err := o.store.FinishAgentSession(ctx, id, status, &exitCode, errMsg, result, o.now())
	if err != nil {
		o.logger.Error("finalizing agent session", "id", id, "error", err)
		return
	}
	if !applied {
		// A kill or timeout got there first; that terminal state stands and
		// its callback was already sent.
		o.logger.Debug("exit event ignored, session already terminal", "id", id)
		return
	}

	o.logger.Info("worker exited", "id", id, "status", status, "exit_code", exitCode)
	o.notifyCompletion(ctx, id)
}

// captureResult reads the worker's buffered output and extracts the last
// structured result record, falling back to the raw text so no output is
// silently dropped.
func (o *Orchestrator) captureResult(id string) string {
	sess, err := o.store.GetAgentSession(context.Background(), id)
	if err != nil {
		o.logger.Error("loading session for result capture", "id", id, "error", err)
		return ""
	}

	output, err := os.ReadFile(sess.OutputPath)
	if err != nil {
		o.logger.Warn("reading worker output", "id", id, "error", err)
		return ""
	}

	if result, ok := ParseResult(output); ok {
		return result
	}
	return strings.TrimSpace(string(output))
}

// Kill terminates a session's worker. The session is flipped to its
// terminal state before the signal goes out so a racing exit event cannot
// override the reason. When the live handle is gone (orchestrator
// restarted), the persisted pid is signaled instead.
func (o *Orchestrator) Kill(ctx context.Context, id string, reason KillReason) error {
	sess, err := o.store.GetAgentSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return ErrAlreadyFinished
	}

	status := store.AgentStatusKilled
	errMsg := "killed by operator"
	if reason == KillReasonTimeout {
		status = store.AgentStatusTimeout
		errMsg = fmt.Sprintf("timed out after %s", sess.Timeout)
	}

	applied, err := o.store.FinishAgentSession(ctx, id, status, nil, errMsg, o.captureResult(id), o.now())
	if err != nil {
		return err
	}
	if !applied {
		return ErrAlreadyFinished
	}

	o.mu.Lock()
	if timer, ok := o.timers[id]; ok {
		timer.Stop()
		delete(o.timers, id)
	}
	tracked := o.procs[id]
	o.mu.Unlock()

	o.logger.Info("killing worker", "id", id, "reason", reason, "pid", sess.PID)

	if tracked != nil {
		o.terminateTracked(tracked)
	} else if sess.PID > 0 {
		o.terminateByPid(sess.PID)
	}

	o.notifyCompletion(ctx, id)
	return nil
}

// terminateTracked signals the live process group and escalates to SIGKILL
// after the grace period if the worker has not exited.
func (o *Orchestrator) terminateTracked(tracked *trackedProc) {
	signalGroup(tracked.proc.Pid, false)

	select {
	case <-tracked.done:
		// Exited within the grace period.
	case <-time.After(o.cfg.KillGrace):
		signalGroup(tracked.proc.Pid, true)
		<-tracked.done
	}
}

// terminateByPid works from the durable pid record alone. There is no exit
// notification to wait on, so escalation is fire-and-forget after the grace
// period.
func (o *Orchestrator) terminateByPid(pid int) {
	signalGroup(pid, false)

	grace := o.cfg.KillGrace
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		time.Sleep(grace)
		signalGroup(pid, true)
	}()
}

// notifyCompletion delivers the best-effort completion callback. Delivery
// failure never alters the session's terminal status.
func (o *Orchestrator) notifyCompletion(ctx context.Context, id string) {
	sess, err := o.store.GetAgentSession(ctx, id)
	if err != nil || sess.CallbackURL == "" || o.notifier == nil {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.notifier.NotifyCompletion(context.Background(), sess)
	}()
}

// Get retrieves one agent session.
func (o *Orchestrator) Get(ctx context.Context, id string) (*store.AgentSession, error) {
	return o.store.GetAgentSession(ctx, id)
}

// List returns agent sessions, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, status store.AgentSessionStatus) ([]*store.AgentSession, error) {
	return o.store.ListAgentSessions(ctx, status)
}

// Recover resolves sessions persisted as pending/running by a previous
// orchestrator into failed: their process handles are unrecoverable.
// Called once at startup before any new spawns.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	return o.store.ReconcileInterruptedAgentSessions(ctx, "orchestrator restarted", o.now())
}

// Cleanup deletes sessions older than maxAge regardless of status, along
// with their on-disk artifacts. Operator-invoked, never automatic.
func (o *Orchestrator) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %v", maxAge)
	}

	deleted, err := o.store.DeleteAgentSessionsBefore(ctx, o.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	for _, sess := range deleted {
		if sess.OutputPath == "" {
			continue
		}
		dir := filepath.Dir(sess.OutputPath)
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("removing session artifacts", "id", sess.ID, "dir", dir, "error", err)
		}
	}

	return len(deleted), nil
}

// Wait blocks until all reaper and notifier goroutines finish. Used by
// tests and clean shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// clampTimeout bounds the requested timeout to [DefaultTimeout, MaxTimeout].
// A zero request means "use the default".
func (o *Orchestrator) clampTimeout(requested time.Duration) time.Duration {
	if requested < o.cfg.DefaultTimeout {
		return o.cfg.DefaultTimeout
	}
	if requested > o.cfg.MaxTimeout {
		return o.cfg.MaxTimeout
	}
	return requested
}

// cwdAllowed checks the working directory against the allow-list. A
// directory is allowed when it equals an entry or sits beneath one.
func (o *Orchestrator) cwdAllowed(cwd string) bool {
	if cwd == "" || !filepath.IsAbs(cwd) {
		return false
	}
	clean := filepath.Clean(cwd)
	for _, dir := range o.cfg.AllowedDirs {
		allowed := filepath.Clean(dir)
		if clean == allowed || strings.HasPrefix(clean, allowed+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
