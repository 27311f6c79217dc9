// Package supervisor spawns one agent CLI process per task inside its
// worktree, streams and normalizes its output, enforces idle and hard
// timeouts, and detects structured sub-task events.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/climpire/climpire/internal/bus"
)

const (
	// DefaultIdleTimeout force-kills a process that produced no output for
	// this long.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultHardTimeout force-kills a process regardless of activity.
	DefaultHardTimeout = 2 * time.Hour

	maxLineBytes = 1024 * 1024
)

// ExitFunc is invoked exactly once after the process terminates and its
// handle has been removed. exitCode is -1 when the process never ran or was
// killed by signal.
type ExitFunc func(taskID string, exitCode int, timedOut bool)

// StartSpec describes one subprocess run.
type StartSpec struct {
	TaskID    string
	SessionID string
	RunID     string
	Provider  string
	Opts      RunOpts
	Prompt    string
	Dir       string
	OnExit    ExitFunc
}

// Handle tracks one live OS process. Its presence in the supervisor's map is
// the signal that a task has an active process.
type Handle struct {
	TaskID    string
	SessionID string
	RunID     string
	PID       int
	LogPath   string
	StartedAt time.Time

	cmd       *exec.Cmd
	logFile   *os.File
	logMu     sync.Mutex
	idleTimer *time.Timer
	hardTimer *time.Timer
	seq       atomic.Int64
	timedOut  atomic.Bool
	detached  atomic.Bool
}

// Supervisor owns the ActiveProcessHandle map keyed by task id.
type Supervisor struct {
	logger      *slog.Logger
	bus         *bus.Bus
	logDir      string
	idleTimeout time.Duration
	hardTimeout time.Duration
	dedup       *deduper

	mu      sync.Mutex
	handles map[string]*Handle

	subMu    sync.Mutex
	subtasks map[string][]SubtaskRecord
}

type Config struct {
	Logger      *slog.Logger
	Bus         *bus.Bus
	LogDir      string
	IdleTimeout time.Duration
	HardTimeout time.Duration
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	hard := cfg.HardTimeout
	if hard <= 0 {
		hard = DefaultHardTimeout
	}
	return &Supervisor{
		logger:      logger,
		bus:         cfg.Bus,
		logDir:      cfg.LogDir,
		idleTimeout: idle,
		hardTimeout: hard,
		dedup:       newDeduper(),
		handles:     make(map[string]*Handle),
		subtasks:    make(map[string][]SubtaskRecord),
	}
}

// HandleFor returns the live handle for a task, if any.
func (s *Supervisor) HandleFor(taskID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[taskID]
	return h, ok
}

// RemoveHandle drops a task's handle. Used by the control plane to purge a
// stale entry whose pid is no longer alive.
func (s *Supervisor) RemoveHandle(taskID string) {
	s.mu.Lock()
	delete(s.handles, taskID)
	s.mu.Unlock()
}

// ActiveCount returns the number of live process handles.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// HandleTaskIDs returns the task ids with a live handle.
func (s *Supervisor) HandleTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

// StaleHandleTaskIDs returns tasks whose handle's pid is no longer alive.
// The wait goroutine normally removes handles itself, so a stale entry means
// the notification was lost.
func (s *Supervisor) StaleHandleTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, h := range s.handles {
		if !processAlive(h.PID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Alive reports whether the given pid names a live process.
func (s *Supervisor) Alive(pid int) bool {
	return processAlive(pid)
}

// Start spawns the agent subprocess for a task. The prompt is delivered on
// stdin, which is then closed. Exactly one handle may exist per task.
func (s *Supervisor) Start(spec StartSpec) (*Handle, error) {
	provider, err := ProviderFor(spec.Provider)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.handles[spec.TaskID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("process already active for task %s", spec.TaskID)
	}
	s.mu.Unlock()

	argv := provider.BuildArgs(spec.Opts)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = sanitizeEnv(os.Environ())
	setProcAttributes(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	var logFile *os.File
	logPath := ""
	if s.logDir != "" {
		if err := os.MkdirAll(s.logDir, 0o755); err == nil {
			logPath = filepath.Join(s.logDir, spec.TaskID+".log")
			logFile, _ = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("spawn %s: %w", spec.Provider, err)
	}

	h := &Handle{
		TaskID:    spec.TaskID,
		SessionID: spec.SessionID,
		RunID:     spec.RunID,
		PID:       cmd.Process.Pid,
		LogPath:   logPath,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		logFile:   logFile,
	}
	h.idleTimer = time.AfterFunc(s.idleTimeout, func() { s.onTimeout(h, "idle") })
	h.hardTimer = time.AfterFunc(s.hardTimeout, func() { s.onTimeout(h, "hard") })

	s.mu.Lock()
	s.handles[spec.TaskID] = h
	s.mu.Unlock()

	s.logger.Info("supervisor: process started",
		"task_id", spec.TaskID, "provider", spec.Provider, "pid", h.PID, "dir", spec.Dir)

	go func() {
		_, _ = io.WriteString(stdin, spec.Prompt)
		_ = stdin.Close()
	}()
	go s.readStream(h, "stdout", stdout)
	go s.readStream(h, "stderr", stderr)
	go s.waitForExit(h, spec.OnExit)

	return h, nil
}

// readStream normalizes each output line, feeds the idle timer, appends to
// the run log, broadcasts it, and probes for sub-task markers.
func (s *Supervisor) readStream(h *Handle, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if h.detached.Load() {
			continue
		}
		h.idleTimer.Reset(s.idleTimeout)

		line, keep := NormalizeLine(scanner.Text())
		if !keep {
			continue
		}
		if !s.dedup.Admit(h.TaskID, stream, line) {
			continue
		}

		h.appendLog(stream, line)
		if s.bus != nil {
			s.bus.Publish(bus.TopicCLIOutput, bus.CLIOutputEvent{
				TaskID: h.TaskID,
				Stream: stream,
				Line:   line,
				Seq:    h.seq.Add(1) - 1,
			})
		}
		if rec, ok := ParseSubtaskMarker(line); ok {
			s.recordSubtask(h.TaskID, rec)
		}
	}
}

func (h *Handle) appendLog(stream, line string) {
	if h.logFile == nil {
		return
	}
	h.logMu.Lock()
	defer h.logMu.Unlock()
	fmt.Fprintf(h.logFile, "[%s] %s\n", stream, line)
}

// onTimeout fires when either timer expires: log the reason, detach
// listeners, and kill the process tree.
func (s *Supervisor) onTimeout(h *Handle, kind string) {
	if !h.timedOut.CompareAndSwap(false, true) {
		return
	}
	h.detached.Store(true)
	s.logger.Warn("supervisor: timeout, killing process tree",
		"task_id", h.TaskID, "pid", h.PID, "reason", kind)
	if err := killTree(h.PID); err != nil {
		s.logger.Error("supervisor: kill after timeout failed", "task_id", h.TaskID, "error", err)
	}
}

// waitForExit reaps the process, tears down timers and the log stream,
// removes the handle, and invokes the completion callback.
func (s *Supervisor) waitForExit(h *Handle, onExit ExitFunc) {
	err := h.cmd.Wait()
	h.idleTimer.Stop()
	h.hardTimer.Stop()
	h.detached.Store(true)

	if h.logFile != nil {
		h.logMu.Lock()
		_ = h.logFile.Close()
		h.logMu.Unlock()
	}
	s.dedup.Forget(h.TaskID)

	s.mu.Lock()
	delete(s.handles, h.TaskID)
	s.mu.Unlock()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}
	timedOut := h.timedOut.Load()
	s.logger.Info("supervisor: process exited",
		"task_id", h.TaskID, "pid", h.PID, "exit_code", exitCode, "timed_out", timedOut)

	if onExit != nil {
		onExit(h.TaskID, exitCode, timedOut)
	}
}

// Interrupt sends a graceful interrupt to the task's process tree. The
// process is expected to wind down on its own; session and worktree are
// preserved.
func (s *Supervisor) Interrupt(taskID string) error {
	h, ok := s.HandleFor(taskID)
	if !ok {
		return fmt.Errorf("no active process for task %s", taskID)
	}
	return interruptTree(h.PID)
}

// Kill force-kills the task's process tree.
func (s *Supervisor) Kill(taskID string) error {
	h, ok := s.HandleFor(taskID)
	if !ok {
		return fmt.Errorf("no active process for task %s", taskID)
	}
	h.detached.Store(true)
	return killTree(h.PID)
}

func (s *Supervisor) recordSubtask(taskID string, rec SubtaskRecord) {
	s.subMu.Lock()
	s.subtasks[taskID] = append(s.subtasks[taskID], rec)
	s.subMu.Unlock()
	if s.bus != nil {
		s.bus.Publish(bus.TopicSubtask, bus.SubtaskEvent{
			TaskID:     taskID,
			Kind:       rec.Kind,
			SubagentID: rec.SubagentID,
			Detail:     rec.Detail,
		})
	}
}

// SubtasksFor returns the delegated-subtask ledger of a task.
func (s *Supervisor) SubtasksFor(taskID string) []SubtaskRecord {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]SubtaskRecord, len(s.subtasks[taskID]))
	copy(out, s.subtasks[taskID])
	return out
}

// ClearSubtasks drops a task's subtask ledger, called on cancel.
func (s *Supervisor) ClearSubtasks(taskID string) {
	s.subMu.Lock()
	delete(s.subtasks, taskID)
	s.subMu.Unlock()
}
