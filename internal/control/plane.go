// Package control implements the task state machine: run, pause, cancel,
// inject, resume, and completion. It is the only mutator of task and agent
// rows; the supervisor, worktree manager, and session registry are invoked by
// it and return results rather than touching shared state themselves.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/climpire/climpire/internal/audit"
	"github.com/climpire/climpire/internal/bus"
	"github.com/climpire/climpire/internal/interrupt"
	"github.com/climpire/climpire/internal/persistence"
	"github.com/climpire/climpire/internal/shared"
	"github.com/climpire/climpire/internal/supervisor"
	"github.com/climpire/climpire/internal/worktree"
)

// TaskStore is the slice of the persistence layer the plane mutates.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (persistence.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status persistence.TaskStatus) error
	SetTaskSession(ctx context.Context, taskID, sessionID string) error
	GetAgent(ctx context.Context, agentID string) (persistence.Agent, error)
	SetAgentWork(ctx context.Context, agentID, status, currentTaskID string) error
	GetProject(ctx context.Context, projectID string) (persistence.Project, error)
	PendingInjections(ctx context.Context, taskID string) ([]persistence.InterruptInjection, error)
	PendingInjectionCount(ctx context.Context, taskID string) (int, error)
	ConsumeInjections(ctx context.Context, ids []string) error
	CreateInjection(ctx context.Context, inj persistence.InterruptInjection) (persistence.InterruptInjection, error)
	RecordTaskEvent(ctx context.Context, ev persistence.TaskEvent) error
}

// Workspaces is the worktree surface the plane drives.
type Workspaces interface {
	Bootstrap(ctx context.Context, projectPath string) error
	Create(ctx context.Context, taskID, projectPath, baseBranch string) (worktree.Info, error)
	Rollback(ctx context.Context, taskID string) (bool, error)
	Merge(ctx context.Context, taskID string) (worktree.MergeResult, error)
	MergeToDev(ctx context.Context, taskID string) (worktree.MergeResult, error)
}

// Processes is the supervisor surface the plane drives.
type Processes interface {
	Start(spec supervisor.StartSpec) (*supervisor.Handle, error)
	HandleFor(taskID string) (*supervisor.Handle, bool)
	RemoveHandle(taskID string)
	Alive(pid int) bool
	Interrupt(taskID string) error
	Kill(taskID string) error
	ClearSubtasks(taskID string)
}

// Metrics receives engine counters. Implementations must tolerate any ctx.
type Metrics interface {
	RunStarted(ctx context.Context, provider string)
	ProcessExited(ctx context.Context, exitCode int, timedOut bool)
	InterruptQueued(ctx context.Context)
	RolledBack(ctx context.Context)
}

// Plane owns every task transition.
type Plane struct {
	logger   *slog.Logger
	store    TaskStore
	sessions *interrupt.Registry
	trees    Workspaces
	procs    Processes
	bus      *bus.Bus
	audit    *audit.Log
	metrics  Metrics

	sched *resumeScheduler
	stops *stopLedger

	// resumeDelay is swapped in tests to collapse the jitter window.
	resumeDelay func() time.Duration
}

type Config struct {
	Logger   *slog.Logger
	Store    TaskStore
	Sessions *interrupt.Registry
	Trees    Workspaces
	Procs    Processes
	Bus      *bus.Bus
	Audit    *audit.Log
	Metrics  Metrics
}

func New(cfg Config) *Plane {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		logger:      logger,
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		trees:       cfg.Trees,
		procs:       cfg.Procs,
		bus:         cfg.Bus,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		sched:       newResumeScheduler(),
		stops:       newStopLedger(),
		resumeDelay: resumeJitter,
	}
}

// RunResult is the response payload of a run call.
type RunResult struct {
	OK       bool   `json:"ok"`
	PID      int    `json:"pid,omitempty"`
	LogPath  string `json:"logPath,omitempty"`
	Cwd      string `json:"cwd"`
	Worktree bool   `json:"worktree"`
}

// Run starts the agent subprocess for a task. Pending injections are folded
// into the prompt and marked consumed before spawn; a failed spawn does not
// requeue them.
func (p *Plane) Run(ctx context.Context, taskID string) (RunResult, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return RunResult{}, err
	}
	if task.Status.IsTerminal() || task.Status == persistence.TaskStatusInProgress {
		return RunResult{}, ErrInvalidStatus
	}
	if task.AssignedAgentID == "" {
		return RunResult{}, ErrNoAgentAssigned
	}
	agent, err := p.store.GetAgent(ctx, task.AssignedAgentID)
	if err != nil {
		if errors.Is(err, persistence.ErrAgentNotFound) {
			return RunResult{}, ErrAgentNotFound
		}
		return RunResult{}, err
	}
	provider, err := supervisor.ProviderFor(agent.CLIProvider)
	if err != nil {
		return RunResult{}, err
	}
	if h, ok := p.procs.HandleFor(taskID); ok {
		if p.procs.Alive(h.PID) {
			return RunResult{}, ErrProcessStillActive
		}
		p.logger.Warn("control: purging stale process handle", "task_id", taskID, "pid", h.PID)
		p.procs.RemoveHandle(taskID)
	}
	if agent.Status == persistence.AgentStatusWorking && agent.CurrentTaskID != "" && agent.CurrentTaskID != taskID {
		return RunResult{}, ErrAgentBusy
	}

	sess := p.sessions.EnsureSession(taskID, agent.ID, agent.CLIProvider)
	if err := p.store.SetTaskSession(ctx, taskID, sess.SessionID); err != nil {
		p.logger.Warn("control: persist session id failed", "task_id", taskID, "error", err)
	}

	dir := "."
	usedWorktree := false
	if task.ProjectID != "" {
		project, err := p.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			return RunResult{}, err
		}
		dir = project.Path
		if provider.UsesWorktree() {
			if err := p.trees.Bootstrap(ctx, project.Path); err != nil {
				return RunResult{}, fmt.Errorf("bootstrap project: %w", err)
			}
			info, err := p.trees.Create(ctx, taskID, project.Path, project.BaseBranch)
			if err != nil {
				return RunResult{}, fmt.Errorf("create worktree: %w", err)
			}
			dir = info.WorktreePath
			usedWorktree = true
			p.publish(bus.TopicWorktree, bus.WorktreeEvent{TaskID: taskID, Action: "create", Branch: info.BranchName})
		}
	}

	prompt, err := p.assemblePrompt(ctx, task, sess.SessionID)
	if err != nil {
		return RunResult{}, err
	}

	prev := task.Status
	runID := shared.NewRunID()
	if err := p.store.UpdateTaskStatus(ctx, taskID, persistence.TaskStatusInProgress); err != nil {
		return RunResult{}, err
	}
	if err := p.store.SetAgentWork(ctx, agent.ID, persistence.AgentStatusWorking, taskID); err != nil {
		p.logger.Warn("control: set agent working failed", "agent_id", agent.ID, "error", err)
	}
	p.recordEvent(ctx, taskID, sess.SessionID, "run", prev, persistence.TaskStatusInProgress, runID)
	p.publish(bus.TopicTaskUpdate, bus.TaskUpdateEvent{
		TaskID: taskID, Status: string(persistence.TaskStatusInProgress),
		PrevStatus: string(prev), AgentID: agent.ID, RunID: runID,
	})
	p.publish(bus.TopicAgentStatus, bus.AgentStatusEvent{
		AgentID: agent.ID, Status: persistence.AgentStatusWorking, CurrentTaskID: taskID,
	})

	handle, err := p.procs.Start(supervisor.StartSpec{
		TaskID:    taskID,
		SessionID: sess.SessionID,
		RunID:     runID,
		Provider:  agent.CLIProvider,
		Opts:      supervisor.RunOpts{Model: agent.Model, ReasoningLevel: agent.ReasoningLevel},
		Prompt:    prompt,
		Dir:       dir,
		OnExit:    p.onProcessExit,
	})
	if err != nil {
		// Spawn failed: put the task back where it can be retried by hand.
		if uerr := p.store.UpdateTaskStatus(ctx, taskID, persistence.TaskStatusPending); uerr != nil {
			p.logger.Error("control: revert after spawn failure", "task_id", taskID, "error", uerr)
		}
		if aerr := p.store.SetAgentWork(ctx, agent.ID, persistence.AgentStatusIdle, ""); aerr != nil {
			p.logger.Warn("control: set agent idle failed", "agent_id", agent.ID, "error", aerr)
		}
		p.recordEvent(ctx, taskID, sess.SessionID, "spawn_failed", persistence.TaskStatusInProgress, persistence.TaskStatusPending, runID)
		p.publish(bus.TopicTaskUpdate, bus.TaskUpdateEvent{
			TaskID: taskID, Status: string(persistence.TaskStatusPending),
			PrevStatus: string(persistence.TaskStatusInProgress), AgentID: agent.ID,
		})
		return RunResult{}, fmt.Errorf("start process: %w", err)
	}

	p.auditRecord(ctx, audit.Entry{
		Action: "run", TaskID: taskID, AgentID: agent.ID, SessionID: sess.SessionID,
		Detail: map[string]any{"pid": handle.PID, "provider": agent.CLIProvider, "cwd": dir, "run_id": runID},
	})
	if p.metrics != nil {
		p.metrics.RunStarted(ctx, agent.CLIProvider)
	}
	p.logger.Info("control: task running",
		"task_id", taskID, "agent_id", agent.ID, "pid", handle.PID, "worktree", usedWorktree)

	return RunResult{OK: true, PID: handle.PID, LogPath: handle.LogPath, Cwd: dir, Worktree: usedWorktree}, nil
}

// assemblePrompt builds the subprocess stdin payload: the task description
// plus any pending operator injections, FIFO, which are marked consumed here.
func (p *Plane) assemblePrompt(ctx context.Context, task persistence.Task, sessionID string) (string, error) {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n\nWork autonomously in the current directory. Commit as you go.\n")

	pending, err := p.store.PendingInjections(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("load injections: %w", err)
	}
	if len(pending) > 0 {
		b.WriteString("\nOperator notes queued while you were paused, oldest first:\n")
		ids := make([]string, 0, len(pending))
		for i, inj := range pending {
			fmt.Fprintf(&b, "%d. %s\n", i+1, inj.PromptText)
			ids = append(ids, inj.ID)
		}
		if err := p.store.ConsumeInjections(ctx, ids); err != nil {
			return "", fmt.Errorf("consume injections: %w", err)
		}
		p.logger.Info("control: injections folded into prompt",
			"task_id", task.ID, "session_id", sessionID, "count", len(pending))
	}
	return b.String(), nil
}

// onProcessExit finalizes a run after the subprocess terminates. If a stop
// operation already claimed this exit, the stop path owns the status and this
// handler only records the event.
func (p *Plane) onProcessExit(taskID string, exitCode int, timedOut bool) {
	ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
	if p.metrics != nil {
		p.metrics.ProcessExited(ctx, exitCode, timedOut)
	}
	if mode, claimed := p.stops.claim(taskID); claimed {
		p.recordEvent(ctx, taskID, "", "process_exited_"+mode, "", "", "")
		return
	}

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Error("control: exit handler load task", "task_id", taskID, "error", err)
		return
	}
	if task.Status != persistence.TaskStatusInProgress && task.Status != persistence.TaskStatusCollaborating {
		return
	}

	var target persistence.TaskStatus
	switch {
	case timedOut:
		// Timeouts behave like a cancel: workspace rolled back, session over.
		target = persistence.TaskStatusCancelled
		if rolled, err := p.trees.Rollback(ctx, taskID); err != nil {
			p.logger.Warn("control: timeout rollback failed", "task_id", taskID, "error", err)
		} else if rolled {
			if p.metrics != nil {
				p.metrics.RolledBack(ctx)
			}
			p.publish(bus.TopicWorktree, bus.WorktreeEvent{TaskID: taskID, Action: "rollback"})
		}
		p.procs.ClearSubtasks(taskID)
		p.sessions.EndSession(taskID)
		if err := p.store.SetTaskSession(ctx, taskID, ""); err != nil {
			p.logger.Warn("control: clear session id failed", "task_id", taskID, "error", err)
		}
	case exitCode == 0:
		target = persistence.TaskStatusReview
	default:
		target = persistence.TaskStatusPending
	}

	if err := p.store.UpdateTaskStatus(ctx, taskID, target); err != nil {
		p.logger.Error("control: finalize status", "task_id", taskID, "error", err)
		return
	}
	if task.AssignedAgentID != "" {
		if err := p.store.SetAgentWork(ctx, task.AssignedAgentID, persistence.AgentStatusIdle, ""); err != nil {
			p.logger.Warn("control: set agent idle failed", "agent_id", task.AssignedAgentID, "error", err)
		}
		p.publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: task.AssignedAgentID, Status: persistence.AgentStatusIdle})
	}
	p.recordEvent(ctx, taskID, task.SessionID, "process_exited", task.Status, target, "")
	p.publish(bus.TopicTaskUpdate, bus.TaskUpdateEvent{
		TaskID: taskID, Status: string(target), PrevStatus: string(task.Status), AgentID: task.AssignedAgentID,
	})
	p.auditRecord(ctx, audit.Entry{
		Action: "process_exit", TaskID: taskID, SessionID: task.SessionID,
		Detail: map[string]any{"exit_code": exitCode, "timed_out": timedOut, "status": string(target)},
	})
	p.logger.Info("control: run finalized",
		"task_id", taskID, "exit_code", exitCode, "timed_out", timedOut, "status", target)
}

// StopMode selects pause or cancel semantics.
type StopMode string

const (
	StopPause  StopMode = "pause"
	StopCancel StopMode = "cancel"
)

// InterruptProof is returned on pause so the operator can inject or resume.
type InterruptProof struct {
	SessionID    string `json:"session_id"`
	ControlToken string `json:"control_token"`
	RequiresCSRF bool   `json:"requires_csrf"`
}

// StopResult is the response payload of a stop call.
type StopResult struct {
	OK         bool            `json:"ok"`
	Stopped    bool            `json:"stopped"`
	Status     string          `json:"status"`
	PID        int             `json:"pid,omitempty"`
	RolledBack bool            `json:"rolled_back"`
	Interrupt  *InterruptProof `json:"interrupt"`
}

// Stop pauses or cancels a task. Pause interrupts the process gracefully and
// preserves session and worktree; cancel kills the tree, rolls the worktree
// back, and ends the session. The status change is authoritative; cleanup is
// best-effort.
func (p *Plane) Stop(ctx context.Context, taskID string, mode StopMode, sessionID, token string) (StopResult, error) {
	if mode != StopPause && mode != StopCancel {
		return StopResult{}, ErrInvalidMode
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return StopResult{}, err
	}
	if task.Status.IsTerminal() {
		return StopResult{}, ErrInvalidStatus
	}
	if mode == StopPause {
		if err := p.sessions.ValidateProof(taskID, sessionID, token, false); err != nil {
			return StopResult{}, err
		}
	}

	target := persistence.TaskStatusPending
	if mode == StopCancel {
		target = persistence.TaskStatusCancelled
	}
	p.sched.cancel(taskID)

	handle, hasProc := p.procs.HandleFor(taskID)
	pid := 0
	if hasProc {
		pid = handle.PID
		p.stops.expect(taskID, string(mode))
		if mode == StopPause {
			if err := p.procs.Interrupt(taskID); err != nil {
				p.logger.Warn("control: graceful interrupt failed", "task_id", taskID, "error", err)
			}
		} else {
			if err := p.procs.Kill(taskID); err != nil {
				p.logger.Warn("control: kill failed", "task_id", taskID, "error", err)
			}
		}
	}

	rolledBack := false
	if mode == StopCancel {
		if rolled, err := p.trees.Rollback(ctx, taskID); err != nil {
			p.logger.Warn("control: cancel rollback failed", "task_id", taskID, "error", err)
		} else {
			rolledBack = rolled
			if rolled {
				if p.metrics != nil {
					p.metrics.RolledBack(ctx)
				}
				p.publish(bus.TopicWorktree, bus.WorktreeEvent{TaskID: taskID, Action: "rollback"})
			}
		}
		p.procs.ClearSubtasks(taskID)
		p.sessions.EndSession(taskID)
		if err := p.store.SetTaskSession(ctx, taskID, ""); err != nil {
			p.logger.Warn("control: clear session id failed", "task_id", taskID, "error", err)
		}
	}

	if err := p.store.UpdateTaskStatus(ctx, taskID, target); err != nil {
		return StopResult{}, err
	}
	if task.AssignedAgentID != "" {
		if err := p.store.SetAgentWork(ctx, task.AssignedAgentID, persistence.AgentStatusIdle, ""); err != nil {
			p.logger.Warn("control: set agent idle failed", "agent_id", task.AssignedAgentID, "error", err)
		}
		p.publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: task.AssignedAgentID, Status: persistence.AgentStatusIdle})
	}
	p.recordEvent(ctx, taskID, task.SessionID, "stop_"+string(mode), task.Status, target, "")
	p.publish(bus.TopicTaskUpdate, bus.TaskUpdateEvent{
		TaskID: taskID, Status: string(target), PrevStatus: string(task.Status), AgentID: task.AssignedAgentID,
	})

	var proof *InterruptProof
	if mode == StopPause {
		sess := p.sessions.EnsureSession(taskID, task.AssignedAgentID, "")
		if task.SessionID == "" {
			if err := p.store.SetTaskSession(ctx, taskID, sess.SessionID); err != nil {
				p.logger.Warn("control: persist session id failed", "task_id", taskID, "error", err)
			}
		}
		proof = &InterruptProof{
			SessionID:    sess.SessionID,
			ControlToken: p.sessions.ControlToken(taskID, sess.SessionID),
			RequiresCSRF: true,
		}
	}

	p.auditRecord(ctx, audit.Entry{
		Action: "stop_" + string(mode), TaskID: taskID, SessionID: task.SessionID,
		Detail: map[string]any{"had_process": hasProc, "pid": pid, "rolled_back": rolledBack},
	})
	p.logger.Info("control: task stopped",
		"task_id", taskID, "mode", mode, "had_process", hasProc, "rolled_back", rolledBack)

	return StopResult{
		OK: true, Stopped: hasProc, Status: string(target),
		PID: pid, RolledBack: rolledBack, Interrupt: proof,
	}, nil
}

// InjectResult is the response payload of an inject call.
type InjectResult struct {
	OK           bool   `json:"ok"`
	Queued       bool   `json:"queued"`
	SessionID    string `json:"session_id"`
	PromptHash   string `json:"prompt_hash"`
	PendingCount int    `json:"pending_count"`
}

// Inject queues an operator prompt for a paused task's next run. Requires a
// full session proof and a prompt that survives sanitization.
func (p *Plane) Inject(ctx context.Context, taskID, sessionID, token, prompt string) (InjectResult, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return InjectResult{}, err
	}
	if task.Status != persistence.TaskStatusPending {
		return InjectResult{}, ErrInvalidStatus
	}
	if err := p.sessions.ValidateProof(taskID, sessionID, token, true); err != nil {
		return InjectResult{}, err
	}
	clean, err := interrupt.SanitizePrompt(prompt)
	if err != nil {
		return InjectResult{}, err
	}

	hash := interrupt.PromptHash(clean)
	inj, err := p.store.CreateInjection(ctx, persistence.InterruptInjection{
		TaskID:         taskID,
		SessionID:      sessionID,
		PromptText:     clean,
		PromptHash:     hash,
		ActorTokenHash: interrupt.ActorTokenHash(token),
	})
	if err != nil {
		return InjectResult{}, fmt.Errorf("queue injection: %w", err)
	}
	count, err := p.store.PendingInjectionCount(ctx, taskID)
	if err != nil {
		p.logger.Warn("control: pending count failed", "task_id", taskID, "error", err)
		count = 1
	}

	p.publish(bus.TopicTaskInterrupt, bus.TaskInterruptEvent{
		TaskID: taskID, SessionID: sessionID,
		PromptHash: interrupt.TruncatedHash(hash), PendingCount: count,
	})
	p.recordEvent(ctx, taskID, sessionID, "inject", "", "", "")
	p.auditRecord(ctx, audit.Entry{
		Action: "inject", TaskID: taskID, SessionID: sessionID,
		Detail: map[string]any{"injection_id": inj.ID, "prompt_hash": hash, "pending_count": count},
	})
	if p.metrics != nil {
		p.metrics.InterruptQueued(ctx)
	}
	p.logger.Info("control: injection queued",
		"task_id", taskID, "session_id", sessionID, "prompt_hash", interrupt.TruncatedHash(hash))

	return InjectResult{OK: true, Queued: true, SessionID: sessionID, PromptHash: hash, PendingCount: count}, nil
}

// ResumeResult is the response payload of a resume call.
type ResumeResult struct {
	OK          bool   `json:"ok"`
	Status      string `json:"status"`
	AutoResumed bool   `json:"auto_resumed"`
	SessionID   string `json:"session_id,omitempty"`
}

// Resume lifts a task out of pending or cancelled. A pending task with a
// non-offline agent is re-run automatically after a short jitter; the
// scheduled run re-checks state immediately before firing so a stop issued
// during the window wins. Resume never creates a session.
func (p *Plane) Resume(ctx context.Context, taskID, sessionID, token string) (ResumeResult, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return ResumeResult{}, err
	}
	if !task.Status.IsResumable() {
		return ResumeResult{}, ErrInvalidStatus
	}
	if err := p.sessions.ValidateProof(taskID, sessionID, token, false); err != nil {
		return ResumeResult{}, err
	}
	if h, ok := p.procs.HandleFor(taskID); ok {
		if p.procs.Alive(h.PID) {
			return ResumeResult{}, ErrAlreadyRunning
		}
		p.logger.Warn("control: purging stale process handle", "task_id", taskID, "pid", h.PID)
		p.procs.RemoveHandle(taskID)
	}

	target := persistence.TaskStatusInbox
	if task.AssignedAgentID != "" {
		target = persistence.TaskStatusPlanned
	}
	wasPending := task.Status == persistence.TaskStatusPending

	if err := p.store.UpdateTaskStatus(ctx, taskID, target); err != nil {
		return ResumeResult{}, err
	}
	p.recordEvent(ctx, taskID, task.SessionID, "resume", task.Status, target, "")
	p.publish(bus.TopicTaskUpdate, bus.TaskUpdateEvent{
		TaskID: taskID, Status: string(target), PrevStatus: string(task.Status), AgentID: task.AssignedAgentID,
	})

	liveSession := ""
	if sess, ok := p.sessions.SessionFor(taskID); ok {
		liveSession = sess.SessionID
	}

	autoResumed := false
	if wasPending && task.AssignedAgentID != "" {
		agent, err := p.store.GetAgent(ctx, task.AssignedAgentID)
		if err == nil && agent.Status != persistence.AgentStatusOffline {
			autoResumed = true
			p.sched.schedule(taskID, p.resumeDelay(), func() {
				p.autoRun(taskID)
			})
		}
	}

	p.auditRecord(ctx, audit.Entry{
		Action: "resume", TaskID: taskID, SessionID: liveSession,
		Detail: map[string]any{"status": string(target), "auto_resumed": autoResumed},
	})
	p.logger.Info("control: task resumed",
		"task_id", taskID, "status", target, "auto_resumed", autoResumed)

	return ResumeResult{OK: true, Status: string(target), AutoResumed: autoResumed, SessionID: liveSession}, nil
}

// autoRun is the deferred half of Resume. It re-checks that the task is still
// waiting to run and has not been stopped or started in the meantime.
func (p *Plane) autoRun(taskID string) {
	ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Warn("control: auto-resume load task", "task_id", taskID, "error", err)
		return
	}
	if task.Status != persistence.TaskStatusPlanned {
		return
	}
	if _, ok := p.procs.HandleFor(taskID); ok {
		return
	}
	if _, err := p.Run(ctx, taskID); err != nil {
		p.logger.Warn("control: auto-resume run failed", "task_id", taskID, "error", err)
	}
}

// CompleteResult is the response payload of a complete call.
type CompleteResult struct {
	OK        bool     `json:"ok"`
	Status    string   `json:"status"`
	Merged    bool     `json:"merged"`
	Message   string   `json:"message,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	PRUrl     string   `json:"pr_url,omitempty"`
}

// Complete merges a reviewed task's branch and closes it out. On conflicts
// the task stays in review and the conflict list is returned; on success the
// worktree is cleaned up, the session ends, and the task goes terminal.
func (p *Plane) Complete(ctx context.Context, taskID string, toDev bool) (CompleteResult, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return CompleteResult{}, err
	}
	if task.Status != persistence.TaskStatusReview {
		return CompleteResult{}, ErrInvalidStatus
	}
	if h, ok := p.procs.HandleFor(taskID); ok && p.procs.Alive(h.PID) {
		return CompleteResult{}, ErrProcessStillActive
	}

	merge := p.trees.Merge
	if toDev {
		merge = p.trees.MergeToDev
	}
	res, err := merge(ctx, taskID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("merge task branch: %w", err)
	}
	if !res.Success {
		p.publish(bus.TopicWorktree, bus.WorktreeEvent{TaskID: taskID, Action: "merge_conflict", Conflicts: res.Conflicts})
		return CompleteResult{
			OK: false, Status: string(task.Status),
			Message: res.Message, Conflicts: res.Conflicts,
		}, nil
	}

	if _, err := p.trees.Rollback(ctx, taskID); err != nil {
		p.logger.Warn("control: post-merge cleanup failed", "task_id", taskID, "error", err)
	}
	p.sessions.EndSession(taskID)
	if err := p.store.SetTaskSession(ctx, taskID, ""); err != nil {
		p.logger.Warn("control: clear session id failed", "task_id", taskID, "error", err)
	}
	p.procs.ClearSubtasks(taskID)
	if err := p.store.UpdateTaskStatus(ctx, taskID, persistence.TaskStatusDone); err != nil {
		return CompleteResult{}, err
	}
	p.recordEvent(ctx, taskID, task.SessionID, "complete", task.Status, persistence.TaskStatusDone, "")
	p.publish(bus.TopicTaskUpdate, bus.TaskUpdateEvent{
		TaskID: taskID, Status: string(persistence.TaskStatusDone), PrevStatus: string(task.Status), AgentID: task.AssignedAgentID,
	})
	p.publish(bus.TopicWorktree, bus.WorktreeEvent{TaskID: taskID, Action: "merged"})
	p.auditRecord(ctx, audit.Entry{
		Action: "complete", TaskID: taskID, SessionID: task.SessionID,
		Detail: map[string]any{"merged": res.Merged, "to_dev": toDev, "pr_url": res.PRUrl},
	})
	p.logger.Info("control: task completed", "task_id", taskID, "merged", res.Merged, "to_dev", toDev)

	return CompleteResult{OK: true, Status: string(persistence.TaskStatusDone), Merged: res.Merged, Message: res.Message, PRUrl: res.PRUrl}, nil
}

// PauseAll interrupts every task with a live process, used on daemon
// shutdown so agents flush their session state.
func (p *Plane) PauseAll(ctx context.Context, taskIDs []string) {
	for _, id := range taskIDs {
		if _, err := p.Stop(ctx, id, StopPause, "", ""); err != nil {
			p.logger.Warn("control: shutdown pause failed", "task_id", id, "error", err)
		}
	}
}

func (p *Plane) publish(topic string, payload any) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}

func (p *Plane) recordEvent(ctx context.Context, taskID, sessionID, eventType string, from, to persistence.TaskStatus, runID string) {
	ev := persistence.TaskEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		EventType: eventType,
		StateFrom: from,
		StateTo:   to,
		RunID:     runID,
		TraceID:   shared.TraceID(ctx),
	}
	if err := p.store.RecordTaskEvent(ctx, ev); err != nil {
		p.logger.Warn("control: record task event failed", "task_id", taskID, "event", eventType, "error", err)
	}
}

func (p *Plane) auditRecord(ctx context.Context, e audit.Entry) {
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	p.audit.Record(e)
}
