package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/climpire/climpire/internal/interrupt"
	"github.com/climpire/climpire/internal/persistence"
	"github.com/climpire/climpire/internal/supervisor"
	"github.com/climpire/climpire/internal/worktree"
)

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]persistence.Task
	agents     map[string]persistence.Agent
	projects   map[string]persistence.Project
	injections []persistence.InterruptInjection
	events     []persistence.TaskEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]persistence.Task),
		agents:   make(map[string]persistence.Agent),
		projects: make(map[string]persistence.Project),
	}
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return persistence.Task{}, persistence.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, taskID string, status persistence.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return persistence.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is terminal", taskID)
	}
	t.Status = status
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) SetTaskSession(_ context.Context, taskID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return persistence.ErrTaskNotFound
	}
	t.SessionID = sessionID
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) GetAgent(_ context.Context, agentID string) (persistence.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return persistence.Agent{}, persistence.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeStore) SetAgentWork(_ context.Context, agentID, status, currentTaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return persistence.ErrAgentNotFound
	}
	a.Status = status
	a.CurrentTaskID = currentTaskID
	f.agents[agentID] = a
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (persistence.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return persistence.Project{}, persistence.ErrProjectNotFound
	}
	return p, nil
}

func (f *fakeStore) PendingInjections(_ context.Context, taskID string) ([]persistence.InterruptInjection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.InterruptInjection
	for _, inj := range f.injections {
		if inj.TaskID == taskID && inj.ConsumedAt == nil {
			out = append(out, inj)
		}
	}
	return out, nil
}

func (f *fakeStore) PendingInjectionCount(_ context.Context, taskID string) (int, error) {
	pending, _ := f.PendingInjections(context.Background(), taskID)
	return len(pending), nil
}

func (f *fakeStore) ConsumeInjections(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for i := range f.injections {
		for _, id := range ids {
			if f.injections[i].ID == id {
				f.injections[i].ConsumedAt = &now
			}
		}
	}
	return nil
}

func (f *fakeStore) CreateInjection(_ context.Context, inj persistence.InterruptInjection) (persistence.InterruptInjection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inj.ID == "" {
		inj.ID = fmt.Sprintf("inj-%d", len(f.injections)+1)
	}
	f.injections = append(f.injections, inj)
	return inj, nil
}

func (f *fakeStore) RecordTaskEvent(_ context.Context, ev persistence.TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) taskStatus(t *testing.T, taskID string) persistence.TaskStatus {
	t.Helper()
	task, err := f.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask(%q): %v", taskID, err)
	}
	return task.Status
}

type fakeTrees struct {
	mu        sync.Mutex
	rollbacks []string
	rolled    bool
	mergeRes  worktree.MergeResult
	merges    []string
	devMerges []string
}

func (f *fakeTrees) Bootstrap(context.Context, string) error { return nil }

func (f *fakeTrees) Create(_ context.Context, taskID, projectPath, _ string) (worktree.Info, error) {
	return worktree.Info{
		TaskID:       taskID,
		WorktreePath: projectPath + "/.climpire-worktrees/" + taskID,
		BranchName:   "climpire/" + taskID,
		ProjectPath:  projectPath,
	}, nil
}

func (f *fakeTrees) Rollback(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, taskID)
	return f.rolled, nil
}

func (f *fakeTrees) Merge(_ context.Context, taskID string) (worktree.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, taskID)
	return f.mergeRes, nil
}

func (f *fakeTrees) MergeToDev(_ context.Context, taskID string) (worktree.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devMerges = append(f.devMerges, taskID)
	return f.mergeRes, nil
}

func (f *fakeTrees) rollbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rollbacks)
}

type fakeProcs struct {
	mu         sync.Mutex
	handles    map[string]*supervisor.Handle
	alive      map[int]bool
	startErr   error
	started    []supervisor.StartSpec
	interrupts []string
	kills      []string
	cleared    []string
	nextPID    int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		handles: make(map[string]*supervisor.Handle),
		alive:   make(map[int]bool),
		nextPID: 4242,
	}
}

func (f *fakeProcs) Start(spec supervisor.StartSpec) (*supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextPID++
	f.started = append(f.started, spec)
	h := &supervisor.Handle{
		TaskID:    spec.TaskID,
		SessionID: spec.SessionID,
		RunID:     spec.RunID,
		PID:       f.nextPID,
		LogPath:   "/tmp/" + spec.TaskID + ".log",
		StartedAt: time.Now(),
	}
	f.handles[spec.TaskID] = h
	f.alive[h.PID] = true
	return h, nil
}

func (f *fakeProcs) HandleFor(taskID string) (*supervisor.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[taskID]
	return h, ok
}

func (f *fakeProcs) RemoveHandle(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, taskID)
}

func (f *fakeProcs) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcs) Interrupt(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, taskID)
	return nil
}

func (f *fakeProcs) Kill(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, taskID)
	return nil
}

func (f *fakeProcs) ClearSubtasks(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, taskID)
}

func (f *fakeProcs) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeProcs) lastStart() supervisor.StartSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

// plant registers a handle without going through Start, mimicking a process
// from a previous run.
func (f *fakeProcs) plant(taskID string, pid int, isAlive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[taskID] = &supervisor.Handle{TaskID: taskID, PID: pid}
	f.alive[pid] = isAlive
}

type planeFixture struct {
	plane    *Plane
	store    *fakeStore
	trees    *fakeTrees
	procs    *fakeProcs
	sessions *interrupt.Registry
}

func newPlaneFixture(t *testing.T) *planeFixture {
	t.Helper()
	store := newFakeStore()
	trees := &fakeTrees{rolled: true}
	procs := newFakeProcs()
	sessions := interrupt.NewRegistry("fixture-secret")
	p := New(Config{
		Logger:   slog.New(slog.DiscardHandler),
		Store:    store,
		Sessions: sessions,
		Trees:    trees,
		Procs:    procs,
	})
	return &planeFixture{plane: p, store: store, trees: trees, procs: procs, sessions: sessions}
}

func (fx *planeFixture) addAgent(id, status string) {
	fx.store.agents[id] = persistence.Agent{
		ID: id, Name: id, Status: status, CLIProvider: "claude",
	}
}

func (fx *planeFixture) addTask(id string, status persistence.TaskStatus, agentID string) {
	fx.store.tasks[id] = persistence.Task{
		ID: id, Title: "Fix the flaky build", Status: status, AssignedAgentID: agentID,
	}
}

func TestRunStartsProcess(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")

	res, err := fx.plane.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.PID == 0 || res.Worktree {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Cwd != "." {
		t.Fatalf("Cwd = %q, want %q for a task without a project", res.Cwd, ".")
	}
	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusInProgress {
		t.Fatalf("task status = %q, want in_progress", got)
	}
	agent, _ := fx.store.GetAgent(context.Background(), "ag-1")
	if agent.Status != persistence.AgentStatusWorking || agent.CurrentTaskID != "t1" {
		t.Fatalf("agent not marked working on t1: %+v", agent)
	}
	task, _ := fx.store.GetTask(context.Background(), "t1")
	if task.SessionID == "" {
		t.Fatal("session id not persisted on task")
	}
	sess, ok := fx.sessions.SessionFor("t1")
	if !ok || sess.SessionID != task.SessionID {
		t.Fatalf("registry session %+v does not match persisted %q", sess, task.SessionID)
	}
	spec := fx.procs.lastStart()
	if spec.Provider != "claude" || !strings.Contains(spec.Prompt, "Fix the flaky build") {
		t.Fatalf("unexpected start spec %+v", spec)
	}
}

func TestRunStatusGuards(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("done-task", persistence.TaskStatusDone, "ag-1")
	fx.addTask("live-task", persistence.TaskStatusInProgress, "ag-1")
	fx.addTask("orphan", persistence.TaskStatusPlanned, "")

	if _, err := fx.plane.Run(context.Background(), "done-task"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("run on done task: got %v, want ErrInvalidStatus", err)
	}
	if _, err := fx.plane.Run(context.Background(), "live-task"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("run on in_progress task: got %v, want ErrInvalidStatus", err)
	}
	if _, err := fx.plane.Run(context.Background(), "orphan"); !errors.Is(err, ErrNoAgentAssigned) {
		t.Fatalf("run without agent: got %v, want ErrNoAgentAssigned", err)
	}
	if _, err := fx.plane.Run(context.Background(), "missing"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("run on unknown task: got %v, want ErrTaskNotFound", err)
	}
}

func TestRunRejectsLiveProcessAndPurgesStaleHandle(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")

	fx.procs.plant("t1", 999, true)
	if _, err := fx.plane.Run(context.Background(), "t1"); !errors.Is(err, ErrProcessStillActive) {
		t.Fatalf("got %v, want ErrProcessStillActive", err)
	}

	// Dead process: the handle is purged and the run proceeds.
	fx.procs.plant("t1", 999, false)
	res, err := fx.plane.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run after stale handle: %v", err)
	}
	if res.PID == 999 {
		t.Fatal("stale handle was reused instead of purged")
	}
}

func TestRunRejectsBusyAgent(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusWorking)
	a := fx.store.agents["ag-1"]
	a.CurrentTaskID = "other-task"
	fx.store.agents["ag-1"] = a
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")

	if _, err := fx.plane.Run(context.Background(), "t1"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("got %v, want ErrAgentBusy", err)
	}
}

func TestRunFoldsInjectionsIntoPrompt(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPending, "ag-1")
	for _, text := range []string{"use the staging database", "skip the e2e suite"} {
		if _, err := fx.store.CreateInjection(context.Background(), persistence.InterruptInjection{
			TaskID: "t1", PromptText: text,
		}); err != nil {
			t.Fatalf("CreateInjection: %v", err)
		}
	}

	if _, err := fx.plane.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	prompt := fx.procs.lastStart().Prompt
	first := strings.Index(prompt, "use the staging database")
	second := strings.Index(prompt, "skip the e2e suite")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("injections missing or out of order in prompt:\n%s", prompt)
	}
	count, _ := fx.store.PendingInjectionCount(context.Background(), "t1")
	if count != 0 {
		t.Fatalf("pending count after run = %d, want 0", count)
	}
}

func TestRunSpawnFailureConsumesInjections(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPending, "ag-1")
	if _, err := fx.store.CreateInjection(context.Background(), persistence.InterruptInjection{
		TaskID: "t1", PromptText: "try the other branch",
	}); err != nil {
		t.Fatalf("CreateInjection: %v", err)
	}
	fx.procs.startErr = errors.New("binary not found")

	if _, err := fx.plane.Run(context.Background(), "t1"); err == nil {
		t.Fatal("expected spawn failure")
	}
	// Consumption happens at prompt assembly and is not rolled back.
	count, _ := fx.store.PendingInjectionCount(context.Background(), "t1")
	if count != 0 {
		t.Fatalf("pending count after failed spawn = %d, want 0", count)
	}
	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusPending {
		t.Fatalf("task status = %q, want pending after failed spawn", got)
	}
	agent, _ := fx.store.GetAgent(context.Background(), "ag-1")
	if agent.Status != persistence.AgentStatusIdle {
		t.Fatalf("agent status = %q, want idle after failed spawn", agent.Status)
	}
}

func TestStopPausePreservesSessionAndWorktree(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")
	if _, err := fx.plane.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	before, _ := fx.sessions.SessionFor("t1")

	res, err := fx.plane.Stop(context.Background(), "t1", StopPause, "", "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.OK || !res.Stopped || res.Status != "pending" || res.PID == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.RolledBack {
		t.Fatal("pause must not roll back the worktree")
	}
	if fx.trees.rollbackCount() != 0 {
		t.Fatal("rollback was invoked on pause")
	}
	if res.Interrupt == nil {
		t.Fatal("pause must return an interrupt proof")
	}
	if res.Interrupt.SessionID != before.SessionID {
		t.Fatalf("pause changed session: %q -> %q", before.SessionID, res.Interrupt.SessionID)
	}
	if !res.Interrupt.RequiresCSRF {
		t.Fatal("RequiresCSRF not set")
	}
	if !fx.sessions.VerifyToken("t1", res.Interrupt.SessionID, res.Interrupt.ControlToken) {
		t.Fatal("returned control token does not verify")
	}
	if len(fx.procs.interrupts) != 1 || len(fx.procs.kills) != 0 {
		t.Fatalf("pause should interrupt, not kill: interrupts=%v kills=%v", fx.procs.interrupts, fx.procs.kills)
	}
	agent, _ := fx.store.GetAgent(context.Background(), "ag-1")
	if agent.Status != persistence.AgentStatusIdle {
		t.Fatalf("agent status = %q, want idle", agent.Status)
	}
}

func TestStopCancelRollsBackAndEndsSession(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")
	if _, err := fx.plane.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	res, err := fx.plane.Stop(context.Background(), "t1", StopCancel, "", "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Status != "cancelled" || !res.RolledBack {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Interrupt != nil {
		t.Fatal("cancel must not return an interrupt proof")
	}
	if len(fx.procs.kills) != 1 {
		t.Fatalf("cancel should kill the process tree, kills=%v", fx.procs.kills)
	}
	if _, ok := fx.sessions.SessionFor("t1"); ok {
		t.Fatal("session survived cancel")
	}
	task, _ := fx.store.GetTask(context.Background(), "t1")
	if task.SessionID != "" {
		t.Fatalf("persisted session id not cleared: %q", task.SessionID)
	}
	if len(fx.procs.cleared) != 1 {
		t.Fatal("subtask ledger not cleared on cancel")
	}
}

func TestStopWithoutProcess(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")

	res, err := fx.plane.Stop(context.Background(), "t1", StopPause, "", "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Stopped {
		t.Fatal("Stopped should be false when no process was running")
	}
	if res.Status != "pending" || res.Interrupt == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStopValidation(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")
	fx.addTask("finished", persistence.TaskStatusDone, "ag-1")

	if _, err := fx.plane.Stop(context.Background(), "t1", StopMode("halt"), "", ""); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("bad mode: got %v, want ErrInvalidMode", err)
	}
	if _, err := fx.plane.Stop(context.Background(), "finished", StopPause, "", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("stop on done task: got %v, want ErrInvalidStatus", err)
	}

	// A proof, when offered on pause, must be the right one.
	sess := fx.sessions.EnsureSession("t1", "ag-1", "claude")
	if _, err := fx.plane.Stop(context.Background(), "t1", StopPause, sess.SessionID, "wrong-token"); !errors.Is(err, interrupt.ErrTokenInvalid) {
		t.Fatalf("bad token: got %v, want ErrTokenInvalid", err)
	}
}

func TestProcessExitOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		timedOut bool
		want     persistence.TaskStatus
	}{
		{"clean exit goes to review", 0, false, persistence.TaskStatusReview},
		{"failed exit goes to pending", 3, false, persistence.TaskStatusPending},
		{"timeout behaves like cancel", -1, true, persistence.TaskStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newPlaneFixture(t)
			fx.addAgent("ag-1", persistence.AgentStatusIdle)
			fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")
			if _, err := fx.plane.Run(context.Background(), "t1"); err != nil {
				t.Fatalf("Run: %v", err)
			}

			fx.plane.onProcessExit("t1", tt.exitCode, tt.timedOut)

			if got := fx.store.taskStatus(t, "t1"); got != tt.want {
				t.Fatalf("status = %q, want %q", got, tt.want)
			}
			agent, _ := fx.store.GetAgent(context.Background(), "ag-1")
			if agent.Status != persistence.AgentStatusIdle {
				t.Fatalf("agent status = %q, want idle", agent.Status)
			}
			if tt.timedOut {
				if fx.trees.rollbackCount() != 1 {
					t.Fatal("timeout exit should roll back the worktree")
				}
				if _, ok := fx.sessions.SessionFor("t1"); ok {
					t.Fatal("session survived timeout")
				}
			} else if fx.trees.rollbackCount() != 0 {
				t.Fatal("non-timeout exit must not roll back")
			}
		})
	}
}

func TestStopClaimsSubsequentExit(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")
	if _, err := fx.plane.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := fx.plane.Stop(context.Background(), "t1", StopPause, "", ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The interrupted process exits after the stop finalized the status; the
	// exit callback must not override pending with review or pending->pending churn.
	fx.plane.onProcessExit("t1", 130, false)

	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusPending {
		t.Fatalf("status after claimed exit = %q, want pending", got)
	}
}

func TestInjectGuards(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPlanned, "ag-1")

	if _, err := fx.plane.Inject(context.Background(), "t1", "s", "tok", "hello"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("inject outside pending: got %v, want ErrInvalidStatus", err)
	}

	fx.store.tasks["t1"] = persistence.Task{ID: "t1", Status: persistence.TaskStatusPending, AssignedAgentID: "ag-1"}
	if _, err := fx.plane.Inject(context.Background(), "t1", "", "", "hello"); !errors.Is(err, interrupt.ErrProofRequired) {
		t.Fatalf("inject without proof: got %v, want ErrProofRequired", err)
	}

	sess := fx.sessions.EnsureSession("t1", "ag-1", "claude")
	token := fx.sessions.ControlToken("t1", sess.SessionID)
	if _, err := fx.plane.Inject(context.Background(), "t1", "no-such-session", token, "hello"); !errors.Is(err, interrupt.ErrSessionMismatch) {
		t.Fatalf("inject with wrong session: got %v, want ErrSessionMismatch", err)
	}
	if _, err := fx.plane.Inject(context.Background(), "t1", sess.SessionID, token, "\x1b[31m\x1b[0m"); !errors.Is(err, interrupt.ErrPromptEmpty) {
		t.Fatalf("inject empty-after-sanitize prompt: got %v, want ErrPromptEmpty", err)
	}
}

func TestInjectQueuesPrompt(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPending, "ag-1")
	sess := fx.sessions.EnsureSession("t1", "ag-1", "claude")
	token := fx.sessions.ControlToken("t1", sess.SessionID)

	res, err := fx.plane.Inject(context.Background(), "t1", sess.SessionID, token, "  focus on the parser  ")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !res.OK || !res.Queued || res.PendingCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.PromptHash != interrupt.PromptHash("focus on the parser") {
		t.Fatal("prompt hash computed over unsanitized text")
	}

	res2, err := fx.plane.Inject(context.Background(), "t1", sess.SessionID, token, "then run the linter")
	if err != nil {
		t.Fatalf("second Inject: %v", err)
	}
	if res2.PendingCount != 2 {
		t.Fatalf("PendingCount = %d, want 2", res2.PendingCount)
	}
}

func TestResumeGuards(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("running", persistence.TaskStatusInProgress, "ag-1")
	fx.addTask("reviewing", persistence.TaskStatusReview, "ag-1")

	if _, err := fx.plane.Resume(context.Background(), "running", "", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("resume from in_progress: got %v, want ErrInvalidStatus", err)
	}
	if _, err := fx.plane.Resume(context.Background(), "reviewing", "", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("resume from review: got %v, want ErrInvalidStatus", err)
	}

	fx.addTask("paused", persistence.TaskStatusPending, "ag-1")
	fx.procs.plant("paused", 321, true)
	if _, err := fx.plane.Resume(context.Background(), "paused", "", ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("resume with live process: got %v, want ErrAlreadyRunning", err)
	}
}

func TestResumeCancelledNeverAutoRuns(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.plane.resumeDelay = func() time.Duration { return time.Millisecond }
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusCancelled, "ag-1")

	res, err := fx.plane.Resume(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != "planned" || res.AutoResumed {
		t.Fatalf("unexpected result %+v", res)
	}
	time.Sleep(50 * time.Millisecond)
	if fx.procs.startCount() != 0 {
		t.Fatal("cancelled resume must not auto-run")
	}
}

func TestResumeUnassignedGoesToInbox(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addTask("t1", persistence.TaskStatusPending, "")

	res, err := fx.plane.Resume(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != "inbox" || res.AutoResumed {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestResumePendingAutoRunsOnce(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.plane.resumeDelay = func() time.Duration { return time.Millisecond }
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPending, "ag-1")

	res, err := fx.plane.Resume(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != "planned" || !res.AutoResumed {
		t.Fatalf("unexpected result %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fx.procs.startCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fx.procs.startCount(); got != 1 {
		t.Fatalf("auto-run started %d processes, want 1", got)
	}
	// No second run after the first fired.
	time.Sleep(50 * time.Millisecond)
	if got := fx.procs.startCount(); got != 1 {
		t.Fatalf("auto-run fired again, starts = %d", got)
	}
	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusInProgress {
		t.Fatalf("status after auto-run = %q, want in_progress", got)
	}
}

func TestResumeAutoRunSuppressedByStop(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.plane.resumeDelay = func() time.Duration { return 40 * time.Millisecond }
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusPending, "ag-1")

	if _, err := fx.plane.Resume(context.Background(), "t1", "", ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := fx.plane.Stop(context.Background(), "t1", StopCancel, "", ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := fx.procs.startCount(); got != 0 {
		t.Fatalf("stop during jitter window did not cancel auto-run, starts = %d", got)
	}
	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got)
	}
}

func TestResumeOfflineAgentDoesNotAutoRun(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.plane.resumeDelay = func() time.Duration { return time.Millisecond }
	fx.addAgent("ag-1", persistence.AgentStatusOffline)
	fx.addTask("t1", persistence.TaskStatusPending, "ag-1")

	res, err := fx.plane.Resume(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.AutoResumed {
		t.Fatal("offline agent must not auto-resume")
	}
	time.Sleep(50 * time.Millisecond)
	if fx.procs.startCount() != 0 {
		t.Fatal("process started despite offline agent")
	}
}

func TestCompleteMergeConflictStaysInReview(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusReview, "ag-1")
	fx.trees.mergeRes = worktree.MergeResult{
		Success: false, Message: "merge conflicts", Conflicts: []string{"app.go"},
	}

	res, err := fx.plane.Complete(context.Background(), "t1", false)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.OK {
		t.Fatal("conflicted merge reported OK")
	}
	if res.Status != "review" || len(res.Conflicts) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusReview {
		t.Fatalf("status = %q, want review", got)
	}
}

func TestCompleteMergesAndCloses(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusReview, "ag-1")
	fx.sessions.EnsureSession("t1", "ag-1", "claude")
	fx.trees.mergeRes = worktree.MergeResult{Success: true, Merged: true, Message: "merged"}

	res, err := fx.plane.Complete(context.Background(), "t1", false)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !res.OK || res.Status != "done" || !res.Merged {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := fx.store.taskStatus(t, "t1"); got != persistence.TaskStatusDone {
		t.Fatalf("status = %q, want done", got)
	}
	if fx.trees.rollbackCount() != 1 {
		t.Fatal("worktree not cleaned up after merge")
	}
	if _, ok := fx.sessions.SessionFor("t1"); ok {
		t.Fatal("session survived completion")
	}
	if len(fx.trees.merges) != 1 || len(fx.trees.devMerges) != 0 {
		t.Fatalf("wrong merge target: merges=%v devMerges=%v", fx.trees.merges, fx.trees.devMerges)
	}

	// Done is terminal.
	if _, err := fx.plane.Resume(context.Background(), "t1", "", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("resume after done: got %v, want ErrInvalidStatus", err)
	}
}

func TestCompleteToDevUsesDevMerge(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusReview, "ag-1")
	fx.trees.mergeRes = worktree.MergeResult{Success: true, Merged: true, PRUrl: "https://example.com/pr/7"}

	res, err := fx.plane.Complete(context.Background(), "t1", true)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.PRUrl != "https://example.com/pr/7" {
		t.Fatalf("PRUrl = %q", res.PRUrl)
	}
	if len(fx.trees.devMerges) != 1 || len(fx.trees.merges) != 0 {
		t.Fatalf("wrong merge target: merges=%v devMerges=%v", fx.trees.merges, fx.trees.devMerges)
	}
}

func TestCompleteRejectsLiveProcess(t *testing.T) {
	fx := newPlaneFixture(t)
	fx.addAgent("ag-1", persistence.AgentStatusIdle)
	fx.addTask("t1", persistence.TaskStatusReview, "ag-1")
	fx.procs.plant("t1", 555, true)

	if _, err := fx.plane.Complete(context.Background(), "t1", false); !errors.Is(err, ErrProcessStillActive) {
		t.Fatalf("got %v, want ErrProcessStillActive", err)
	}
}
