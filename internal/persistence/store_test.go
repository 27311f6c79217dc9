package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "climpire.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, Task{Title: "Wire up the new endpoint"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" || task.Status != TaskStatusInbox {
		t.Fatalf("unexpected created task %+v", task)
	}

	if err := s.UpdateTaskStatus(ctx, task.ID, TaskStatusPlanned); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskStatusPlanned {
		t.Fatalf("status = %q, want planned", got.Status)
	}

	if err := s.UpdateTaskStatus(ctx, task.ID, TaskStatus("limbo")); err == nil {
		t.Fatal("invalid status accepted")
	}
	if _, err := s.GetTask(ctx, "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
	if err := s.UpdateTaskStatus(ctx, "no-such-task", TaskStatusDone); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
}

func TestTerminalTaskIsFrozen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, Task{Title: "Ship it", Status: TaskStatusReview})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, TaskStatusDone); err != nil {
		t.Fatalf("to done: %v", err)
	}
	for _, next := range []TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusInbox} {
		if err := s.UpdateTaskStatus(ctx, task.ID, next); err == nil {
			t.Fatalf("done task accepted transition to %q", next)
		}
	}
	// Idempotent re-assertion of the terminal state is allowed.
	if err := s.UpdateTaskStatus(ctx, task.ID, TaskStatusDone); err != nil {
		t.Fatalf("done -> done: %v", err)
	}
}

func TestTaskSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, Task{Title: "Paused work"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.SetTaskSession(ctx, task.ID, "sess-123"); err != nil {
		t.Fatalf("SetTaskSession: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.SessionID != "sess-123" {
		t.Fatalf("session id = %q", got.SessionID)
	}
	if err := s.SetTaskSession(ctx, task.ID, ""); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.SessionID != "" {
		t.Fatalf("session id not cleared: %q", got.SessionID)
	}
	if err := s.SetTaskSession(ctx, "no-such-task", "sess-x"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
}

func TestListTasksByStatusAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateTask(ctx, Task{Title: fmt.Sprintf("pending %d", i), Status: TaskStatusPending}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	done, err := s.CreateTask(ctx, Task{Title: "finished", Status: TaskStatusReview})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, done.ID, TaskStatusDone); err != nil {
		t.Fatalf("to done: %v", err)
	}

	pending, err := s.ListTasksByStatus(ctx, TaskStatusPending, 10)
	if err != nil {
		t.Fatalf("ListTasksByStatus: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending tasks = %d, want 3", len(pending))
	}
	limited, err := s.ListTasksByStatus(ctx, TaskStatusPending, 2)
	if err != nil {
		t.Fatalf("ListTasksByStatus limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited tasks = %d, want 2", len(limited))
	}

	live, terminal, err := s.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if live != 3 || terminal != 1 {
		t.Fatalf("counts = (%d, %d), want (3, 1)", live, terminal)
	}
}

func TestAgentWorkTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, Agent{Name: "frank", CLIProvider: "claude", Model: "opus"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if agent.Status != AgentStatusIdle {
		t.Fatalf("new agent status = %q, want idle", agent.Status)
	}

	if err := s.SetAgentWork(ctx, agent.ID, AgentStatusWorking, "task-9"); err != nil {
		t.Fatalf("SetAgentWork: %v", err)
	}
	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != AgentStatusWorking || got.CurrentTaskID != "task-9" {
		t.Fatalf("agent after work = %+v", got)
	}

	if err := s.SetAgentWork(ctx, agent.ID, "sleeping", ""); err == nil {
		t.Fatal("invalid agent status accepted")
	}
	if err := s.SetAgentWork(ctx, "no-such-agent", AgentStatusIdle, ""); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("got %v, want ErrAgentNotFound", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "frank" {
		t.Fatalf("unexpected agents %+v", agents)
	}
}

func TestInjectionQueueFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Explicit ids pin the FIFO tie-break for rows created in the same second.
	for i := 0; i < 4; i++ {
		_, err := s.CreateInjection(ctx, InterruptInjection{
			ID:         fmt.Sprintf("inj-%02d", i),
			TaskID:     "task-1",
			SessionID:  "sess-1",
			PromptText: fmt.Sprintf("note %d", i),
			PromptHash: fmt.Sprintf("hash-%d", i),
		})
		if err != nil {
			t.Fatalf("CreateInjection: %v", err)
		}
	}

	pending, err := s.PendingInjections(ctx, "task-1")
	if err != nil {
		t.Fatalf("PendingInjections: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("pending = %d, want 4", len(pending))
	}
	for i, inj := range pending {
		if want := fmt.Sprintf("note %d", i); inj.PromptText != want {
			t.Fatalf("pending[%d] = %q, want %q", i, inj.PromptText, want)
		}
		if inj.ConsumedAt != nil {
			t.Fatalf("pending[%d] already consumed", i)
		}
	}

	if err := s.ConsumeInjections(ctx, []string{"inj-00", "inj-01"}); err != nil {
		t.Fatalf("ConsumeInjections: %v", err)
	}
	count, err := s.PendingInjectionCount(ctx, "task-1")
	if err != nil {
		t.Fatalf("PendingInjectionCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("count after consume = %d, want 2", count)
	}
	remaining, _ := s.PendingInjections(ctx, "task-1")
	if len(remaining) != 2 || remaining[0].ID != "inj-02" {
		t.Fatalf("unexpected remaining %+v", remaining)
	}

	// Consumed rows are retained, not deleted.
	var kept int
	if err := s.DB().QueryRowContext(ctx,
		`SELECT COUNT(1) FROM interrupt_injections WHERE task_id = ?;`, "task-1").Scan(&kept); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if kept != 4 {
		t.Fatalf("rows kept = %d, want 4", kept)
	}

	// Consuming again is a no-op.
	if err := s.ConsumeInjections(ctx, []string{"inj-00"}); err != nil {
		t.Fatalf("re-consume: %v", err)
	}
	if err := s.ConsumeInjections(ctx, nil); err != nil {
		t.Fatalf("consume nil: %v", err)
	}
}

func TestPendingInjectionsCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < MaxInjectionsPerRun+5; i++ {
		_, err := s.CreateInjection(ctx, InterruptInjection{
			ID:         fmt.Sprintf("inj-%02d", i),
			TaskID:     "task-1",
			SessionID:  "sess-1",
			PromptText: fmt.Sprintf("note %d", i),
		})
		if err != nil {
			t.Fatalf("CreateInjection: %v", err)
		}
	}
	pending, err := s.PendingInjections(ctx, "task-1")
	if err != nil {
		t.Fatalf("PendingInjections: %v", err)
	}
	if len(pending) != MaxInjectionsPerRun {
		t.Fatalf("pending = %d, want %d", len(pending), MaxInjectionsPerRun)
	}
	if pending[0].ID != "inj-00" {
		t.Fatalf("cap should keep the oldest rows, got first = %q", pending[0].ID)
	}
}

func TestTaskEventsAppendAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, evType := range []string{"run", "stop_pause", "resume"} {
		err := s.RecordTaskEvent(ctx, TaskEvent{
			TaskID:    "task-1",
			SessionID: "sess-1",
			EventType: evType,
			StateFrom: TaskStatusPlanned,
			StateTo:   TaskStatusInProgress,
			RunID:     fmt.Sprintf("run-%d", i),
		})
		if err != nil {
			t.Fatalf("RecordTaskEvent: %v", err)
		}
	}

	events, err := s.ListTaskEvents(ctx, "task-1", 0, 10)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].EventType != "run" || events[2].EventType != "resume" {
		t.Fatalf("unexpected order %+v", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].EventID <= events[i-1].EventID {
			t.Fatal("event ids not strictly increasing")
		}
	}

	// Replay from a cursor skips already-seen events.
	tail, err := s.ListTaskEvents(ctx, "task-1", events[0].EventID, 10)
	if err != nil {
		t.Fatalf("ListTaskEvents from cursor: %v", err)
	}
	if len(tail) != 2 || tail[0].EventType != "stop_pause" {
		t.Fatalf("unexpected tail %+v", tail)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, Project{Name: "climpire", Path: "/srv/climpire", BaseBranch: "main"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Path != "/srv/climpire" || got.BaseBranch != "main" {
		t.Fatalf("unexpected project %+v", got)
	}
	if _, err := s.GetProject(ctx, "no-such-project"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("got %v, want ErrProjectNotFound", err)
	}
}

func TestOpenIsIdempotentOnExistingDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "climpire.db")
	ctx := context.Background()

	s1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	task, err := s1.CreateTask(ctx, Task{Title: "survives reopen"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if !strings.Contains(got.Title, "survives") {
		t.Fatalf("unexpected task %+v", got)
	}
}
