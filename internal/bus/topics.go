package bus

// Engine event topics. Topic names double as the broadcast event type on the
// hub, so they match what connected UIs subscribe to.
const (
	TopicTaskUpdate    = "task_update"
	TopicTaskInterrupt = "task_interrupt"
	TopicAgentStatus   = "agent_status"
	TopicCLIOutput     = "cli_output"
	TopicSubtask       = "subtask_event"
	TopicWorktree      = "worktree_event"
)

// TaskUpdateEvent is published when a task's status changes.
type TaskUpdateEvent struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	PrevStatus string `json:"prev_status,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// AgentStatusEvent is published when an agent moves between idle and working.
type AgentStatusEvent struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

// TaskInterruptEvent is published when an injection is queued for a paused
// task. It carries only a truncated prompt hash, never plaintext.
type TaskInterruptEvent struct {
	TaskID       string `json:"task_id"`
	SessionID    string `json:"session_id"`
	PromptHash   string `json:"prompt_hash"`
	PendingCount int    `json:"pending_count"`
}

// CLIOutputEvent is a normalized chunk of subprocess output.
type CLIOutputEvent struct {
	TaskID string `json:"task_id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Line   string `json:"line"`
	Seq    int64  `json:"seq"`
}

// SubtaskEvent mirrors a provider sub-agent lifecycle marker.
type SubtaskEvent struct {
	TaskID     string `json:"task_id"`
	Kind       string `json:"kind"` // spawn, close, plan, done
	SubagentID string `json:"subagent_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// WorktreeEvent reports a worktree lifecycle step (create, merge, rollback).
type WorktreeEvent struct {
	TaskID    string   `json:"task_id"`
	Action    string   `json:"action"`
	Branch    string   `json:"branch,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}
