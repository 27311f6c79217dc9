// Package worktree isolates each task's filesystem side effects in a
// dedicated git worktree and branch, and merges or rolls them back when the
// task completes or is cancelled.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/climpire/climpire/internal/shared"
)

const (
	// WorktreeDirName is the per-project directory that holds task worktrees.
	WorktreeDirName = ".climpire-worktrees"
	// BranchPrefix prefixes per-task branches.
	BranchPrefix = "climpire/"

	defaultGitTimeout = 30 * time.Second
)

// Info describes the isolated workspace of one task.
type Info struct {
	TaskID       string `json:"task_id"`
	WorktreePath string `json:"worktree_path"`
	BranchName   string `json:"branch_name"`
	ProjectPath  string `json:"project_path"`
}

// Manager owns the WorktreeInfo map (one entry per active task) and shells
// out to the git CLI for all repository operations. Git calls are bounded by
// a per-call timeout; no lock is held across them.
type Manager struct {
	logger     *slog.Logger
	gitTimeout time.Duration
	pr         PRConfig

	mu    sync.Mutex
	infos map[string]Info // task id → info
}

// PRConfig points at the hosting API used by the merge-to-dev flow. A zero
// value disables pull-request creation.
type PRConfig struct {
	APIBase string // e.g. https://api.github.com/repos/org/repo
	Token   string
}

func NewManager(logger *slog.Logger, gitTimeout time.Duration, pr PRConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if gitTimeout <= 0 {
		gitTimeout = defaultGitTimeout
	}
	return &Manager{
		logger:     logger,
		gitTimeout: gitTimeout,
		pr:         pr,
		infos:      make(map[string]Info),
	}
}

// InfoFor returns the worktree info for a task, if one exists.
func (m *Manager) InfoFor(taskID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[taskID]
	return info, ok
}

// ActiveCount returns the number of live worktrees.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.infos)
}

// TaskIDs returns the ids of tasks that currently hold a worktree.
func (m *Manager) TaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.infos))
	for id := range m.infos {
		ids = append(ids, id)
	}
	return ids
}

// runGit executes one git command under the project or worktree directory
// with the manager's per-call timeout. Returns combined trimmed output.
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, trimmed)
	}
	return trimmed, nil
}

// isGitRepo reports whether path is inside a git work tree.
func (m *Manager) isGitRepo(ctx context.Context, path string) bool {
	out, err := m.runGit(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

const baselineIgnore = `node_modules/
dist/
build/
*.log
.env
.env.*
.DS_Store
` + WorktreeDirName + "/\n"

// Bootstrap makes a project path executable even when it is not yet a git
// repository: init (default branch main, plain init fallback), baseline
// ignore list, a bot identity if none is configured, and an initial commit
// (empty if nothing to stage).
func (m *Manager) Bootstrap(ctx context.Context, projectPath string) error {
	if m.isGitRepo(ctx, projectPath) {
		return nil
	}
	if _, err := m.runGit(ctx, projectPath, "init", "-b", "main"); err != nil {
		// Older git without -b support.
		if _, err := m.runGit(ctx, projectPath, "init"); err != nil {
			return fmt.Errorf("bootstrap init: %w", err)
		}
	}

	ignorePath := filepath.Join(projectPath, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(baselineIgnore), 0o644); err != nil {
			return fmt.Errorf("write baseline ignore: %w", err)
		}
	}

	if _, err := m.runGit(ctx, projectPath, "config", "--get", "user.email"); err != nil {
		_, _ = m.runGit(ctx, projectPath, "config", "user.name", "climpire-bot")
		_, _ = m.runGit(ctx, projectPath, "config", "user.email", "bot@climpire.local")
	}

	if _, err := m.runGit(ctx, projectPath, "add", "-A"); err != nil {
		return fmt.Errorf("bootstrap stage: %w", err)
	}
	if _, err := m.runGit(ctx, projectPath, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("bootstrap commit: %w", err)
	}
	m.logger.Info("worktree: bootstrapped repository", "path", projectPath)
	return nil
}

// Create builds the isolated worktree and branch for a task. Idempotent at
// task-id granularity: a second call returns the existing info.
func (m *Manager) Create(ctx context.Context, taskID, projectPath, baseBranch string) (Info, error) {
	m.mu.Lock()
	if info, ok := m.infos[taskID]; ok {
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	if err := m.Bootstrap(ctx, projectPath); err != nil {
		return Info{}, err
	}

	short := shared.ShortID(taskID)
	dir := filepath.Join(projectPath, WorktreeDirName, short)
	branch := BranchPrefix + short

	baseRef := "HEAD"
	if baseBranch != "" {
		if _, err := m.runGit(ctx, projectPath, "rev-parse", "--verify", baseBranch); err == nil {
			baseRef = baseBranch
		}
	}

	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		// Adopt a worktree left over from a previous daemon run.
		info := Info{TaskID: taskID, WorktreePath: dir, BranchName: branch, ProjectPath: projectPath}
		m.mu.Lock()
		m.infos[taskID] = info
		m.mu.Unlock()
		return info, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return Info{}, fmt.Errorf("create worktree parent: %w", err)
	}
	if _, err := m.runGit(ctx, projectPath, "worktree", "add", "-b", branch, dir, baseRef); err != nil {
		return Info{}, fmt.Errorf("worktree add: %w", err)
	}

	info := Info{TaskID: taskID, WorktreePath: dir, BranchName: branch, ProjectPath: projectPath}
	m.mu.Lock()
	m.infos[taskID] = info
	m.mu.Unlock()
	m.logger.Info("worktree: created", "task_id", taskID, "branch", branch, "base", baseRef)
	return info, nil
}

// Rollback removes a task's worktree and branch after logging a diff summary
// for audit. Idempotent: a task with no worktree is a no-op returning false.
// Cleanup failures are logged but only the first hard failure is returned;
// the caller treats the status transition as authoritative regardless.
func (m *Manager) Rollback(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	info, ok := m.infos[taskID]
	if ok {
		delete(m.infos, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	// Diff summary before teardown, for the audit trail.
	if stat, err := m.runGit(ctx, info.ProjectPath, "diff", "--stat", "HEAD..."+info.BranchName); err == nil && stat != "" {
		m.logger.Info("worktree: rollback diff", "task_id", taskID, "summary", stat)
	}
	if status, err := m.runGit(ctx, info.WorktreePath, "status", "--porcelain"); err == nil && status != "" {
		m.logger.Info("worktree: rollback uncommitted", "task_id", taskID, "status", status)
	}

	if _, err := m.runGit(ctx, info.ProjectPath, "worktree", "remove", "--force", info.WorktreePath); err != nil {
		m.logger.Warn("worktree: remove failed, falling back to manual delete", "task_id", taskID, "error", err)
		if rmErr := os.RemoveAll(info.WorktreePath); rmErr != nil {
			return true, fmt.Errorf("remove worktree dir: %w", rmErr)
		}
		_, _ = m.runGit(ctx, info.ProjectPath, "worktree", "prune")
	}
	if _, err := m.runGit(ctx, info.ProjectPath, "branch", "-D", info.BranchName); err != nil {
		m.logger.Warn("worktree: branch delete failed", "task_id", taskID, "branch", info.BranchName, "error", err)
	}
	m.logger.Info("worktree: rolled back", "task_id", taskID, "branch", info.BranchName)
	return true, nil
}
