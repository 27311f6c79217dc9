package worktree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MergeResult reports the outcome of merging a task branch.
type MergeResult struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Merged    bool     `json:"merged"`
	Conflicts []string `json:"conflicts,omitempty"`
	PRUrl     string   `json:"pr_url,omitempty"`
}

// Merge auto-commits outstanding work and merges the task branch into the
// project's current branch with --no-ff. A zero diff is a success no-op. On
// conflict the merge is aborted and the conflicted paths are returned, never
// leaving the repository mid-merge.
func (m *Manager) Merge(ctx context.Context, taskID string) (MergeResult, error) {
	info, ok := m.InfoFor(taskID)
	if !ok {
		return MergeResult{}, fmt.Errorf("no worktree for task %s", taskID)
	}

	if _, err := m.AutoCommit(ctx, info); err != nil {
		return MergeResult{}, err
	}

	// No diff against the current branch means nothing to merge.
	if _, err := m.runGit(ctx, info.ProjectPath, "diff", "--quiet", "HEAD..."+info.BranchName); err == nil {
		return MergeResult{Success: true, Merged: false, Message: "nothing to merge"}, nil
	}

	msg := fmt.Sprintf("Merge %s", info.BranchName)
	if _, err := m.runGit(ctx, info.ProjectPath, "merge", "--no-ff", "-m", msg, info.BranchName); err != nil {
		conflicts := m.conflictedFiles(ctx, info.ProjectPath)
		if _, abortErr := m.runGit(ctx, info.ProjectPath, "merge", "--abort"); abortErr != nil {
			m.logger.Warn("worktree: merge abort failed", "task_id", taskID, "error", abortErr)
		}
		return MergeResult{
			Success:   false,
			Message:   "merge conflicts",
			Conflicts: conflicts,
		}, nil
	}

	m.logger.Info("worktree: merged", "task_id", taskID, "branch", info.BranchName)
	return MergeResult{Success: true, Merged: true, Message: "merged " + info.BranchName}, nil
}

// MergeToDev merges the task branch into a dev branch, pushes it, and
// creates-or-updates a pull request via the hosting API. The PR call is
// best-effort and never blocks the merge result.
func (m *Manager) MergeToDev(ctx context.Context, taskID string) (MergeResult, error) {
	info, ok := m.InfoFor(taskID)
	if !ok {
		return MergeResult{}, fmt.Errorf("no worktree for task %s", taskID)
	}

	if _, err := m.AutoCommit(ctx, info); err != nil {
		return MergeResult{}, err
	}

	if _, err := m.runGit(ctx, info.ProjectPath, "rev-parse", "--verify", "dev"); err != nil {
		if _, err := m.runGit(ctx, info.ProjectPath, "branch", "dev"); err != nil {
			return MergeResult{}, fmt.Errorf("create dev branch: %w", err)
		}
	}
	if _, err := m.runGit(ctx, info.ProjectPath, "checkout", "dev"); err != nil {
		return MergeResult{}, fmt.Errorf("checkout dev: %w", err)
	}

	if _, err := m.runGit(ctx, info.ProjectPath, "diff", "--quiet", "HEAD..."+info.BranchName); err == nil {
		return MergeResult{Success: true, Merged: false, Message: "nothing to merge"}, nil
	}

	msg := fmt.Sprintf("Merge %s into dev", info.BranchName)
	if _, err := m.runGit(ctx, info.ProjectPath, "merge", "--no-ff", "-m", msg, info.BranchName); err != nil {
		conflicts := m.conflictedFiles(ctx, info.ProjectPath)
		if _, abortErr := m.runGit(ctx, info.ProjectPath, "merge", "--abort"); abortErr != nil {
			m.logger.Warn("worktree: merge abort failed", "task_id", taskID, "error", abortErr)
		}
		return MergeResult{Success: false, Message: "merge conflicts", Conflicts: conflicts}, nil
	}

	if _, err := m.runGit(ctx, info.ProjectPath, "push", "origin", "dev"); err != nil {
		m.logger.Warn("worktree: push dev failed", "task_id", taskID, "error", err)
	}

	result := MergeResult{Success: true, Merged: true, Message: "merged " + info.BranchName + " into dev"}
	if url, err := m.ensurePullRequest(ctx, info); err != nil {
		m.logger.Warn("worktree: pull request call failed", "task_id", taskID, "error", err)
	} else {
		result.PRUrl = url
	}
	return result, nil
}

func (m *Manager) conflictedFiles(ctx context.Context, dir string) []string {
	out, err := m.runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			files = append(files, l)
		}
	}
	return files
}

// ensurePullRequest posts a create-or-update request to the hosting API.
func (m *Manager) ensurePullRequest(ctx context.Context, info Info) (string, error) {
	if m.pr.APIBase == "" {
		return "", nil
	}
	body, err := json.Marshal(map[string]string{
		"title": fmt.Sprintf("Task %s", info.TaskID),
		"head":  "dev",
		"base":  "main",
	})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(m.pr.APIBase, "/")+"/pulls", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.pr.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.pr.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded struct {
		HTMLURL string `json:"html_url"`
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnprocessableEntity {
		return "", fmt.Errorf("hosting api status %d", resp.StatusCode)
	}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return decoded.HTMLURL, nil
}
