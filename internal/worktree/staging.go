package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/climpire/climpire/internal/shared"
)

// RestrictedUntrackedError is the fail-closed result of auto-commit when an
// untracked path matches a blocked pattern. Nothing is staged in that case.
type RestrictedUntrackedError struct {
	Paths []string
}

func (e *RestrictedUntrackedError) Error() string {
	return fmt.Sprintf("restricted untracked paths: %s", strings.Join(e.Paths, ", "))
}

func (e *RestrictedUntrackedError) ErrorCode() string { return "restricted_untracked" }
func (e *RestrictedUntrackedError) HTTPStatus() int   { return 409 }

// allowedExtensions are untracked file types auto-commit may stage.
var allowedExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".rb": true, ".java": true, ".c": true, ".h": true,
	".cpp": true, ".hpp": true, ".rs": true, ".sh": true, ".sql": true,
	".md": true, ".txt": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".html": true, ".css": true, ".scss": true, ".svg": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// allowedBasenames are well-known project files without a telling extension.
var allowedBasenames = map[string]bool{
	"Dockerfile": true, "Makefile": true, "Rakefile": true, "Procfile": true,
	"go.mod": true, "go.sum": true, "package.json": true, "tsconfig.json": true,
	".gitignore": true, ".gitattributes": true, ".editorconfig": true,
	".eslintrc": true, ".eslintrc.json": true, ".prettierrc": true,
	".golangci.yml": true, ".dockerignore": true,
}

// blockedDirSegments refuse staging anywhere under these path segments.
var blockedDirSegments = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "out": true, "target": true,
	"tmp": true, "temp": true, "logs": true, "log": true,
	"__pycache__": true, WorktreeDirName: true,
}

// allowedDotDirs are the only dot-directories exempt from the blanket
// dot-directory block.
var allowedDotDirs = map[string]bool{
	".github": true, ".vscode": true, ".config": true,
}

// blockedSuffixes match secret or binary artifacts that must never be
// auto-committed.
var blockedSuffixes = []string{
	".pem", ".key", ".p12", ".pfx", ".crt",
	".zip", ".tar", ".gz", ".tgz", ".bz2", ".7z", ".rar",
	".db", ".sqlite", ".sqlite3",
	".exe", ".dll", ".so", ".dylib", ".bin",
}

// blockedBasenames are secret-bearing files by name.
var blockedBasenames = map[string]bool{
	".env": true, "id_rsa": true, "id_ed25519": true, "credentials": true,
	".npmrc": true, ".netrc": true,
}

// pathDecision classifies one untracked path for auto-commit.
type pathDecision int

const (
	decisionStage pathDecision = iota
	decisionSkip
	decisionBlock
)

// classifyUntracked decides whether an untracked path may be staged. Blocked
// beats allowed: a secret file with an allowed extension is still blocked.
func classifyUntracked(path string) pathDecision {
	base := filepath.Base(path)
	lowerBase := strings.ToLower(base)

	if blockedBasenames[lowerBase] || strings.HasPrefix(lowerBase, ".env.") {
		return decisionBlock
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lowerBase, suffix) {
			return decisionBlock
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if seg == "" || seg == "." {
			continue
		}
		if blockedDirSegments[seg] {
			return decisionBlock
		}
		if strings.HasPrefix(seg, ".") && !allowedDotDirs[seg] {
			return decisionBlock
		}
	}

	if allowedBasenames[base] {
		return decisionStage
	}
	if allowedExtensions[strings.ToLower(filepath.Ext(base))] {
		return decisionStage
	}
	return decisionSkip
}

// AutoCommit stages tracked modifications plus allow-listed untracked paths
// in a task's worktree and commits them. If any untracked path is blocked it
// fails closed with RestrictedUntrackedError and stages nothing. Returns true
// when a commit was created.
func (m *Manager) AutoCommit(ctx context.Context, info Info) (bool, error) {
	untrackedOut, err := m.runGit(ctx, info.WorktreePath, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return false, fmt.Errorf("list untracked: %w", err)
	}

	var toStage, blocked []string
	for _, line := range strings.Split(untrackedOut, "\n") {
		path := strings.TrimSpace(line)
		if path == "" {
			continue
		}
		switch classifyUntracked(path) {
		case decisionStage:
			toStage = append(toStage, path)
		case decisionBlock:
			blocked = append(blocked, path)
		}
	}
	if len(blocked) > 0 {
		return false, &RestrictedUntrackedError{Paths: blocked}
	}

	if _, err := m.runGit(ctx, info.WorktreePath, "add", "-u"); err != nil {
		return false, fmt.Errorf("stage tracked: %w", err)
	}
	if len(toStage) > 0 {
		args := append([]string{"add", "--"}, toStage...)
		if _, err := m.runGit(ctx, info.WorktreePath, args...); err != nil {
			return false, fmt.Errorf("stage untracked: %w", err)
		}
	}

	// Nothing staged is a clean no-op.
	if _, err := m.runGit(ctx, info.WorktreePath, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}

	msg := fmt.Sprintf("Task %s auto-commit", shared.ShortID(info.TaskID))
	if _, err := m.runGit(ctx, info.WorktreePath, "commit", "-m", msg); err != nil {
		return false, fmt.Errorf("auto-commit: %w", err)
	}
	m.logger.Info("worktree: auto-committed", "task_id", info.TaskID, "staged_untracked", len(toStage))
	return true, nil
}
