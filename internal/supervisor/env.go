package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Variables that mark the child as running inside another agent session.
// Leaking them makes nested CLIs refuse to start or mis-detect their host.
var nestedSessionVars = map[string]bool{
	"CLAUDECODE":             true,
	"CLAUDE_CODE_ENTRYPOINT": true,
	"CODEX_SANDBOX":          true,
	"GEMINI_CLI":             true,
}

// Raw credentials are stripped so the child authenticates through its own
// keychain or config, never through ours.
var credentialVars = map[string]bool{
	"ANTHROPIC_API_KEY": true,
	"OPENAI_API_KEY":    true,
	"GEMINI_API_KEY":    true,
	"GOOGLE_API_KEY":    true,
}

var unixPathFallbacks = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// sanitizeEnv builds the child environment: nested-session markers and raw
// API keys removed, terminal behavior pinned to non-interactive, and common
// tool directories appended to PATH when missing.
func sanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env)+4)
	pathVal := ""
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if nestedSessionVars[key] || credentialVars[key] {
			continue
		}
		switch key {
		case "PATH":
			pathVal = kv[len("PATH="):]
			continue
		case "CI", "NO_COLOR", "TERM", "FORCE_COLOR":
			continue
		}
		out = append(out, kv)
	}

	if runtime.GOOS != "windows" {
		for _, dir := range unixPathFallbacks {
			if !pathContains(pathVal, dir) {
				if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
					pathVal = pathVal + string(os.PathListSeparator) + dir
				}
			}
		}
		if home, err := os.UserHomeDir(); err == nil {
			local := filepath.Join(home, ".local", "bin")
			if !pathContains(pathVal, local) {
				if fi, err := os.Stat(local); err == nil && fi.IsDir() {
					pathVal = pathVal + string(os.PathListSeparator) + local
				}
			}
		}
	}

	out = append(out,
		"PATH="+pathVal,
		"CI=true",
		"NO_COLOR=1",
		"TERM=dumb",
	)
	return out
}

func pathContains(pathVal, dir string) bool {
	for _, p := range strings.Split(pathVal, string(os.PathListSeparator)) {
		if p == dir {
			return true
		}
	}
	return false
}
