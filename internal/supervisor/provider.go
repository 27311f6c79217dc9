package supervisor

import (
	"fmt"
	"strings"
)

// RunOpts carries per-run tuning for argv construction.
type RunOpts struct {
	Model          string
	ReasoningLevel string
}

// Provider builds the argv for one agent CLI. The set is closed: an unknown
// provider name fails fast before any process is spawned.
type Provider interface {
	Name() string
	// BuildArgs returns the full argv (binary first) for a non-interactive
	// run that reads its prompt from stdin.
	BuildArgs(opts RunOpts) []string
	// UsesWorktree reports whether the provider runs inside a per-task git
	// worktree or directly in the project path.
	UsesWorktree() bool
}

// ErrUnsupportedProvider is returned for provider names outside the set.
type ErrUnsupportedProvider struct {
	Provider string
}

func (e *ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Provider)
}

func (e *ErrUnsupportedProvider) ErrorCode() string { return "unsupported_provider" }
func (e *ErrUnsupportedProvider) HTTPStatus() int   { return 400 }

type claudeProvider struct{}

func (claudeProvider) Name() string       { return "claude" }
func (claudeProvider) UsesWorktree() bool { return true }

func (claudeProvider) BuildArgs(opts RunOpts) []string {
	args := []string{"claude", "-p", "--output-format", "stream-json", "--verbose",
		"--dangerously-skip-permissions"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

type codexProvider struct{}

func (codexProvider) Name() string       { return "codex" }
func (codexProvider) UsesWorktree() bool { return true }

func (codexProvider) BuildArgs(opts RunOpts) []string {
	args := []string{"codex", "exec", "--json", "--full-auto", "--skip-git-repo-check"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReasoningLevel != "" {
		args = append(args, "-c", "model_reasoning_effort="+opts.ReasoningLevel)
	}
	return args
}

type geminiProvider struct{}

func (geminiProvider) Name() string       { return "gemini" }
func (geminiProvider) UsesWorktree() bool { return true }

func (geminiProvider) BuildArgs(opts RunOpts) []string {
	args := []string{"gemini", "--yolo"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

type opencodeProvider struct{}

func (opencodeProvider) Name() string { return "opencode" }

// opencode manages its own worktree plugin, so it runs in the bare project
// path.
func (opencodeProvider) UsesWorktree() bool { return false }

func (opencodeProvider) BuildArgs(opts RunOpts) []string {
	args := []string{"opencode", "run", "--print-logs"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

var providers = map[string]Provider{
	"claude":   claudeProvider{},
	"codex":    codexProvider{},
	"gemini":   geminiProvider{},
	"opencode": opencodeProvider{},
}

// ProviderFor resolves a provider by name (case-insensitive).
func ProviderFor(name string) (Provider, error) {
	p, ok := providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &ErrUnsupportedProvider{Provider: name}
	}
	return p, nil
}

// SupportedProviders lists the provider names in the closed set.
func SupportedProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
