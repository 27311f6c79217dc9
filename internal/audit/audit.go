// Package audit appends control-plane actions to a JSONL log so every run,
// stop, injection, and rollback is reconstructable after the fact. Values are
// redacted before write; prompt plaintext never reaches this file.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/climpire/climpire/internal/shared"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Log is an append-only JSONL audit file. A nil *Log discards records, so
// callers never have to guard their writes.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

func Open(homeDir string, logger *slog.Logger) (*Log, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, logger: logger}, nil
}

// Record appends one entry. Failures are logged and swallowed; audit is never
// allowed to block a control operation.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for k, v := range e.Detail {
		if s, ok := v.(string); ok {
			e.Detail[k] = shared.Redact(s)
		}
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil && l.logger != nil {
		l.logger.Warn("audit: write failed", "error", err)
	}
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
