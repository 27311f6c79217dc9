package supervisor

import (
	"encoding/json"
	"strings"
	"time"
)

// SubtaskRecord is one entry in a task's delegated-subtask ledger, mirrored
// from provider-specific JSON lifecycle markers in the output stream.
type SubtaskRecord struct {
	Kind       string    `json:"kind"` // spawn, close, plan, done
	SubagentID string    `json:"subagent_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	SeenAt     time.Time `json:"seen_at"`
}

// markerParser inspects one normalized output line for a sub-agent lifecycle
// marker. Parsers are independent and order-insensitive; parse failures are
// non-fatal and simply report no match.
type markerParser func(line string) (SubtaskRecord, bool)

var markerParsers = []markerParser{
	parseClaudeToolMarker,
	parseCodexLifecycleMarker,
	parsePlanEnvelopeMarker,
}

// ParseSubtaskMarker runs the parser chain over one line.
func ParseSubtaskMarker(line string) (SubtaskRecord, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return SubtaskRecord{}, false
	}
	for _, parse := range markerParsers {
		if rec, ok := parse(trimmed); ok {
			rec.SeenAt = time.Now().UTC()
			return rec, true
		}
	}
	return SubtaskRecord{}, false
}

// parseClaudeToolMarker matches claude stream-json tool_use blocks that spawn
// or close a sub-agent.
func parseClaudeToolMarker(line string) (SubtaskRecord, bool) {
	var msg struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type  string `json:"type"`
				Name  string `json:"name"`
				ID    string `json:"id"`
				Input struct {
					Description string `json:"description"`
				} `json:"input"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != "assistant" {
		return SubtaskRecord{}, false
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		switch block.Name {
		case "Task":
			return SubtaskRecord{Kind: "spawn", SubagentID: block.ID, Detail: block.Input.Description}, true
		case "KillShell", "CloseAgent":
			return SubtaskRecord{Kind: "close", SubagentID: block.ID}, true
		}
	}
	return SubtaskRecord{}, false
}

// parseCodexLifecycleMarker matches codex exec --json task lifecycle events.
func parseCodexLifecycleMarker(line string) (SubtaskRecord, bool) {
	var msg struct {
		ID  string `json:"id"`
		Msg struct {
			Type string `json:"type"`
		} `json:"msg"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return SubtaskRecord{}, false
	}
	switch msg.Msg.Type {
	case "task_started":
		return SubtaskRecord{Kind: "spawn", SubagentID: msg.ID}, true
	case "task_complete":
		return SubtaskRecord{Kind: "close", SubagentID: msg.ID}, true
	}
	return SubtaskRecord{}, false
}

// parsePlanEnvelopeMarker matches generic plan/done envelopes emitted by
// gemini and opencode.
func parsePlanEnvelopeMarker(line string) (SubtaskRecord, bool) {
	var msg struct {
		Event  string `json:"event"`
		Status string `json:"status"`
		Plan   string `json:"plan"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return SubtaskRecord{}, false
	}
	switch {
	case msg.Event == "plan" || msg.Plan != "":
		return SubtaskRecord{Kind: "plan", Detail: msg.Plan}, true
	case msg.Event == "done" || msg.Status == "done":
		return SubtaskRecord{Kind: "done"}, true
	}
	return SubtaskRecord{}, false
}
