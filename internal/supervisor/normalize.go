package supervisor

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// dedupWindow suppresses duplicate consecutive normalized lines per task and
// stream, so spinner redraws do not flood the log and broadcast paths.
const dedupWindow = 2 * time.Second

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// spinnerChars are glyphs CLI progress spinners cycle through.
const spinnerChars = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏|/-\\·•∙◐◓◑◒ .…"

const stdinBanner = "reading prompt from stdin"

// NormalizeLine strips ANSI escapes and carriage returns from one output
// line and drops CLI noise. The second return is false when the line should
// be discarded entirely.
func NormalizeLine(raw string) (string, bool) {
	s := ansiEscape.ReplaceAllString(raw, "")
	// A CR-rewritten line keeps only its final segment.
	if idx := strings.LastIndexByte(s, '\r'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimRight(s, " \t")
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	if isSpinnerOnly(s) {
		return "", false
	}
	if strings.Contains(strings.ToLower(s), stdinBanner) {
		return "", false
	}
	return s, true
}

func isSpinnerOnly(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(spinnerChars, r) {
			return false
		}
	}
	return true
}

// deduper drops a line identical to the previous normalized line on the same
// (task, stream) key within the dedup window.
type deduper struct {
	mu   sync.Mutex
	last map[string]dedupEntry
	now  func() time.Time
}

type dedupEntry struct {
	line string
	at   time.Time
}

func newDeduper() *deduper {
	return &deduper{
		last: make(map[string]dedupEntry),
		now:  time.Now,
	}
}

// Admit reports whether the line should pass through, and records it.
func (d *deduper) Admit(taskID, stream, line string) bool {
	key := taskID + "\x00" + stream
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.last[key]
	d.last[key] = dedupEntry{line: line, at: now}
	if ok && prev.line == line && now.Sub(prev.at) < dedupWindow {
		return false
	}
	return true
}

// Forget clears dedup state for a task, called when its process exits.
func (d *deduper) Forget(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.last {
		if strings.HasPrefix(key, taskID+"\x00") {
			delete(d.last, key)
		}
	}
}
