package interrupt

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxPromptLength caps accepted injection prompts.
const MaxPromptLength = 4000

var (
	ErrPromptEmpty            = &Error{Code: "prompt_empty", Status: 400}
	ErrPromptTooLong          = &Error{Code: "prompt_too_long", Status: 400}
	ErrPromptControlChars     = &Error{Code: "prompt_control_chars", Status: 400}
	ErrPromptTemplateBreakout = &Error{Code: "prompt_template_breakout_blocked", Status: 400}
	ErrPromptCommandInjection = &Error{Code: "prompt_command_injection_blocked", Status: 400}
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// templateBreakoutPatterns match attempts to escape the prompt template and
// speak as the system or the assistant.
var templateBreakoutPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)</?\s*system\s*>`),
	regexp.MustCompile(`(?i)</?\s*(assistant|user|human)\s*>`),
	regexp.MustCompile(`(?i)<\s*\|\s*(system|assistant|user|im_start|im_end|endoftext)\s*\|\s*>`),
	regexp.MustCompile(`(?i)\[\s*/?\s*INST\s*\]`),
}

// commandInjectionPatterns match text that would smuggle shell execution into
// an agent prompt: fenced shell code blocks and download-to-shell pipelines.
var commandInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?is)```\\s*(ba|z|k)?sh(ell)?\\b.*```"),
	regexp.MustCompile(`(?i)\b(curl|wget)\b[^\n]*\|\s*(ba|z|k)?sh\b`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b[^\n]*\|\s*sudo\b`),
}

// SanitizePrompt normalizes and vets an injection prompt. On success it
// returns the cleaned text; callers hash it with PromptHash for audit.
func SanitizePrompt(raw string) (string, error) {
	s := ansiEscape.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrPromptEmpty
	}
	if len(s) > MaxPromptLength {
		return "", ErrPromptTooLong
	}
	for _, r := range s {
		if r == '\n' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return "", ErrPromptControlChars
		}
	}
	for _, pat := range templateBreakoutPatterns {
		if pat.MatchString(s) {
			return "", ErrPromptTemplateBreakout
		}
	}
	for _, pat := range commandInjectionPatterns {
		if pat.MatchString(s) {
			return "", ErrPromptCommandInjection
		}
	}
	return s, nil
}

// PromptHash returns the sha256 hex digest of an accepted prompt. Audit rows
// and broadcasts bind to the hash, never the plaintext.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// TruncatedHash shortens a prompt hash for broadcast payloads.
func TruncatedHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

// ActorTokenHash binds the acting control token to an injection row without
// persisting the token itself.
func ActorTokenHash(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
