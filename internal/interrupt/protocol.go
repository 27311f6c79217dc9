// Package interrupt implements the session-proof protocol that authorizes
// pause, inject, and resume operations on a running task. A session id names
// one logical conversation with an agent; a control token derived from
// (taskID, sessionID) under a server-side secret proves the caller controls
// the live session. Tokens computed for a stale session are rejected.
package interrupt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Error is a protocol failure with a stable machine code and HTTP status.
type Error struct {
	Code   string
	Status int
}

func (e *Error) Error() string     { return e.Code }
func (e *Error) ErrorCode() string { return e.Code }
func (e *Error) HTTPStatus() int   { return e.Status }

var (
	ErrProofRequired   = &Error{Code: "session_proof_required", Status: 400}
	ErrSessionMissing  = &Error{Code: "task_session_missing", Status: 409}
	ErrSessionMismatch = &Error{Code: "task_session_mismatch", Status: 409}
	ErrTokenInvalid    = &Error{Code: "task_interrupt_token_invalid", Status: 403}
)

// Session identifies one logical conversation between a task and its agent.
// It survives pause/resume and dies on cancel or terminal completion.
type Session struct {
	SessionID string
	AgentID   string
	Provider  string
	CreatedAt time.Time
}

// Registry owns the ExecutionSession map (one live session per task) and the
// control-token derivation secret.
type Registry struct {
	mu       sync.Mutex
	secret   []byte
	sessions map[string]Session // task id → session
}

func NewRegistry(secret string) *Registry {
	return &Registry{
		secret:   []byte(secret),
		sessions: make(map[string]Session),
	}
}

// EnsureSession returns the live session for a task, creating one if none
// exists. Agent/provider are recorded on first creation only.
func (r *Registry) EnsureSession(taskID, agentID, provider string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[taskID]; ok {
		return sess
	}
	sess := Session{
		SessionID: uuid.NewString(),
		AgentID:   agentID,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}
	r.sessions[taskID] = sess
	return sess
}

// Restore rehydrates a session recorded in storage, e.g. after a daemon
// restart while a task was paused. No-op if the task already has a session.
func (r *Registry) Restore(taskID, sessionID, agentID, provider string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[taskID]; ok {
		return
	}
	r.sessions[taskID] = Session{
		SessionID: sessionID,
		AgentID:   agentID,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}
}

// SessionFor returns the live session for a task, if any.
func (r *Registry) SessionFor(taskID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[taskID]
	return sess, ok
}

// EndSession destroys the task's session. Called on cancel and on terminal
// completion; pause leaves the session alone.
func (r *Registry) EndSession(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, taskID)
}

// ControlToken deterministically derives the interrupt proof for a
// (task, session) pair.
func (r *Registry) ControlToken(taskID, sessionID string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(taskID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a supplied token against the derived one in constant
// time.
func (r *Registry) VerifyToken(taskID, sessionID, token string) bool {
	expected := r.ControlToken(taskID, sessionID)
	return hmac.Equal([]byte(expected), []byte(token))
}

// ValidateProof enforces the proof rule: if either half is supplied, both
// must be; the live session must exist and match the supplied session id
// before the token is even checked, so a caller cannot learn which half of a
// mismatched pair was wrong. When required is false and neither half is
// supplied, the call passes.
func (r *Registry) ValidateProof(taskID, sessionID, token string, required bool) error {
	if sessionID == "" && token == "" {
		if required {
			return ErrProofRequired
		}
		return nil
	}
	if sessionID == "" || token == "" {
		return ErrProofRequired
	}
	live, ok := r.SessionFor(taskID)
	if !ok {
		return ErrSessionMissing
	}
	if live.SessionID != sessionID {
		return ErrSessionMismatch
	}
	if !r.VerifyToken(taskID, sessionID, token) {
		return ErrTokenInvalid
	}
	return nil
}
