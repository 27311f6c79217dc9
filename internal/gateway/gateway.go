// Package gateway is the HTTP control surface of the engine: task control
// endpoints, the websocket event stream, and health. Mutating calls need a
// bearer token or a CSRF header/cookie pair.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/climpire/climpire/internal/control"
	"github.com/climpire/climpire/internal/hub"
	"github.com/climpire/climpire/internal/persistence"
	"github.com/climpire/climpire/internal/shared"
)

type Config struct {
	Plane *control.Plane
	Store *persistence.Store
	Hub   *hub.Hub

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint func() string

	// ActiveProcesses reports the live subprocess count for /healthz.
	ActiveProcesses func() int

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/csrf", s.handleCSRF)
	mux.HandleFunc("/tasks/", s.handleTaskAction)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken != "" && !s.bearerOK(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.cfg.Hub.ServeWS(s.cfg.AllowOrigins)(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	live, terminal, err := s.cfg.Store.TaskCounts(ctx)
	if err != nil {
		dbOK = false
	}
	active := 0
	if s.cfg.ActiveProcesses != nil {
		active = s.cfg.ActiveProcesses()
	}
	fingerprint := ""
	if s.cfg.ConfigFingerprint != nil {
		fingerprint = s.cfg.ConfigFingerprint()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"tasks_live":         live,
		"tasks_terminal":     terminal,
		"active_processes":   active,
		"ws_connections":     s.cfg.Hub.ConnCount(),
		"config_fingerprint": fingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleTaskAction dispatches POST /tasks/{id}/{run|stop|inject|resume|complete}.
func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	taskID, action, ok := strings.Cut(rest, "/")
	if !ok || taskID == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if !s.authorizeMutation(r) {
		writeError(w, http.StatusForbidden, "csrf_required")
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, taskID)

	switch action {
	case "run":
		s.respond(w, func() (any, error) { return s.cfg.Plane.Run(ctx, taskID) })
	case "stop":
		var body struct {
			Mode           string `json:"mode"`
			SessionID      string `json:"session_id"`
			InterruptToken string `json:"interrupt_token"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		s.respond(w, func() (any, error) {
			return s.cfg.Plane.Stop(ctx, taskID, control.StopMode(body.Mode), body.SessionID, body.InterruptToken)
		})
	case "inject":
		var body struct {
			SessionID      string `json:"session_id"`
			InterruptToken string `json:"interrupt_token"`
			Prompt         string `json:"prompt"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		s.respond(w, func() (any, error) {
			return s.cfg.Plane.Inject(ctx, taskID, body.SessionID, body.InterruptToken, body.Prompt)
		})
	case "resume":
		var body struct {
			SessionID      string `json:"session_id"`
			InterruptToken string `json:"interrupt_token"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		s.respond(w, func() (any, error) {
			return s.cfg.Plane.Resume(ctx, taskID, body.SessionID, body.InterruptToken)
		})
	case "complete":
		var body struct {
			ToDev bool `json:"to_dev"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		s.respond(w, func() (any, error) {
			return s.cfg.Plane.Complete(ctx, taskID, body.ToDev)
		})
	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

// respond runs a control operation and writes its result or mapped error.
func (s *Server) respond(w http.ResponseWriter, op func() (any, error)) {
	result, err := op()
	if err != nil {
		status, code := mapError(err)
		if status >= 500 {
			s.logger.Error("gateway: operation failed", "error", err)
		}
		writeError(w, status, code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// coded is implemented by control, interrupt, worktree, and supervisor
// errors that carry a stable machine code.
type coded interface {
	ErrorCode() string
	HTTPStatus() int
}

func mapError(err error) (status int, code string) {
	var c coded
	if errors.As(err, &c) {
		return c.HTTPStatus(), c.ErrorCode()
	}
	if errors.Is(err, persistence.ErrTaskNotFound) {
		return http.StatusNotFound, "task_not_found"
	}
	if errors.Is(err, persistence.ErrAgentNotFound) {
		return http.StatusBadRequest, "agent_not_found"
	}
	if errors.Is(err, persistence.ErrProjectNotFound) {
		return http.StatusNotFound, "project_not_found"
	}
	return http.StatusInternalServerError, "internal_error"
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": code})
}

func (s *Server) bearerOK(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}
