package control

// Error is a state-machine rejection with a stable machine code and the HTTP
// status the gateway should surface.
type Error struct {
	Code   string
	Status int
}

func (e *Error) Error() string     { return e.Code }
func (e *Error) ErrorCode() string { return e.Code }
func (e *Error) HTTPStatus() int   { return e.Status }

var (
	// ErrNoAgentAssigned rejects a run on a task without an assigned agent.
	ErrNoAgentAssigned = &Error{Code: "no_agent_assigned", Status: 400}
	// ErrAgentNotFound rejects a run whose assigned agent row is gone.
	ErrAgentNotFound = &Error{Code: "agent_not_found", Status: 400}
	// ErrProcessStillActive rejects a run while the task's process is alive.
	ErrProcessStillActive = &Error{Code: "process_still_active", Status: 409}
	// ErrAlreadyRunning rejects a resume while a process handle exists.
	ErrAlreadyRunning = &Error{Code: "already_running", Status: 409}
	// ErrAgentBusy rejects a run whose agent is working a different task.
	ErrAgentBusy = &Error{Code: "already_running", Status: 400}
	// ErrInvalidStatus rejects an operation not permitted in the task's
	// current status.
	ErrInvalidStatus = &Error{Code: "invalid_status", Status: 400}
	// ErrInvalidMode rejects a stop mode other than pause or cancel.
	ErrInvalidMode = &Error{Code: "invalid_mode", Status: 400}
)
