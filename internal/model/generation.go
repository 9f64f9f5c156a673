package model

import (
	"time"
)

// Phase is the lifecycle status of a generation request and its session
type Phase string

const (
	PhaseQueued     Phase = "queued"     // Waiting for a worker
	PhaseGenerating Phase = "generating" // Worker is producing output
	PhasePaused     Phase = "paused"     // Operator paused generation
	PhaseCompleted  Phase = "completed"  // All work complete
	PhaseFailed     Phase = "failed"     // Spawn failure, crash, or fatal error
	PhaseCancelled  Phase = "cancelled"  // Operator cancelled
)

// transitions lists the allowed next phases for every non-terminal phase.
var transitions = map[Phase][]Phase{
	PhaseQueued:     {PhaseGenerating, PhaseFailed, PhaseCancelled},
	PhaseGenerating: {PhasePaused, PhaseCompleted, PhaseFailed, PhaseCancelled},
	PhasePaused:     {PhaseGenerating, PhaseCompleted, PhaseFailed, PhaseCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseQueued, PhaseGenerating, PhasePaused, PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalPhases returns every phase a live session can be in.
func NonTerminalPhases() []Phase {
	return []Phase{PhaseQueued, PhaseGenerating, PhasePaused}
}

// Role tags a peer connection
type Role string

const (
	RoleOperator Role = "operator"
	RoleWorker   Role = "worker"
)

// Credentials is one backing-service credential set
type Credentials struct {
	ConnectionString string `json:"connection_string" binding:"required"`
	AccessKey        string `json:"access_key"`
	SecretKey        string `json:"secret_key"`
}

// Env renders the credentials as worker environment variables.
func (c Credentials) Env() map[string]string {
	return map[string]string{
		"BACKING_CONNECTION_STRING": c.ConnectionString,
		"BACKING_ACCESS_KEY":        c.AccessKey,
		"BACKING_SECRET_KEY":        c.SecretKey,
	}
}

// Secrets returns the literal values that must never appear in logs or messages.
func (c Credentials) Secrets() []string {
	return []string{c.ConnectionString, c.AccessKey, c.SecretKey}
}

// GenerationRequest is the request record the session works on
type GenerationRequest struct {
	RequestID     string     `json:"request_id"`
	UserID        string     `json:"user_id"`
	Prompt        string     `json:"prompt"`
	Mode          string     `json:"mode"`
	MaxIterations int        `json:"max_iterations"`
	Status        Phase      `json:"status"`
	Error         string     `json:"error,omitempty"`
	WorkerHandle  string     `json:"worker_handle,omitempty"`
	BYOT          bool       `json:"byot"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// OpenSessionRequest opens (or returns) the session of a request
type OpenSessionRequest struct {
	RequestID     string       `json:"request_id" binding:"required"`
	UserID        string       `json:"user_id"`
	Prompt        string       `json:"prompt"`
	Mode          string       `json:"mode"`
	MaxIterations int          `json:"max_iterations"`
	Credentials   *Credentials `json:"credentials,omitempty"` // Bring-your-own credentials, bypasses the pool
}

// OpenSessionResponse open session response
type OpenSessionResponse struct {
	RequestID string `json:"request_id"`
	Phase     Phase  `json:"phase"`
	Created   bool   `json:"created"`
}

// ControlCommand is an operator control action
type ControlCommand string

const (
	CommandPause  ControlCommand = "pause"
	CommandResume ControlCommand = "resume"
	CommandCancel ControlCommand = "cancel"
)

// Valid reports whether c is a known command.
func (c ControlCommand) Valid() bool {
	return c == CommandPause || c == CommandResume || c == CommandCancel
}

// ControlRequest control request
type ControlRequest struct {
	Command ControlCommand `json:"command" binding:"required"`
}

// PromptView is the public view of an open decision prompt
type PromptView struct {
	CorrelationID string    `json:"correlation_id"`
	Prompt        string    `json:"prompt"`
	Options       []string  `json:"options"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// SessionSnapshot is the state of a live session
type SessionSnapshot struct {
	RequestID      string      `json:"request_id"`
	Phase          Phase       `json:"phase"`
	Operators      int         `json:"operators"`
	WorkerAttached bool        `json:"worker_attached"`
	WorkerHandle   string      `json:"worker_handle,omitempty"`
	WorkerState    string      `json:"worker_state,omitempty"`
	PendingPrompt  *PromptView `json:"pending_prompt,omitempty"`
	LogLength      int         `json:"log_length"`
	Recovering     bool        `json:"recovering,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// LogEntry is one line of the durable session log
type LogEntry struct {
	Seq  int64     `json:"seq"`
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// EventPage is a page of the durable session log
type EventPage struct {
	RequestID string     `json:"request_id"`
	Since     int64      `json:"since"`
	Next      int64      `json:"next"`
	Events    []LogEntry `json:"events"`
}
