// Package protocol defines the JSON messages exchanged between workers, the
// orchestrator and operator consoles. Every message is one JSON object with a
// "type" field; unknown fields are ignored.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"appforge/internal/model"
	"appforge/pkg/orcherr"
)

// MessageType is the "type" discriminator of a message
type MessageType string

const (
	// worker -> server
	TypeReady             MessageType = "ready"
	TypeLog               MessageType = "log"
	TypeProgress          MessageType = "progress"
	TypeDecisionPrompt    MessageType = "decision_prompt"
	TypeIterationComplete MessageType = "iteration_complete"
	TypeAllWorkComplete   MessageType = "all_work_complete"

	// operator -> server
	TypeDecisionResponse MessageType = "decision_response"
	TypeStartGeneration  MessageType = "start_generation"
	TypeControlCommand   MessageType = "control_command"

	// either direction
	TypeError MessageType = "error"

	// server -> operator
	TypePhase            MessageType = "phase"
	TypeDecisionResolved MessageType = "decision_resolved"
	TypeReplayComplete   MessageType = "replay_complete"
)

var inboundTypes = map[model.Role]map[MessageType]bool{
	model.RoleWorker: {
		TypeReady:             true,
		TypeLog:               true,
		TypeProgress:          true,
		TypeDecisionPrompt:    true,
		TypeIterationComplete: true,
		TypeAllWorkComplete:   true,
		TypeError:             true,
	},
	model.RoleOperator: {
		TypeDecisionResponse: true,
		TypeStartGeneration:  true,
		TypeControlCommand:   true,
		TypeError:            true,
	},
}

// Envelope is the part shared by every message
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

// Ready announces a worker for a request
type Ready struct {
	Envelope
	Version string `json:"version,omitempty"`
}

// Log is a single output line of the worker
type Log struct {
	Envelope
	Line  *string `json:"line"`
	Level string  `json:"level,omitempty"`
}

// Progress reports numeric progress
type Progress struct {
	Envelope
	Percent   float64 `json:"percent"`
	Message   string  `json:"message,omitempty"`
	Iteration int     `json:"iteration,omitempty"`
}

// IterationComplete marks the end of one agent iteration
type IterationComplete struct {
	Envelope
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// AllWorkComplete marks successful completion of the generation
type AllWorkComplete struct {
	Envelope
	Summary string `json:"summary,omitempty"`
}

// Error carries a human-readable failure
type Error struct {
	Envelope
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// StartGeneration moves a queued session to generating
type StartGeneration struct {
	Envelope
}

// ControlCommand pauses, resumes or cancels a session
type ControlCommand struct {
	Envelope
	Command model.ControlCommand `json:"command"`
}

// Phase announces a session phase change to operators
type Phase struct {
	Envelope
	Phase  model.Phase `json:"phase"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// ReplayComplete tells an operator that buffered history has been sent
type ReplayComplete struct {
	Envelope
	Count int `json:"count"`
}

// Message is a parsed inbound message
type Message struct {
	Type      MessageType
	RequestID string
	Raw       []byte      // the line as received
	Payload   interface{} // pointer to the typed struct for Type
}

// Parse decodes one inbound line. Unknown types yield a ProtocolError so the
// caller can log and drop the line.
func Parse(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, orcherr.NewProtocolError("", "malformed JSON: %v", err)
	}
	if env.Type == "" {
		return nil, orcherr.NewProtocolError("", "missing type")
	}

	var payload interface{}
	switch env.Type {
	case TypeReady:
		payload = &Ready{}
	case TypeLog:
		payload = &Log{}
	case TypeProgress:
		payload = &Progress{}
	case TypeDecisionPrompt:
		payload = &DecisionPrompt{}
	case TypeIterationComplete:
		payload = &IterationComplete{}
	case TypeAllWorkComplete:
		payload = &AllWorkComplete{}
	case TypeDecisionResponse:
		payload = &DecisionResponse{}
	case TypeStartGeneration:
		payload = &StartGeneration{}
	case TypeControlCommand:
		payload = &ControlCommand{}
	case TypeError:
		payload = &Error{}
	default:
		return nil, orcherr.NewProtocolError(string(env.Type), "unknown message type")
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, orcherr.NewProtocolError(string(env.Type), "invalid payload: %v", err)
	}
	msg := &Message{Type: env.Type, RequestID: strings.TrimSpace(env.RequestID), Raw: data, Payload: payload}
	if err := msg.validateFields(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ValidateFor checks that role may send this message for the session requestID.
// A message without request_id is accepted; a different one is not.
func (m *Message) ValidateFor(role model.Role, requestID string) error {
	if !inboundTypes[role][m.Type] {
		return orcherr.NewProtocolError(string(m.Type), "not allowed from %s", role)
	}
	if m.RequestID != "" && m.RequestID != requestID {
		return orcherr.NewProtocolError(string(m.Type), "request id %s does not match session %s", m.RequestID, requestID)
	}
	return nil
}

func (m *Message) validateFields() error {
	switch p := m.Payload.(type) {
	case *Ready:
		// a worker names the request it was spawned for
		if m.RequestID == "" {
			return orcherr.NewProtocolError(string(m.Type), "missing request_id")
		}
	case *Log:
		if p.Line == nil {
			return orcherr.NewProtocolError(string(m.Type), "missing line")
		}
	case *Progress:
		if p.Percent < 0 || p.Percent > 100 {
			return orcherr.NewProtocolError(string(m.Type), "percent %v out of range", p.Percent)
		}
	case *DecisionPrompt:
		return p.validate()
	case *DecisionResponse:
		if p.CorrelationID == "" {
			return orcherr.NewProtocolError(string(m.Type), "missing correlation_id")
		}
		if p.Response == "" {
			return orcherr.NewProtocolError(string(m.Type), "missing response")
		}
	case *ControlCommand:
		if !p.Command.Valid() {
			return orcherr.NewProtocolError(string(m.Type), "unknown command %q", p.Command)
		}
	case *Error:
		if strings.TrimSpace(p.Message) == "" {
			return orcherr.NewProtocolError(string(m.Type), "missing message")
		}
	}
	return nil
}

// Encode marshals an outbound message
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// NewPhase builds a phase announcement
func NewPhase(requestID string, phase model.Phase, reason string, at time.Time) *Phase {
	return &Phase{
		Envelope: Envelope{Type: TypePhase, RequestID: requestID},
		Phase:    phase,
		Reason:   reason,
		At:       at,
	}
}

// NewError builds an error message
func NewError(requestID, message string) *Error {
	return &Error{Envelope: Envelope{Type: TypeError, RequestID: requestID}, Message: message}
}

// NewReplayComplete builds the replay terminator
func NewReplayComplete(requestID string, count int) *ReplayComplete {
	return &ReplayComplete{Envelope: Envelope{Type: TypeReplayComplete, RequestID: requestID}, Count: count}
}

// NewStartGeneration builds the start message sent to a ready worker
func NewStartGeneration(requestID string) *StartGeneration {
	return &StartGeneration{Envelope: Envelope{Type: TypeStartGeneration, RequestID: requestID}}
}

// NewControlCommand builds a control message forwarded to the worker
func NewControlCommand(requestID string, cmd model.ControlCommand) *ControlCommand {
	return &ControlCommand{Envelope: Envelope{Type: TypeControlCommand, RequestID: requestID}, Command: cmd}
}
