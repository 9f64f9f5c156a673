package protocol

import (
	"time"

	"appforge/pkg/orcherr"
)

// DecisionPrompt is the one schema used for prompts in both directions.
// From the worker, CorrelationID and ExpiresAt are optional; towards
// operators the server always sets both.
type DecisionPrompt struct {
	Envelope
	CorrelationID  string     `json:"correlation_id,omitempty"`
	Prompt         string     `json:"prompt"`
	Options        []string   `json:"options"`
	Iteration      int        `json:"iteration"`
	MaxIterations  int        `json:"max_iterations"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	DefaultOption  string     `json:"default_option,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (p *DecisionPrompt) validate() error {
	if p.Prompt == "" {
		return orcherr.NewProtocolError(string(TypeDecisionPrompt), "missing prompt")
	}
	if p.TimeoutSeconds < 0 {
		return orcherr.NewProtocolError(string(TypeDecisionPrompt), "negative timeout_seconds")
	}
	if p.DefaultOption != "" && len(p.Options) > 0 && !containsString(p.Options, p.DefaultOption) {
		return orcherr.NewProtocolError(string(TypeDecisionPrompt), "default_option %q is not one of options", p.DefaultOption)
	}
	return nil
}

// ForOperator returns the prompt as broadcast to operators
func (p *DecisionPrompt) ForOperator(requestID, correlationID string, expiresAt time.Time) *DecisionPrompt {
	out := *p
	out.Envelope = Envelope{Type: TypeDecisionPrompt, RequestID: requestID}
	out.CorrelationID = correlationID
	out.Options = append([]string(nil), p.Options...)
	if out.Options == nil {
		out.Options = []string{}
	}
	exp := expiresAt.UTC()
	out.ExpiresAt = &exp
	return &out
}

// Fallback is the response synthesized when the prompt times out
func (p *DecisionPrompt) Fallback() string {
	if p.DefaultOption != "" {
		return p.DefaultOption
	}
	if len(p.Options) > 0 {
		return p.Options[0]
	}
	return ""
}

// DecisionResponse answers a prompt. Operators send CorrelationID and Response;
// the server forwards it to the worker with TimedOut set.
type DecisionResponse struct {
	Envelope
	CorrelationID string `json:"correlation_id"`
	Response      string `json:"response"`
	TimedOut      bool   `json:"timed_out"`
}

// NewDecisionResponse builds the response forwarded to the worker
func NewDecisionResponse(requestID, correlationID, response string, timedOut bool) *DecisionResponse {
	return &DecisionResponse{
		Envelope:      Envelope{Type: TypeDecisionResponse, RequestID: requestID},
		CorrelationID: correlationID,
		Response:      response,
		TimedOut:      timedOut,
	}
}

// DecisionResolved tells operators how a prompt was closed
type DecisionResolved struct {
	Envelope
	CorrelationID string `json:"correlation_id"`
	Response      string `json:"response"`
	TimedOut      bool   `json:"timed_out"`
}

// NewDecisionResolved builds the resolution broadcast
func NewDecisionResolved(requestID, correlationID, response string, timedOut bool) *DecisionResolved {
	return &DecisionResolved{
		Envelope:      Envelope{Type: TypeDecisionResolved, RequestID: requestID},
		CorrelationID: correlationID,
		Response:      response,
		TimedOut:      timedOut,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
