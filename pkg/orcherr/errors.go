// Package orcherr defines the error taxonomy shared by the orchestrator core.
package orcherr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a worker handle or session is unknown.
	ErrNotFound = errors.New("not found")

	// ErrPoolExhausted is returned when no free credential entry is available.
	ErrPoolExhausted = errors.New("credential pool exhausted")

	// ErrUnknownPrompt is returned when a decision response names no open prompt.
	ErrUnknownPrompt = errors.New("unknown decision prompt")

	// ErrAlreadyResolved is returned when a decision prompt is answered twice.
	ErrAlreadyResolved = errors.New("decision prompt already resolved")

	// ErrPromptPending is returned when a session already has an outstanding prompt.
	ErrPromptPending = errors.New("decision prompt already pending")

	// ErrSessionTerminal is returned when an operation targets a finished session.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrLogGap is returned when a durable log holds fewer entries than the
	// sequence being appended, e.g. after the stored log expired.
	ErrLogGap = errors.New("durable log is missing earlier entries")
)

// ConfigurationError is fatal at startup: invalid or contradictory settings.
type ConfigurationError struct {
	Reason  string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) == 0 {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s (missing: %s)", e.Reason, strings.Join(e.Missing, ", "))
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// SpawnErrorKind classifies spawn failures.
type SpawnErrorKind string

const (
	SpawnCapacity      SpawnErrorKind = "capacity"      // quota, throttling, runtime unavailable
	SpawnConfiguration SpawnErrorKind = "configuration" // bad image, bad task definition, bad executable
	SpawnTimeout       SpawnErrorKind = "timeout"       // worker never became ready in time
)

// SpawnError reports a failed worker spawn.
type SpawnError struct {
	Backend string
	Kind    SpawnErrorKind
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed on %s backend (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Retryable reports whether another spawn attempt may succeed.
func (e *SpawnError) Retryable() bool {
	return e.Kind == SpawnCapacity
}

// NewCapacityError wraps err as a retryable spawn failure.
func NewCapacityError(backend string, err error) *SpawnError {
	return &SpawnError{Backend: backend, Kind: SpawnCapacity, Err: err}
}

// NewSpawnConfigError wraps err as a non-retryable spawn failure.
func NewSpawnConfigError(backend string, err error) *SpawnError {
	return &SpawnError{Backend: backend, Kind: SpawnConfiguration, Err: err}
}

// IsRetryableSpawn reports whether err is a retryable SpawnError.
func IsRetryableSpawn(err error) bool {
	var se *SpawnError
	return errors.As(err, &se) && se.Retryable()
}

// ProtocolError is a malformed or out-of-order protocol message.
type ProtocolError struct {
	Type   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Type, e.Reason)
}

// NewProtocolError builds a ProtocolError.
func NewProtocolError(msgType, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Type: msgType, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an exceeded deadline for a named operation.
type TimeoutError struct {
	Op    string
	After string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}
