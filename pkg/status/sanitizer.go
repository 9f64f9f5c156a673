// Package status converts worker and backend failures into user-facing
// messages and strips credentials and infrastructure details from any text
// that is persisted on a request or broadcast to operators.
package status

import (
	"errors"
	"regexp"
	"strings"

	"appforge/pkg/orcherr"
)

// FailureType classifies why a session failed.
type FailureType string

const (
	FailureSpawnCapacity FailureType = "SPAWN_CAPACITY"
	FailureSpawnConfig   FailureType = "SPAWN_CONFIGURATION"
	FailureSpawnTimeout  FailureType = "SPAWN_TIMEOUT"
	FailureWorkerCrash   FailureType = "WORKER_CRASH"
	FailureWorkerLost    FailureType = "WORKER_LOST"
	FailureUnknown       FailureType = "UNKNOWN"
)

// StatusSanitizer converts backend-specific error messages to user-friendly
// messages and removes sensitive information from error messages.
type StatusSanitizer struct {
	errorMappings     map[FailureType]map[string]SanitizedError
	sensitivePatterns []*sensitivePattern
}

// SanitizedError represents a user-friendly error message with suggestions.
type SanitizedError struct {
	UserMessage string `json:"userMessage"`
	Suggestion  string `json:"suggestion"`
	ErrorCode   string `json:"errorCode"`
}

// String joins message and suggestion.
func (e *SanitizedError) String() string {
	if e.Suggestion == "" {
		return e.UserMessage
	}
	return e.UserMessage + ". " + e.Suggestion
}

type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
	description string
}

// SpawnCapacityErrorMappings covers quota and throttling reasons from every backend.
var SpawnCapacityErrorMappings = map[string]SanitizedError{
	"ThrottlingException": {
		UserMessage: "The cluster is throttling new workers",
		Suggestion:  "Please try again in a minute",
		ErrorCode:   "SPAWN_THROTTLED",
	},
	"RESOURCE:MEMORY": {
		UserMessage: "Not enough memory available to start a worker",
		Suggestion:  "Please try again later",
		ErrorCode:   "SPAWN_NO_MEMORY",
	},
	"RESOURCE:CPU": {
		UserMessage: "Not enough CPU available to start a worker",
		Suggestion:  "Please try again later",
		ErrorCode:   "SPAWN_NO_CPU",
	},
	"exceeded quota": {
		UserMessage: "Worker quota exceeded",
		Suggestion:  "Please wait for running generations to finish",
		ErrorCode:   "SPAWN_QUOTA",
	},
	"no space left on device": {
		UserMessage: "Worker host is out of disk space",
		Suggestion:  "Please try again later",
		ErrorCode:   "SPAWN_NO_DISK",
	},
	"default": {
		UserMessage: "No capacity available to start a worker",
		Suggestion:  "Please try again later",
		ErrorCode:   "SPAWN_CAPACITY",
	},
}

// SpawnConfigErrorMappings covers reasons that retrying cannot fix.
var SpawnConfigErrorMappings = map[string]SanitizedError{
	"ImagePullBackOff": {
		UserMessage: "Worker image could not be pulled",
		Suggestion:  "Please contact support, the worker image is misconfigured",
		ErrorCode:   "SPAWN_IMAGE_PULL",
	},
	"ErrImagePull": {
		UserMessage: "Worker image could not be pulled",
		Suggestion:  "Please contact support, the worker image is misconfigured",
		ErrorCode:   "SPAWN_IMAGE_PULL",
	},
	"No such image": {
		UserMessage: "Worker image not found",
		Suggestion:  "Please contact support, the worker image is misconfigured",
		ErrorCode:   "SPAWN_IMAGE_MISSING",
	},
	"executable file not found": {
		UserMessage: "Worker executable not found",
		Suggestion:  "Please contact support, the worker executable is misconfigured",
		ErrorCode:   "SPAWN_EXECUTABLE_MISSING",
	},
	"ClientException": {
		UserMessage: "The cluster rejected the worker task definition",
		Suggestion:  "Please contact support",
		ErrorCode:   "SPAWN_TASK_REJECTED",
	},
	"default": {
		UserMessage: "Worker configuration is invalid",
		Suggestion:  "Please contact support",
		ErrorCode:   "SPAWN_CONFIGURATION",
	},
}

// SpawnTimeoutErrorMappings covers workers that never reported ready.
var SpawnTimeoutErrorMappings = map[string]SanitizedError{
	"default": {
		UserMessage: "Worker did not become ready in time",
		Suggestion:  "Please try again",
		ErrorCode:   "SPAWN_TIMEOUT",
	},
}

// WorkerCrashErrorMappings covers workers that exited before finishing.
var WorkerCrashErrorMappings = map[string]SanitizedError{
	"OOMKilled": {
		UserMessage: "Worker ran out of memory",
		Suggestion:  "Please try a smaller prompt or fewer iterations",
		ErrorCode:   "WORKER_OOM",
	},
	"exit code 137": {
		UserMessage: "Worker was killed",
		Suggestion:  "The worker exceeded its time or memory budget",
		ErrorCode:   "WORKER_KILLED",
	},
	"default": {
		UserMessage: "Worker stopped unexpectedly",
		Suggestion:  "Please try again",
		ErrorCode:   "WORKER_CRASH",
	},
}

// WorkerLostErrorMappings covers workers whose connection never came back.
var WorkerLostErrorMappings = map[string]SanitizedError{
	"default": {
		UserMessage: "Lost connection to the worker",
		Suggestion:  "Please try again",
		ErrorCode:   "WORKER_LOST",
	},
}

// UnknownErrorMappings contains default mappings for UNKNOWN type.
var UnknownErrorMappings = map[string]SanitizedError{
	"default": {
		UserMessage: "Unknown error occurred",
		Suggestion:  "Please contact technical support for help",
		ErrorCode:   "UNKNOWN_ERROR",
	},
}

// NewStatusSanitizer creates a new StatusSanitizer with default error mappings.
func NewStatusSanitizer() *StatusSanitizer {
	return &StatusSanitizer{
		errorMappings: map[FailureType]map[string]SanitizedError{
			FailureSpawnCapacity: SpawnCapacityErrorMappings,
			FailureSpawnConfig:   SpawnConfigErrorMappings,
			FailureSpawnTimeout:  SpawnTimeoutErrorMappings,
			FailureWorkerCrash:   WorkerCrashErrorMappings,
			FailureWorkerLost:    WorkerLostErrorMappings,
			FailureUnknown:       UnknownErrorMappings,
		},
		sensitivePatterns: buildDefaultSensitivePatterns(),
	}
}

// buildDefaultSensitivePatterns builds the default patterns for sensitive information.
// Order matters: credential-bearing URLs are rewritten before bare hosts and IPs.
func buildDefaultSensitivePatterns() []*sensitivePattern {
	return []*sensitivePattern{
		{
			pattern:     regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s:/@]+:[^\s@]+@[^\s/]+`),
			replacement: "[connection-string]",
			description: "URL with embedded credentials",
		},
		{
			pattern:     regexp.MustCompile(`\b[a-zA-Z0-9_]+:[^\s@]+@tcp\([^)]*\)`),
			replacement: "[connection-string]",
			description: "mysql DSN",
		},
		{
			pattern:     regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			replacement: "[aws-access-key]",
			description: "AWS access key id",
		},
		{
			pattern:     regexp.MustCompile(`(?i)\b(secret[_-]?key|access[_-]?key|password|token|api[_-]?key)\s*[=:]\s*\S+`),
			replacement: "$1=[redacted]",
			description: "key=value secret",
		},
		{
			pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._~+/-]+=*`),
			replacement: "Bearer [redacted]",
			description: "bearer token",
		},
		{
			pattern:     regexp.MustCompile(`\barn:aws[a-z-]*:[a-z0-9-]+:[a-z0-9-]*:\d{12}:\S+`),
			replacement: "[aws-arn]",
			description: "AWS ARN",
		},
		{
			pattern:     regexp.MustCompile(`\b\d{12}\.dkr\.ecr\.[a-z0-9-]+\.amazonaws\.com\b`),
			replacement: "[aws-ecr-registry]",
			description: "AWS ECR registry",
		},
		{
			pattern:     regexp.MustCompile(`\b(?:subnet|sg|vpc)-[0-9a-f]{8,17}\b`),
			replacement: "[aws-network]",
			description: "AWS network resource",
		},
		{
			pattern:     regexp.MustCompile(`\b10\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
			replacement: "[internal-ip]",
			description: "10.x.x.x private IP",
		},
		{
			pattern:     regexp.MustCompile(`\b172\.(1[6-9]|2[0-9]|3[0-1])\.\d{1,3}\.\d{1,3}\b`),
			replacement: "[internal-ip]",
			description: "172.16-31.x.x private IP",
		},
		{
			pattern:     regexp.MustCompile(`\b192\.168\.\d{1,3}\.\d{1,3}\b`),
			replacement: "[internal-ip]",
			description: "192.168.x.x private IP",
		},
		{
			pattern:     regexp.MustCompile(`\b(?:node|ip|gke|aks|eks)[-_][a-zA-Z0-9][-a-zA-Z0-9_.]*\b`),
			replacement: "[node]",
			description: "node name",
		},
		{
			pattern:     regexp.MustCompile(`\bnamespace[/:]?\s*[a-zA-Z0-9][-a-zA-Z0-9_.]*\b`),
			replacement: "namespace/[redacted]",
			description: "namespace name",
		},
		{
			pattern:     regexp.MustCompile(`\b[0-9a-f]{64}\b`),
			replacement: "[container-id]",
			description: "container id",
		},
	}
}

// Sanitize converts a backend-specific error to a user-friendly message.
// Lookup order: exact reason, case-insensitive reason, reason containing a
// key, message containing a key, then the type's default.
func (s *StatusSanitizer) Sanitize(failureType FailureType, reason, message string) *SanitizedError {
	mappings, ok := s.errorMappings[failureType]
	if !ok {
		mappings = s.errorMappings[FailureUnknown]
	}

	if sanitized, ok := mappings[reason]; ok {
		return &sanitized
	}

	reasonLower := strings.ToLower(reason)
	for key, sanitized := range mappings {
		if strings.ToLower(key) == reasonLower {
			return &sanitized
		}
	}

	for key, sanitized := range mappings {
		if key != "default" && reasonLower != "" && strings.Contains(reasonLower, strings.ToLower(key)) {
			return &sanitized
		}
	}

	messageLower := strings.ToLower(message)
	for key, sanitized := range mappings {
		if key != "default" && strings.Contains(messageLower, strings.ToLower(key)) {
			return &sanitized
		}
	}

	if defaultErr, ok := mappings["default"]; ok {
		return &defaultErr
	}

	return &SanitizedError{
		UserMessage: "An error occurred",
		Suggestion:  "Please contact technical support",
		ErrorCode:   "ERROR",
	}
}

// SanitizeSensitiveInfo removes sensitive information from a message. Literal
// secrets (for example the leased credentials of the session) are removed first.
func (s *StatusSanitizer) SanitizeSensitiveInfo(message string, secrets ...string) string {
	if message == "" {
		return message
	}

	result := message
	for _, secret := range secrets {
		if len(secret) >= 4 {
			result = strings.ReplaceAll(result, secret, "[redacted]")
		}
	}
	for _, sp := range s.sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	return result
}

// AddErrorMapping adds a custom error mapping for a specific failure type and reason.
func (s *StatusSanitizer) AddErrorMapping(failureType FailureType, reason string, sanitized SanitizedError) {
	if _, ok := s.errorMappings[failureType]; !ok {
		s.errorMappings[failureType] = make(map[string]SanitizedError)
	}
	s.errorMappings[failureType][reason] = sanitized
}

// AddSensitivePattern adds a custom sensitive pattern for redaction.
func (s *StatusSanitizer) AddSensitivePattern(pattern *regexp.Regexp, replacement, description string) {
	s.sensitivePatterns = append(s.sensitivePatterns, &sensitivePattern{
		pattern:     pattern,
		replacement: replacement,
		description: description,
	})
}

// Classify maps an orchestrator error onto a failure type.
func Classify(err error) FailureType {
	var spawnErr *orcherr.SpawnError
	if errors.As(err, &spawnErr) {
		switch spawnErr.Kind {
		case orcherr.SpawnCapacity:
			return FailureSpawnCapacity
		case orcherr.SpawnConfiguration:
			return FailureSpawnConfig
		case orcherr.SpawnTimeout:
			return FailureSpawnTimeout
		}
	}
	var timeoutErr *orcherr.TimeoutError
	if errors.As(err, &timeoutErr) {
		return FailureSpawnTimeout
	}
	return FailureUnknown
}

// Describe renders err as text safe to persist and broadcast:
// the friendly message followed by the redacted technical detail.
func (s *StatusSanitizer) Describe(failureType FailureType, err error, secrets ...string) string {
	if err == nil {
		return ""
	}
	detail := s.SanitizeSensitiveInfo(err.Error(), secrets...)
	friendly := s.Sanitize(failureType, "", detail)
	return friendly.String() + " (" + detail + ")"
}
