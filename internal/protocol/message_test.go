package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/model"
	"appforge/pkg/orcherr"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType MessageType
		wantErr  bool
	}{
		{name: "ready", line: `{"type":"ready","request_id":"42"}`, wantType: TypeReady},
		{name: "ready without request id", line: `{"type":"ready","version":"1.0"}`, wantErr: true},
		{name: "ready with blank request id", line: `{"type":"ready","request_id":"  "}`, wantErr: true},
		{name: "log", line: `{"type":"log","line":"hello"}`, wantType: TypeLog},
		{name: "empty log line is allowed", line: `{"type":"log","line":""}`, wantType: TypeLog},
		{name: "log without line", line: `{"type":"log"}`, wantErr: true},
		{name: "unknown fields ignored", line: `{"type":"progress","percent":50,"eta":"soon"}`, wantType: TypeProgress},
		{name: "progress out of range", line: `{"type":"progress","percent":150}`, wantErr: true},
		{name: "prompt", line: `{"type":"decision_prompt","prompt":"continue?","options":["yes","no"],"iteration":1,"max_iterations":3}`, wantType: TypeDecisionPrompt},
		{name: "prompt without text", line: `{"type":"decision_prompt","options":["yes"]}`, wantErr: true},
		{name: "prompt with foreign default", line: `{"type":"decision_prompt","prompt":"p","options":["a"],"default_option":"b"}`, wantErr: true},
		{name: "response", line: `{"type":"decision_response","correlation_id":"c1","response":"yes"}`, wantType: TypeDecisionResponse},
		{name: "response without correlation", line: `{"type":"decision_response","response":"yes"}`, wantErr: true},
		{name: "control", line: `{"type":"control_command","command":"cancel"}`, wantType: TypeControlCommand},
		{name: "bad control", line: `{"type":"control_command","command":"reboot"}`, wantErr: true},
		{name: "error", line: `{"type":"error","message":"boom"}`, wantType: TypeError},
		{name: "error without message", line: `{"type":"error"}`, wantErr: true},
		{name: "unknown type", line: `{"type":"telemetry"}`, wantErr: true},
		{name: "missing type", line: `{"line":"x"}`, wantErr: true},
		{name: "malformed", line: `{"type":`, wantErr: true},
		{name: "wrong field type", line: `{"type":"progress","percent":"half"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.line))
			if tt.wantErr {
				var perr *orcherr.ProtocolError
				assert.True(t, errors.As(err, &perr), "want ProtocolError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, tt.line, string(msg.Raw))
		})
	}
}

func TestValidateFor(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		role    model.Role
		wantErr bool
	}{
		{"worker log", `{"type":"log","line":"x"}`, model.RoleWorker, false},
		{"operator cannot log", `{"type":"log","line":"x"}`, model.RoleOperator, true},
		{"operator control", `{"type":"control_command","command":"pause"}`, model.RoleOperator, false},
		{"worker cannot control", `{"type":"control_command","command":"pause"}`, model.RoleWorker, true},
		{"matching request id", `{"type":"log","line":"x","request_id":"42"}`, model.RoleWorker, false},
		{"mismatched request id", `{"type":"log","line":"x","request_id":"43"}`, model.RoleWorker, true},
		{"error from operator", `{"type":"error","message":"bye"}`, model.RoleOperator, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.line))
			require.NoError(t, err)
			err = msg.ValidateFor(tt.role, "42")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecisionPromptForOperator(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"decision_prompt","prompt":"deploy?","options":["yes","no"],"iteration":2,"max_iterations":5,"default_option":"no"}`))
	require.NoError(t, err)
	p := msg.Payload.(*DecisionPrompt)

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := p.ForOperator("42", "corr-1", expires)
	data, err := Encode(out)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "decision_prompt", decoded["type"])
	assert.Equal(t, "42", decoded["request_id"])
	assert.Equal(t, "corr-1", decoded["correlation_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", decoded["expires_at"])
	assert.Equal(t, []interface{}{"yes", "no"}, decoded["options"])
	assert.Equal(t, float64(2), decoded["iteration"])

	// the worker's prompt is not modified
	assert.Empty(t, p.CorrelationID)
	assert.Nil(t, p.ExpiresAt)
}

func TestDecisionPromptFallback(t *testing.T) {
	assert.Equal(t, "no", (&DecisionPrompt{Options: []string{"yes", "no"}, DefaultOption: "no"}).Fallback())
	assert.Equal(t, "yes", (&DecisionPrompt{Options: []string{"yes", "no"}}).Fallback())
	assert.Equal(t, "", (&DecisionPrompt{}).Fallback())
}

func TestOutboundShapes(t *testing.T) {
	data, err := Encode(NewDecisionResponse("42", "c1", "yes", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"decision_response","request_id":"42","correlation_id":"c1","response":"yes","timed_out":true}`, string(data))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err = Encode(NewPhase("42", model.PhaseCancelled, "operator", at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"phase","request_id":"42","phase":"cancelled","reason":"operator","at":"2026-01-01T00:00:00Z"}`, string(data))

	data, err = Encode(NewReplayComplete("42", 3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"replay_complete","request_id":"42","count":3}`, string(data))
}
