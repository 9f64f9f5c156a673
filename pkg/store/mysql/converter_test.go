package mysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"appforge/internal/model"
)

func TestRequestConversionRoundTrip(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := &model.GenerationRequest{
		RequestID:     "42",
		UserID:        "u-1",
		Prompt:        "build a todo app",
		Mode:          "full",
		MaxIterations: 5,
		Status:        model.PhaseGenerating,
		WorkerHandle:  "docker/abc",
		BYOT:          true,
		StartedAt:     &started,
	}

	row := FromRequestDomain(req)
	assert.Equal(t, "generating", row.Status)
	assert.Equal(t, req, ToRequestDomain(row))
}

func TestFromRequestDomainDefaultsToQueued(t *testing.T) {
	row := FromRequestDomain(&model.GenerationRequest{RequestID: "7"})
	assert.Equal(t, string(model.PhaseQueued), row.Status)

	assert.Nil(t, FromRequestDomain(nil))
	assert.Nil(t, ToRequestDomain(nil))
}

func TestToCredentials(t *testing.T) {
	entry := &CredentialPoolEntry{ConnectionString: "conn", AccessKey: "ak", SecretKey: "sk"}
	assert.Equal(t, model.Credentials{ConnectionString: "conn", AccessKey: "ak", SecretKey: "sk"}, ToCredentials(entry))
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"root:pw@tcp(db:3306)/appforge?charset=utf8mb4&parseTime=True&loc=UTC",
		DSN("root", "pw", "db", 3306, "appforge"))
}
