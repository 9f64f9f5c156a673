package mysql

import (
	"appforge/internal/model"
)

// ToRequestDomain converts MySQL GenerationRequest to domain GenerationRequest model
func ToRequestDomain(row *GenerationRequest) *model.GenerationRequest {
	if row == nil {
		return nil
	}

	return &model.GenerationRequest{
		RequestID:     row.RequestID,
		UserID:        row.UserID,
		Prompt:        row.Prompt,
		Mode:          row.Mode,
		MaxIterations: row.MaxIterations,
		Status:        model.Phase(row.Status),
		Error:         row.Error,
		WorkerHandle:  row.WorkerHandle,
		BYOT:          row.BYOT,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		StartedAt:     row.StartedAt,
		CompletedAt:   row.CompletedAt,
	}
}

// FromRequestDomain converts domain GenerationRequest model to MySQL GenerationRequest
func FromRequestDomain(req *model.GenerationRequest) *GenerationRequest {
	if req == nil {
		return nil
	}

	status := req.Status
	if status == "" {
		status = model.PhaseQueued
	}
	return &GenerationRequest{
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		Prompt:        req.Prompt,
		Mode:          req.Mode,
		MaxIterations: req.MaxIterations,
		Status:        string(status),
		Error:         req.Error,
		WorkerHandle:  req.WorkerHandle,
		BYOT:          req.BYOT,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
		StartedAt:     req.StartedAt,
		CompletedAt:   req.CompletedAt,
	}
}

// ToCredentials converts a pool entry to domain credentials
func ToCredentials(entry *CredentialPoolEntry) model.Credentials {
	return model.Credentials{
		ConnectionString: entry.ConnectionString,
		AccessKey:        entry.AccessKey,
		SecretKey:        entry.SecretKey,
	}
}
