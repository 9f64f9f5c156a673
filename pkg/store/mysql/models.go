package mysql

import "appforge/pkg/store/mysql/model"

// Re-export types from model package so callers only import the store

type (
	// Database models
	GenerationRequest   = model.GenerationRequest
	CredentialPoolEntry = model.CredentialPoolEntry
	SessionEvent        = model.SessionEvent

	// Custom JSON types
	JSONMap = model.JSONMap
)
