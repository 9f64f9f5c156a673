package model

import (
	"time"
)

// GenerationRequest MySQL model for generation_requests table
type GenerationRequest struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID     string     `gorm:"column:request_id;type:varchar(64);not null;uniqueIndex:idx_request_id_unique" json:"request_id"`
	UserID        string     `gorm:"column:user_id;type:varchar(255);not null;default:'';index:idx_user_id" json:"user_id"`
	Prompt        string     `gorm:"column:prompt;type:text" json:"prompt"`
	Mode          string     `gorm:"column:mode;type:varchar(50)" json:"mode"`
	MaxIterations int        `gorm:"column:max_iterations;type:int;default:0" json:"max_iterations"`
	Status        string     `gorm:"column:status;type:varchar(50);not null;index:idx_status" json:"status"`
	Error         string     `gorm:"column:error;type:text" json:"error"`
	WorkerHandle  string     `gorm:"column:worker_handle;type:varchar(512)" json:"worker_handle"`
	BYOT          bool       `gorm:"column:byot;not null;default:false" json:"byot"`
	CreatedAt     time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_created_at" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
	StartedAt     *time.Time `gorm:"column:started_at;type:datetime(3)" json:"started_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at;type:datetime(3)" json:"completed_at"`
}

// TableName specifies the table name for GenerationRequest
func (GenerationRequest) TableName() string {
	return "generation_requests"
}

// CredentialPoolEntry MySQL model for credential_pool_entries table
type CredentialPoolEntry struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionString  string     `gorm:"column:connection_string;type:text;not null" json:"-"`
	AccessKey         string     `gorm:"column:access_key;type:varchar(255)" json:"-"`
	SecretKey         string     `gorm:"column:secret_key;type:varchar(255)" json:"-"`
	Status            string     `gorm:"column:status;type:varchar(20);not null;default:'free';index:idx_pool_status" json:"status"`
	AssignedRequestID *string    `gorm:"column:assigned_request_id;type:varchar(64);uniqueIndex:idx_assigned_request_unique" json:"assigned_request_id"`
	AssignedAt        *time.Time `gorm:"column:assigned_at;type:datetime(3)" json:"assigned_at"`
	Source            string     `gorm:"column:source;type:varchar(50);default:'seeded'" json:"source"`
	CreatedAt         time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
}

// Pool entry states
const (
	PoolEntryFree     = "free"
	PoolEntryAssigned = "assigned"
)

// TableName specifies the table name for CredentialPoolEntry
func (CredentialPoolEntry) TableName() string {
	return "credential_pool_entries"
}
