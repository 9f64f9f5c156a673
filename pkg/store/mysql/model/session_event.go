package model

import "time"

// SessionEventType event type constants
type SessionEventType string

const (
	// Phase transitions
	EventPhaseChanged SessionEventType = "PHASE_CHANGED" // Session moved between phases

	// Worker lifecycle
	EventWorkerSpawned      SessionEventType = "WORKER_SPAWNED"      // Backend accepted the spawn
	EventWorkerSpawnFailed  SessionEventType = "WORKER_SPAWN_FAILED" // One spawn attempt failed
	EventWorkerConnected    SessionEventType = "WORKER_CONNECTED"    // Worker sent ready
	EventWorkerDisconnected SessionEventType = "WORKER_DISCONNECTED" // Worker socket closed
	EventWorkerExited       SessionEventType = "WORKER_EXITED"       // Backend reported exit
	EventWorkerTerminated   SessionEventType = "WORKER_TERMINATED"   // Terminate succeeded

	// Credentials
	EventLeaseAcquired SessionEventType = "LEASE_ACQUIRED"
	EventLeaseReleased SessionEventType = "LEASE_RELEASED"

	// Recovery
	EventSessionRecovered SessionEventType = "SESSION_RECOVERED" // Rebuilt after an orchestrator restart
)

// SessionEvent MySQL model for session_events table
type SessionEvent struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID      string    `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex:idx_event_id_unique" json:"event_id"`
	RequestID    string    `gorm:"column:request_id;type:varchar(64);not null;index:idx_request_event_time,priority:1" json:"request_id"`
	EventType    string    `gorm:"column:event_type;type:varchar(50);not null;index:idx_event_type" json:"event_type"`
	EventTime    time.Time `gorm:"column:event_time;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_request_event_time,priority:2" json:"event_time"`
	FromPhase    string    `gorm:"column:from_phase;type:varchar(50)" json:"from_phase"`
	ToPhase      string    `gorm:"column:to_phase;type:varchar(50)" json:"to_phase"`
	WorkerHandle string    `gorm:"column:worker_handle;type:varchar(512)" json:"worker_handle"`
	Reason       string    `gorm:"column:reason;type:text" json:"reason"`
	Metadata     JSONMap   `gorm:"column:metadata;type:json" json:"metadata"`
}

// TableName specifies the table name for SessionEvent
func (SessionEvent) TableName() string {
	return "session_events"
}
