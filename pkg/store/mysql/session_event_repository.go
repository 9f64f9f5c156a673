package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionEventRepository handles session audit events in MySQL
type SessionEventRepository struct {
	ds *Datastore
}

// NewSessionEventRepository creates a new session event repository
func NewSessionEventRepository(ds *Datastore) *SessionEventRepository {
	return &SessionEventRepository{ds: ds}
}

// RecordEvent creates a new session event
func (r *SessionEventRepository) RecordEvent(ctx context.Context, event *SessionEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}
	return r.ds.DB(ctx).Create(event).Error
}

// GetSessionEvents retrieves all events for a request (ordered by time)
func (r *SessionEventRepository) GetSessionEvents(ctx context.Context, requestID string) ([]*SessionEvent, error) {
	var events []*SessionEvent
	err := r.ds.DB(ctx).
		Where("request_id = ?", requestID).
		Order("event_time ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get session events: %w", err)
	}
	return events, nil
}

// DeleteOlderThan removes events older than cutoff
func (r *SessionEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("event_time < ?", cutoff).Delete(&SessionEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old session events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
