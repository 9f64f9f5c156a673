package jobs

import (
	"context"
	"time"

	"appforge/pkg/logger"
	redisstore "appforge/pkg/store/redis"
)

// EventPurger deletes audit events older than a cutoff
type EventPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventRetention trims the session_events audit table once a day
type EventRetention struct {
	retention time.Duration
	events    EventPurger
	lock      redisstore.DistributedLock
	now       func() time.Time
}

func NewEventRetention(retentionDays int, events EventPurger, lock redisstore.DistributedLock) *EventRetention {
	if lock == nil {
		lock = redisstore.NewRedisDistributedLock(nil, "appforge:retention-lock")
	}
	return &EventRetention{
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		events:    events,
		lock:      lock,
		now:       time.Now,
	}
}

func (j *EventRetention) Name() string { return "session-event-retention" }

func (j *EventRetention) Interval() time.Duration { return 24 * time.Hour }

func (j *EventRetention) AlignToInterval() bool { return true }

func (j *EventRetention) Run(ctx context.Context) error {
	_, err := redisstore.WithLock(ctx, j.lock, func(ctx context.Context) error {
		rows, err := j.events.DeleteOlderThan(ctx, j.now().Add(-j.retention))
		if err != nil {
			return err
		}
		if rows > 0 {
			logger.InfoCtx(ctx, "purged %d session events older than %s", rows, j.retention)
		}
		return nil
	})
	return err
}
