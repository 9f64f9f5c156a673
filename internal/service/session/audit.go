package session

import (
	"context"

	"appforge/internal/model"
	"appforge/pkg/logger"
	"appforge/pkg/store/mysql"
	storemodel "appforge/pkg/store/mysql/model"
)

// audit records a session event without blocking the actor
func (s *Session) audit(eventType storemodel.SessionEventType, from, to model.Phase, reason string) {
	s.m.recordEvent(s.ctx, s.id, eventType, from, to, s.handle.String(), reason, nil)
}

func (s *Session) auditLease(eventType storemodel.SessionEventType) {
	meta := map[string]interface{}{"byot": s.lease.BYOT}
	if !s.lease.BYOT {
		meta["entry_id"] = s.lease.EntryID
	}
	s.m.recordEvent(s.ctx, s.id, eventType, s.phase, s.phase, s.handle.String(), "", meta)
}

func (m *Manager) recordEvent(
	ctx context.Context,
	requestID string,
	eventType storemodel.SessionEventType,
	from, to model.Phase,
	handle string,
	reason string,
	metadata map[string]interface{},
) {
	if m.opts.Audit == nil {
		return
	}
	event := &mysql.SessionEvent{
		RequestID:    requestID,
		EventType:    string(eventType),
		EventTime:    m.now(),
		FromPhase:    string(from),
		ToPhase:      string(to),
		WorkerHandle: handle,
		Reason:       reason,
	}
	if metadata != nil {
		event.Metadata = storemodel.JSONMap(metadata)
	}

	m.goBackground(func() {
		bg, cancel := context.WithTimeout(logger.WithRequestID(context.Background(), requestID), m.opts.Timings.StoreTimeout)
		defer cancel()
		if err := m.opts.Audit.RecordEvent(bg, event); err != nil {
			logger.ErrorCtx(ctx, "failed to record session event %s: %v", eventType, err)
		}
	})
}
