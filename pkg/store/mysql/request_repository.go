package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"appforge/internal/model"
	"appforge/pkg/orcherr"
)

// ErrStatusChanged is returned when a CAS transition finds a different status.
var ErrStatusChanged = errors.New("request not found or status changed")

// RequestRepository handles generation request persistence in MySQL
type RequestRepository struct {
	ds *Datastore
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(ds *Datastore) *RequestRepository {
	return &RequestRepository{ds: ds}
}

// Create inserts the request, or leaves an existing row with the same request id untouched.
func (r *RequestRepository) Create(ctx context.Context, req *model.GenerationRequest) error {
	row := FromRequestDomain(req)
	return r.ds.DB(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
}

// Get retrieves a request by request id
func (r *RequestRepository) Get(ctx context.Context, requestID string) (*model.GenerationRequest, error) {
	var row GenerationRequest
	err := r.ds.DB(ctx).Where("request_id = ?", requestID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request %s: %w", requestID, orcherr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return ToRequestDomain(&row), nil
}

// Transition moves a request to a new status with CAS (Compare-And-Swap) on the current status.
// errMsg is stored when non-empty. Returns ErrStatusChanged if the row is not in from.
func (r *RequestRepository) Transition(ctx context.Context, requestID string, from, to model.Phase, errMsg string) error {
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	now := time.Now()
	switch {
	case to == model.PhaseGenerating && from == model.PhaseQueued:
		updates["started_at"] = &now
	case to.IsTerminal():
		updates["completed_at"] = &now
	}

	result := r.ds.DB(ctx).Model(&GenerationRequest{}).
		Where("request_id = ? AND status = ?", requestID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update request status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: request_id=%s, from=%s, to=%s", ErrStatusChanged, requestID, from, to)
	}
	return nil
}

// SetWorkerHandle records the backend handle of the request's worker
func (r *RequestRepository) SetWorkerHandle(ctx context.Context, requestID, handle string) error {
	return r.ds.DB(ctx).Model(&GenerationRequest{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{"worker_handle": handle, "updated_at": time.Now()}).Error
}

// ListByStatus retrieves requests in any of the given statuses
func (r *RequestRepository) ListByStatus(ctx context.Context, statuses ...model.Phase) ([]*model.GenerationRequest, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	var rows []*GenerationRequest
	err := r.ds.DB(ctx).
		Where("status IN ?", values).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list requests by status: %w", err)
	}
	result := make([]*model.GenerationRequest, 0, len(rows))
	for _, row := range rows {
		result = append(result, ToRequestDomain(row))
	}
	return result, nil
}

// ListTerminalWithHandle retrieves terminal requests whose worker handle is still recorded
func (r *RequestRepository) ListTerminalWithHandle(ctx context.Context, updatedBefore time.Time) ([]*model.GenerationRequest, error) {
	var rows []*GenerationRequest
	err := r.ds.DB(ctx).
		Where("status IN ? AND worker_handle <> '' AND updated_at < ?",
			[]string{string(model.PhaseCompleted), string(model.PhaseFailed), string(model.PhaseCancelled)},
			updatedBefore).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal requests: %w", err)
	}
	result := make([]*model.GenerationRequest, 0, len(rows))
	for _, row := range rows {
		result = append(result, ToRequestDomain(row))
	}
	return result, nil
}

// ClearWorkerHandle forgets a terminated worker so the reconciler stops retrying it
func (r *RequestRepository) ClearWorkerHandle(ctx context.Context, requestID string) error {
	return r.SetWorkerHandle(ctx, requestID, "")
}
