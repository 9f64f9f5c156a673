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
	storemodel "appforge/pkg/store/mysql/model"
)

const leaseCASAttempts = 3

// CredentialPoolRepository handles credential pool entries in MySQL
type CredentialPoolRepository struct {
	ds *Datastore
}

// NewCredentialPoolRepository creates a new credential pool repository
func NewCredentialPoolRepository(ds *Datastore) *CredentialPoolRepository {
	return &CredentialPoolRepository{ds: ds}
}

// Insert adds a free entry to the pool
func (r *CredentialPoolRepository) Insert(ctx context.Context, creds model.Credentials, source string) (*CredentialPoolEntry, error) {
	entry := &CredentialPoolEntry{
		ConnectionString: creds.ConnectionString,
		AccessKey:        creds.AccessKey,
		SecretKey:        creds.SecretKey,
		Status:           storemodel.PoolEntryFree,
		Source:           source,
	}
	if err := r.ds.DB(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to insert pool entry: %w", err)
	}
	return entry, nil
}

// Lease assigns a free entry to requestID. If the request already holds an
// entry, that entry is returned. Returns ErrPoolExhausted when no entry is free.
func (r *CredentialPoolRepository) Lease(ctx context.Context, requestID string) (*CredentialPoolEntry, error) {
	var leased *CredentialPoolEntry
	err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
		held, err := r.FindByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if held != nil {
			leased = held
			return nil
		}

		for attempt := 0; attempt < leaseCASAttempts; attempt++ {
			var entry CredentialPoolEntry
			err := r.ds.DB(ctx).
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ?", storemodel.PoolEntryFree).
				Order("id ASC").
				First(&entry).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return orcherr.ErrPoolExhausted
			}
			if err != nil {
				return fmt.Errorf("failed to find free pool entry: %w", err)
			}

			now := time.Now()
			result := r.ds.DB(ctx).Model(&CredentialPoolEntry{}).
				Where("id = ? AND status = ?", entry.ID, storemodel.PoolEntryFree).
				Updates(map[string]interface{}{
					"status":              storemodel.PoolEntryAssigned,
					"assigned_request_id": requestID,
					"assigned_at":         &now,
					"updated_at":          now,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to assign pool entry: %w", result.Error)
			}
			if result.RowsAffected == 1 {
				entry.Status = storemodel.PoolEntryAssigned
				entry.AssignedRequestID = &requestID
				entry.AssignedAt = &now
				leased = &entry
				return nil
			}
		}
		return orcherr.ErrPoolExhausted
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Release frees the entry held by requestID. Returns false when the request held nothing.
func (r *CredentialPoolRepository) Release(ctx context.Context, requestID string) (bool, error) {
	result := r.ds.DB(ctx).Model(&CredentialPoolEntry{}).
		Where("assigned_request_id = ? AND status = ?", requestID, storemodel.PoolEntryAssigned).
		Updates(map[string]interface{}{
			"status":              storemodel.PoolEntryFree,
			"assigned_request_id": nil,
			"assigned_at":         nil,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to release pool entry: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FindByRequest returns the entry assigned to requestID, or nil
func (r *CredentialPoolRepository) FindByRequest(ctx context.Context, requestID string) (*CredentialPoolEntry, error) {
	var entry CredentialPoolEntry
	err := r.ds.DB(ctx).
		Where("assigned_request_id = ? AND status = ?", requestID, storemodel.PoolEntryAssigned).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pool entry: %w", err)
	}
	return &entry, nil
}

// ListAssigned returns every assigned entry
func (r *CredentialPoolRepository) ListAssigned(ctx context.Context) ([]*CredentialPoolEntry, error) {
	var entries []*CredentialPoolEntry
	err := r.ds.DB(ctx).
		Where("status = ?", storemodel.PoolEntryAssigned).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned pool entries: %w", err)
	}
	return entries, nil
}

// CountByStatus returns the number of free and assigned entries
func (r *CredentialPoolRepository) CountByStatus(ctx context.Context) (free, assigned int64, err error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err = r.ds.DB(ctx).Model(&CredentialPoolEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pool entries: %w", err)
	}
	for _, rw := range rows {
		switch rw.Status {
		case storemodel.PoolEntryFree:
			free = rw.Count
		case storemodel.PoolEntryAssigned:
			assigned = rw.Count
		}
	}
	return free, assigned, nil
}
