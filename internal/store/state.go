package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"availability-backend/internal/model"
)

func (s *gormStore) GetState(ctx context.Context, deviceID string) (model.CurrentState, error) {
	var st model.CurrentState
	err := s.db.WithContext(ctx).First(&st, "device_id = ?", deviceID).Error
	return st, notFound(err)
}

func (s *gormStore) ListStates(ctx context.Context, deviceIDs []string) ([]model.CurrentState, error) {
	var states []model.CurrentState
	if len(deviceIDs) == 0 {
		return states, nil
	}
	if err := s.db.WithContext(ctx).Where("device_id IN ?", deviceIDs).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// ApplyState writes next only if the stored version still equals expectedVersion
// (0 means the row must not exist yet). The optional record is appended to the
// event log in the same transaction. It returns false on a version conflict.
func (s *gormStore) ApplyState(ctx context.Context, next model.CurrentState, expectedVersion int64, record *model.TransitionRecord) (bool, error) {
	next.LastUpdate = next.LastUpdate.UTC()
	next.LastChange = next.LastChange.UTC()
	next.Version = expectedVersion + 1

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		if expectedVersion == 0 {
			res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&next)
		} else {
			res = tx.Model(&model.CurrentState{}).
				Where("device_id = ? AND version = ?", next.DeviceID, expectedVersion).
				Updates(map[string]any{
					"site_id":     next.SiteID,
					"category":    next.Category,
					"status":      next.Status,
					"last_update": next.LastUpdate,
					"last_change": next.LastChange,
					"version":     next.Version,
				})
		}
		if res.Error != nil {
			return fmt.Errorf("failed to write state for device %s: %w", next.DeviceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		if record != nil {
			if _, err := appendTransition(tx, *record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// StaleStates walks the last_update index for devices that stopped reporting and are not yet offline.
func (s *gormStore) StaleStates(ctx context.Context, before time.Time, limit int) ([]model.CurrentState, error) {
	var states []model.CurrentState
	q := s.db.WithContext(ctx).
		Where("last_update < ? AND status <> ?", before.UTC(), model.StatusOffline).
		Order("last_update ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}
