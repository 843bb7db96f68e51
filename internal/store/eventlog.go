package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"availability-backend/internal/model"
)

// AppendTransition inserts rec unless its (device, time, status) key is already present.
func (s *gormStore) AppendTransition(ctx context.Context, rec model.TransitionRecord) (bool, error) {
	return appendTransition(s.db.WithContext(ctx), rec)
}

func appendTransition(tx *gorm.DB, rec model.TransitionRecord) (bool, error) {
	rec.ID = 0
	rec.OccurredAt = rec.OccurredAt.UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("failed to append transition for device %s: %w", rec.DeviceID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) FindTransition(ctx context.Context, deviceID string, at time.Time, status model.Status) (model.TransitionRecord, error) {
	var rec model.TransitionRecord
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND occurred_at = ? AND status = ?", deviceID, at.UTC(), status).
		First(&rec).Error
	return rec, notFound(err)
}

// ReadRange returns a device's records with from <= occurred_at < to in time order.
func (s *gormStore) ReadRange(ctx context.Context, deviceID string, from, to time.Time) ([]model.TransitionRecord, error) {
	var recs []model.TransitionRecord
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND occurred_at >= ? AND occurred_at < ?", deviceID, from.UTC(), to.UTC()).
		Order("occurred_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadAllRange is ReadRange across every device, ordered by device then time.
func (s *gormStore) ReadAllRange(ctx context.Context, from, to time.Time) ([]model.TransitionRecord, error) {
	var recs []model.TransitionRecord
	err := s.db.WithContext(ctx).
		Where("occurred_at >= ? AND occurred_at < ?", from.UTC(), to.UTC()).
		Order("device_id ASC, occurred_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// LatestAtOrBefore returns, per device, the last record with occurred_at <= at.
func (s *gormStore) LatestAtOrBefore(ctx context.Context, at time.Time) (map[string]model.TransitionRecord, error) {
	latest := s.db.Model(&model.TransitionRecord{}).
		Select("device_id, MAX(occurred_at) AS occurred_at").
		Where("occurred_at <= ?", at.UTC()).
		Group("device_id")

	var recs []model.TransitionRecord
	err := s.db.WithContext(ctx).
		Table("transition_records AS r").
		Select("r.*").
		Joins("JOIN (?) AS m ON r.device_id = m.device_id AND r.occurred_at = m.occurred_at", latest).
		Order("r.id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.TransitionRecord, len(recs))
	for _, r := range recs {
		// Several statuses can share a timestamp; the later insert wins.
		out[r.DeviceID] = r
	}
	return out, nil
}

// ExpireTransitions deletes records older than before.
func (s *gormStore) ExpireTransitions(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("occurred_at < ?", before.UTC()).Delete(&model.TransitionRecord{})
	return res.RowsAffected, res.Error
}
