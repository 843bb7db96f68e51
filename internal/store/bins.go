package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"availability-backend/internal/model"
)

// SaveBins inserts bins; a window that was already written is left untouched.
func (s *gormStore) SaveBins(ctx context.Context, bins []model.AggregateBin) error {
	if len(bins) == 0 {
		return nil
	}
	for i := range bins {
		bins[i].WindowStart = bins[i].WindowStart.UTC()
		bins[i].WindowEnd = bins[i].WindowEnd.UTC()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&bins, 200).Error
	if err != nil {
		return fmt.Errorf("failed to save %d aggregate bins: %w", len(bins), err)
	}
	return nil
}

// LatestDeviceWindowEnd is the aggregation watermark.
func (s *gormStore) LatestDeviceWindowEnd(ctx context.Context) (time.Time, bool, error) {
	var bin model.AggregateBin
	err := s.db.WithContext(ctx).
		Where("scope = ?", model.ScopeDevice).
		Order("window_end DESC").
		First(&bin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return bin.WindowEnd, true, nil
}

// ListBins returns bins of one scope whose window starts in [from, to), oldest first.
func (s *gormStore) ListBins(ctx context.Context, scope model.BinScope, scopeID string, from, to time.Time) ([]model.AggregateBin, error) {
	var bins []model.AggregateBin
	err := s.db.WithContext(ctx).
		Where("scope = ? AND scope_id = ? AND window_start >= ? AND window_start < ?", scope, scopeID, from.UTC(), to.UTC()).
		Order("window_start ASC").
		Find(&bins).Error
	if err != nil {
		return nil, err
	}
	return bins, nil
}
