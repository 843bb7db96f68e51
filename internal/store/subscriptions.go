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

// CreateSubscription stores sub unless the (device, user) pair already has an active one.
// In that case the existing subscription is returned with created=false, or, when
// replaceActive is set, the existing one is retired and sub is stored.
// The unique active_key settles concurrent creates: the losing insert is a
// no-op and returns the winner.
func (s *gormStore) CreateSubscription(ctx context.Context, sub model.Subscription, replaceActive bool) (model.Subscription, bool, error) {
	now := sub.CreatedAt.UTC()
	sub.CreatedAt = now
	sub.ExpiresAt = sub.ExpiresAt.UTC()
	key := model.SubscriptionKey(sub.DeviceID, sub.UserID)
	sub.ActiveKey = &key

	var result model.Subscription
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Expired subscriptions that were never purged must not hold the key.
		if err := tx.Model(&model.Subscription{}).
			Where("active_key = ? AND expires_at <= ?", key, now).
			Update("active_key", nil).Error; err != nil {
			return fmt.Errorf("failed to release expired subscription key: %w", err)
		}

		var existing model.Subscription
		err := tx.Where("active_key = ?", key).First(&existing).Error
		switch {
		case err == nil && !replaceActive:
			result = existing
			return nil
		case err == nil:
			if err := tx.Model(&model.Subscription{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{"expires_at": now, "active_key": nil}).Error; err != nil {
				return fmt.Errorf("failed to retire active subscription: %w", err)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "active_key"}},
			DoNothing: true,
		}).Create(&sub)
		if res.Error != nil {
			return fmt.Errorf("failed to create subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// A concurrent create for the same pair won.
			return tx.Where("active_key = ?", key).First(&result).Error
		}
		result = sub
		created = true
		return nil
	})
	if err != nil {
		return model.Subscription{}, false, err
	}
	return result, created, nil
}

func (s *gormStore) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	return sub, notFound(err)
}

func (s *gormStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *gormStore) UpdateQuietHours(ctx context.Context, id, start, end string) error {
	res := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{"quiet_start": start, "quiet_end": end})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.Subscription{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) ActiveSubscriptions(ctx context.Context, deviceID string, now time.Time) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND fired_at IS NULL AND expires_at > ?", deviceID, now.UTC()).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// PurgeExpiredSubscriptions deletes expired subscriptions; an empty deviceID purges every device.
func (s *gormStore) PurgeExpiredSubscriptions(ctx context.Context, deviceID string, now time.Time) (int64, error) {
	q := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC())
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	res := q.Delete(&model.Subscription{})
	return res.RowsAffected, res.Error
}

// ClaimSubscription marks the subscription fired if nobody else did first.
func (s *gormStore) ClaimSubscription(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ? AND fired_at IS NULL", id).
		Updates(map[string]any{"fired_at": at.UTC(), "active_key": nil})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseSubscription re-arms a claimed subscription. If the user has armed a
// newer one for the same device in the meantime, the claimed one stays fired.
func (s *gormStore) ReleaseSubscription(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub model.Subscription
		if err := tx.First(&sub, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		key := model.SubscriptionKey(sub.DeviceID, sub.UserID)
		taken := tx.Model(&model.Subscription{}).Select("1").Where("active_key = ?", key)
		return tx.Model(&model.Subscription{}).
			Where("id = ? AND NOT EXISTS (?)", id, taken).
			Updates(map[string]any{"fired_at": nil, "active_key": key}).Error
	})
}

func (s *gormStore) UpsertPushEndpoint(ctx context.Context, ep model.PushEndpoint) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "user_id"}),
	}).Create(&ep).Error
}

func (s *gormStore) DeletePushEndpoint(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushEndpoint{}, "endpoint = ?", endpoint).Error
}

func (s *gormStore) PushEndpointsForUser(ctx context.Context, userID string) ([]model.PushEndpoint, error) {
	var eps []model.PushEndpoint
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&eps).Error; err != nil {
		return nil, err
	}
	return eps, nil
}
