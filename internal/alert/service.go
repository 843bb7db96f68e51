// Package alert manages "notify me when this device is free" subscriptions and
// fires them on freed transitions.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/model"
	"availability-backend/internal/store"
)

var (
	ErrNotEligible = errors.New("device does not accept alerts")
	ErrNotFound    = errors.New("alert not found")
	ErrInvalidTTL  = errors.New("ttl must be positive and at most 7 days")
)

const maxTTL = 7 * 24 * time.Hour

// Store is the persistence the alert service and evaluator need.
type Store interface {
	GetDevice(ctx context.Context, id string) (model.Device, error)
	CreateSubscription(ctx context.Context, sub model.Subscription, replaceActive bool) (model.Subscription, bool, error)
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error)
	UpdateQuietHours(ctx context.Context, id, start, end string) error
	DeleteSubscription(ctx context.Context, id string) error
	ActiveSubscriptions(ctx context.Context, deviceID string, now time.Time) ([]model.Subscription, error)
	PurgeExpiredSubscriptions(ctx context.Context, deviceID string, now time.Time) (int64, error)
	ClaimSubscription(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseSubscription(ctx context.Context, id string) error
}

// CreateRequest describes a new subscription. A zero TTL uses the configured default.
type CreateRequest struct {
	DeviceID    string
	UserID      string
	QuietHours  QuietHours
	TTL         time.Duration
	Resubscribe bool
}

type Service struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
}

func NewService(s Store, cfg config.AlertsConfig) *Service {
	return &Service{
		store:      s,
		defaultTTL: time.Duration(cfg.DefaultTTLHours) * time.Hour,
		now:        time.Now,
	}
}

// Create registers a subscription. If the user already has an active one for
// the device it is returned with created=false, unless Resubscribe is set.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Subscription, bool, error) {
	if err := req.QuietHours.Validate(); err != nil {
		return model.Subscription{}, false, err
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < 0 || ttl > maxTTL {
		return model.Subscription{}, false, ErrInvalidTTL
	}

	device, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return model.Subscription{}, false, fmt.Errorf("device %s: %w", req.DeviceID, err)
	}
	if !device.AlertEligible {
		return model.Subscription{}, false, ErrNotEligible
	}

	now := s.now().UTC()
	sub := model.Subscription{
		ID:         uuid.NewString(),
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		QuietStart: req.QuietHours.Start,
		QuietEnd:   req.QuietHours.End,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	got, created, err := s.store.CreateSubscription(ctx, sub, req.Resubscribe)
	if err != nil {
		return model.Subscription{}, false, err
	}
	if created {
		log.Info().Str("alert_id", got.ID).Str("device_id", got.DeviceID).Str("user_id", got.UserID).Msg("alert subscription created")
	}
	return got, created, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]model.Subscription, error) {
	return s.store.ListSubscriptionsByUser(ctx, userID)
}

func (s *Service) owned(ctx context.Context, id, userID string) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sub.UserID != userID) {
		return ErrNotFound
	}
	return err
}

func (s *Service) UpdateQuietHours(ctx context.Context, id, userID string, q QuietHours) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := s.owned(ctx, id, userID); err != nil {
		return err
	}
	return s.store.UpdateQuietHours(ctx, id, q.Start, q.End)
}

func (s *Service) Cancel(ctx context.Context, id, userID string) error {
	if err := s.owned(ctx, id, userID); err != nil {
		return err
	}
	err := s.store.DeleteSubscription(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
