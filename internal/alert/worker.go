package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/metrics"
	"availability-backend/internal/model"
	"availability-backend/internal/store"
)

// Notification is the user_alert payload.
type Notification struct {
	Type       string    `json:"type"`
	AlertID    string    `json:"alertId"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	SiteID     string    `json:"siteId"`
	Category   string    `json:"category"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Deliverer hands a notification to the user. A returned error un-fires the subscription.
type Deliverer interface {
	Deliver(ctx context.Context, sub model.Subscription, n Notification) error
}

// WorkerPool evaluates subscriptions for freed transitions.
type WorkerPool struct {
	size      int
	jobs      chan model.TransitionEvent
	store     Store
	deliverer Deliverer
	loc       *time.Location
	now       func() time.Time
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(s Store, deliverer Deliverer, pool config.WorkerPoolConfig, alerts config.AlertsConfig) (*WorkerPool, error) {
	loc, err := time.LoadLocation(alerts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid alerts timezone %q: %w", alerts.Timezone, err)
	}
	return &WorkerPool{
		size:      pool.Size,
		jobs:      make(chan model.TransitionEvent, pool.QueueSize), // Buffered channel
		store:     s,
		deliverer: deliverer,
		loc:       loc,
		now:       time.Now,
	}, nil
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("alert worker started")
	for {
		select {
		case ev := <-wp.jobs:
			if err := wp.Evaluate(ctx, ev); err != nil {
				log.Error().Err(err).Str("device_id", ev.DeviceID).Msg("alert evaluation failed")
			}
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("alert worker shutting down")
			return
		}
	}
}

// Dispatch queues a transition for evaluation without blocking. Only freed
// transitions are queued; when the queue is full the job is dropped and false
// is returned, leaving the subscriptions armed for the next freed transition.
func (wp *WorkerPool) Dispatch(ctx context.Context, ev model.TransitionEvent) bool {
	if ev.Kind != model.KindFreed {
		return false
	}
	select {
	case wp.jobs <- ev:
		return true
	default:
		metrics.IncAlert("dropped")
		log.Warn().Str("device_id", ev.DeviceID).Msg("alert queue is full, dropping freed transition")
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.TransitionEvent {
	return wp.jobs
}

// Evaluate fires every active subscription of the transition's device that is
// outside its quiet hours. Each subscription fires at most once.
func (wp *WorkerPool) Evaluate(ctx context.Context, ev model.TransitionEvent) error {
	if ev.Kind != model.KindFreed {
		return nil
	}
	now := wp.now()

	label := ev.DeviceID
	device, err := wp.store.GetDevice(ctx, ev.DeviceID)
	switch {
	case err == nil:
		if !device.AlertEligible {
			return nil
		}
		if device.DisplayName != "" {
			label = device.DisplayName
		}
	case !errors.Is(err, store.ErrNotFound):
		log.Warn().Err(err).Str("device_id", ev.DeviceID).Msg("error fetching device for alert label")
	}

	if n, err := wp.store.PurgeExpiredSubscriptions(ctx, ev.DeviceID, now); err != nil {
		log.Warn().Err(err).Str("device_id", ev.DeviceID).Msg("failed to purge expired alerts")
	} else if n > 0 {
		log.Debug().Int64("purged", n).Str("device_id", ev.DeviceID).Msg("purged expired alerts")
	}

	subs, err := wp.store.ActiveSubscriptions(ctx, ev.DeviceID, now)
	if err != nil {
		return fmt.Errorf("failed to load alerts for device %s: %w", ev.DeviceID, err)
	}

	for _, sub := range subs {
		q := QuietHours{Start: sub.QuietStart, End: sub.QuietEnd}
		if q.Contains(now, wp.loc) {
			metrics.IncAlert("quiet")
			continue
		}
		wp.fire(ctx, sub, Notification{
			Type:       "user_alert",
			AlertID:    sub.ID,
			DeviceID:   ev.DeviceID,
			DeviceName: label,
			SiteID:     ev.SiteID,
			Category:   ev.Category,
			Message:    fmt.Sprintf("%s is available now!", label),
			Timestamp:  ev.Timestamp,
		}, now)
	}
	return nil
}

func (wp *WorkerPool) fire(ctx context.Context, sub model.Subscription, n Notification, now time.Time) {
	claimed, err := wp.store.ClaimSubscription(ctx, sub.ID, now)
	if err != nil {
		log.Error().Err(err).Str("alert_id", sub.ID).Msg("failed to claim alert")
		return
	}
	if !claimed {
		return
	}

	if err := wp.deliverer.Deliver(ctx, sub, n); err != nil {
		metrics.IncAlert("failed")
		log.Warn().Err(err).Str("alert_id", sub.ID).Str("user_id", sub.UserID).Msg("alert delivery failed, re-arming")
		if err := wp.store.ReleaseSubscription(ctx, sub.ID); err != nil {
			log.Error().Err(err).Str("alert_id", sub.ID).Msg("failed to re-arm alert")
		}
		return
	}
	metrics.IncAlert("sent")
	log.Info().Str("alert_id", sub.ID).Str("device_id", sub.DeviceID).Str("user_id", sub.UserID).Msg("alert fired")
}
