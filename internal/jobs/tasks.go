package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Aggregator interface {
	RunOnce(ctx context.Context, now time.Time) (int, error)
}

type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

type RetentionStore interface {
	ExpireTransitions(ctx context.Context, before time.Time) (int64, error)
	PurgeExpiredSubscriptions(ctx context.Context, deviceID string, now time.Time) (int64, error)
}

func SweepJob(s Sweeper, schedule string) Job {
	return Job{
		Name:     "sweep",
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}

func AggregateJob(a Aggregator, schedule string, now func() time.Time) Job {
	return Job{
		Name:     "aggregate",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := a.RunOnce(ctx, now())
			if n > 0 {
				log.Info().Int("bins", n).Msg("aggregation produced bins")
			}
			return err
		},
	}
}

func ForecastRefreshJob(r Refresher, schedule string) Job {
	return Job{
		Name:     "forecast_refresh",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := r.Refresh(ctx)
			log.Debug().Int("forecasts", n).Msg("refreshed forecasts")
			return err
		},
	}
}

// RetentionJob drops event log rows older than days and expired subscriptions.
func RetentionJob(s RetentionStore, days int, schedule string, now func() time.Time) Job {
	return Job{
		Name:     "retention",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			at := now().UTC()
			if days > 0 {
				n, err := s.ExpireTransitions(ctx, at.AddDate(0, 0, -days))
				if err != nil {
					return err
				}
				if n > 0 {
					log.Info().Int64("rows", n).Int("days", days).Msg("expired event log rows")
				}
			}
			n, err := s.PurgeExpiredSubscriptions(ctx, "", at)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Int64("subscriptions", n).Msg("purged expired subscriptions")
			}
			return nil
		},
	}
}
