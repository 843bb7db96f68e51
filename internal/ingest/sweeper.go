package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"availability-backend/internal/model"
	"availability-backend/internal/tracker"
)

// maxSweepRounds bounds one sweep when devices keep failing to go offline.
const maxSweepRounds = 20

type StaleSource interface {
	StaleDevices(ctx context.Context, now time.Time, limit int) ([]model.CurrentState, error)
}

// Sweeper marks devices offline when they stop reporting. Synthesized events
// go through the same Handler as real ones.
type Sweeper struct {
	source  StaleSource
	handler Handler
	batch   int
	now     func() time.Time
}

func NewSweeper(source StaleSource, h Handler, batch int) *Sweeper {
	return &Sweeper{source: source, handler: h, batch: batch, now: time.Now}
}

// Sweep returns the number of devices transitioned to offline.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	marked := 0
	for round := 0; round < maxSweepRounds; round++ {
		stale, err := s.source.StaleDevices(ctx, now, s.batch)
		if err != nil {
			return marked, fmt.Errorf("failed to list stale devices: %w", err)
		}
		progressed := false
		for _, st := range stale {
			res, err := s.handler.Handle(ctx, tracker.OfflineEvent(st, now))
			if err != nil {
				log.Warn().Err(err).Str("device_id", st.DeviceID).Msg("failed to mark device offline")
				continue
			}
			if res.Kind == model.KindOffline && res.Reason == "" {
				marked++
				progressed = true
			}
		}
		if len(stale) < s.batch || !progressed {
			break
		}
	}
	if marked > 0 {
		log.Info().Int("devices", marked).Msg("marked silent devices offline")
	}
	return marked, nil
}
