// Package ingest feeds status events through the tracker and fans accepted
// transitions out to the forecast cache, the live broadcast and alerting.
package ingest

import (
	"context"

	"availability-backend/internal/broadcast"
	"availability-backend/internal/model"
	"availability-backend/internal/tracker"
)

// Handler is anything that consumes a status event.
type Handler interface {
	Handle(ctx context.Context, ev model.StatusEvent) (tracker.Result, error)
}

type Tracker interface {
	Submit(ctx context.Context, ev model.StatusEvent) (tracker.Result, error)
}

type ForecastInvalidator interface {
	Invalidate(deviceID string)
}

type AlertDispatcher interface {
	Dispatch(ctx context.Context, ev model.TransitionEvent) bool
}

type Publisher interface {
	Publish(d broadcast.Delta) bool
}

type Pipeline struct {
	tracker   Tracker
	forecasts ForecastInvalidator
	alerts    AlertDispatcher
	broadcast Publisher
}

func NewPipeline(t Tracker, f ForecastInvalidator, a AlertDispatcher, b Publisher) *Pipeline {
	return &Pipeline{tracker: t, forecasts: f, alerts: a, broadcast: b}
}

// Handle submits ev and, when it produced a transition, notifies the downstream consumers.
func (p *Pipeline) Handle(ctx context.Context, ev model.StatusEvent) (tracker.Result, error) {
	res, err := p.tracker.Submit(ctx, ev)
	if err != nil || !res.Emitted() {
		return res, err
	}

	tr := *res.Transition
	p.forecasts.Invalidate(tr.DeviceID)
	p.broadcast.Publish(broadcast.DeltaFrom(tr))
	if tr.Kind == model.KindFreed {
		p.alerts.Dispatch(ctx, tr)
	}
	return res, nil
}
