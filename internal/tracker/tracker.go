// Package tracker maintains the authoritative current status of every device.
//
// Each inbound StatusEvent is validated, checked for staleness and duplication,
// classified against the stored status and written with an optimistic
// compare-and-swap on the state row's version. Status-changing events are
// appended to the event log inside the same transaction.
package tracker

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

// Reason explains why an event did not produce a state change.
type Reason string

const (
	ReasonStale     Reason = "stale"
	ReasonLate      Reason = "late"
	ReasonDuplicate Reason = "duplicate"
	ReasonConflict  Reason = "conflict"
	ReasonInvalid   Reason = "invalid"
)

// Result is the outcome of Submit. Transition is set only when downstream
// consumers should be notified, except for duplicates where it carries the
// previously logged transition when one is known.
type Result struct {
	Transition *model.TransitionEvent
	Kind       model.TransitionKind
	Reason     Reason
}

// Emitted reports whether the result carries a new transition for downstream consumers.
func (r Result) Emitted() bool {
	return r.Reason == "" && r.Transition != nil
}

// Store is the subset of the durable store the tracker needs.
type Store interface {
	GetState(ctx context.Context, deviceID string) (model.CurrentState, error)
	ApplyState(ctx context.Context, next model.CurrentState, expectedVersion int64, record *model.TransitionRecord) (bool, error)
	StaleStates(ctx context.Context, before time.Time, limit int) ([]model.CurrentState, error)
	FindTransition(ctx context.Context, deviceID string, at time.Time, status model.Status) (model.TransitionRecord, error)
}

type Tracker struct {
	store            Store
	tolerance        time.Duration
	offlineThreshold time.Duration
	maxAttempts      int
}

func New(s Store, cfg config.TrackerConfig) *Tracker {
	maxAttempts := cfg.MaxCASAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Tracker{
		store:            s,
		tolerance:        cfg.Tolerance,
		offlineThreshold: cfg.OfflineThreshold,
		maxAttempts:      maxAttempts,
	}
}

// Classify derives the transition kind from the previous and next status.
func Classify(prev *model.Status, next model.Status) model.TransitionKind {
	if prev == nil {
		return model.KindInitialized
	}
	if *prev == next {
		return model.KindNoChange
	}
	return kindOf(next)
}

func kindOf(s model.Status) model.TransitionKind {
	switch s {
	case model.StatusFree:
		return model.KindFreed
	case model.StatusOccupied:
		return model.KindOccupied
	default:
		return model.KindOffline
	}
}

func validate(ev model.StatusEvent) error {
	if ev.DeviceID == "" {
		return errors.New("missing device id")
	}
	if ev.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	switch ev.Status {
	case model.StatusFree, model.StatusOccupied, model.StatusOffline:
		return nil
	default:
		return fmt.Errorf("unusable status %q", ev.Status)
	}
}

// Submit applies one event. A non-nil error means the store failed; every
// business-level rejection is reported through Result.Reason instead.
func (t *Tracker) Submit(ctx context.Context, ev model.StatusEvent) (Result, error) {
	if err := validate(ev); err != nil {
		log.Debug().Err(err).Str("device_id", ev.DeviceID).Msg("rejecting invalid status event")
		metrics.IncEvent(string(ReasonInvalid))
		return Result{Reason: ReasonInvalid}, nil
	}

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		res, applied, err := t.attempt(ctx, ev)
		if err != nil {
			metrics.IncEvent("error")
			return Result{}, err
		}
		if applied {
			t.record(ev, res)
			return res, nil
		}
		metrics.IncCASRetry()
		log.Debug().Str("device_id", ev.DeviceID).Int("attempt", attempt).Msg("state version moved, retrying")
	}

	log.Warn().
		Str("device_id", ev.DeviceID).
		Time("timestamp", ev.Timestamp).
		Int("attempts", t.maxAttempts).
		Msg("dropping status event after repeated version conflicts")
	metrics.IncEvent(string(ReasonConflict))
	return Result{Reason: ReasonConflict}, nil
}

// attempt runs one read-compute-write cycle. applied is false only when the
// conditional write lost to a concurrent writer.
func (t *Tracker) attempt(ctx context.Context, ev model.StatusEvent) (Result, bool, error) {
	ts := ev.Timestamp.UTC()

	cur, err := t.store.GetState(ctx, ev.DeviceID)
	var prev *model.Status
	switch {
	case err == nil:
		s := cur.Status
		prev = &s
	case errors.Is(err, store.ErrNotFound):
		cur = model.CurrentState{}
	default:
		return Result{}, false, fmt.Errorf("failed to read state for device %s: %w", ev.DeviceID, err)
	}

	if prev != nil {
		if ts.Equal(cur.LastUpdate) && ev.Status == cur.Status {
			return t.duplicate(ctx, ev, cur), true, nil
		}
		if ts.Before(cur.LastUpdate.Add(-t.tolerance)) {
			log.Debug().
				Str("device_id", ev.DeviceID).
				Time("timestamp", ts).
				Time("last_update", cur.LastUpdate).
				Msg("discarding stale status event")
			return Result{Reason: ReasonStale}, true, nil
		}
		if ts.Before(cur.LastUpdate) {
			return t.late(ctx, ev, cur), true, nil
		}
	}

	kind := Classify(prev, ev.Status)
	next := model.CurrentState{
		DeviceID:   ev.DeviceID,
		SiteID:     firstNonEmpty(ev.SiteID, cur.SiteID),
		Category:   firstNonEmpty(ev.Category, cur.Category),
		Status:     ev.Status,
		LastUpdate: ts,
		LastChange: ts,
	}
	if kind == model.KindNoChange {
		next.LastChange = cur.LastChange
	}

	var rec *model.TransitionRecord
	if kind != model.KindNoChange {
		rec = &model.TransitionRecord{
			DeviceID:   ev.DeviceID,
			OccurredAt: ts,
			Status:     ev.Status,
			PrevStatus: prev,
			Kind:       kind,
		}
	}

	applied, err := t.store.ApplyState(ctx, next, cur.Version, rec)
	if err != nil || !applied {
		return Result{}, false, err
	}
	if kind == model.KindNoChange {
		return Result{Kind: kind}, true, nil
	}
	return Result{
		Kind: kind,
		Transition: &model.TransitionEvent{
			DeviceID:   ev.DeviceID,
			SiteID:     next.SiteID,
			Category:   next.Category,
			PrevStatus: prev,
			NewStatus:  ev.Status,
			Kind:       kind,
			Timestamp:  ts,
			LastChange: next.LastChange,
		},
	}, true, nil
}

func (t *Tracker) duplicate(ctx context.Context, ev model.StatusEvent, cur model.CurrentState) Result {
	res := Result{Reason: ReasonDuplicate, Kind: model.KindNoChange}
	rec, err := t.store.FindTransition(ctx, ev.DeviceID, ev.Timestamp, ev.Status)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("device_id", ev.DeviceID).Msg("failed to look up logged transition for duplicate")
		}
		return res
	}
	prior := rec.Event(cur.SiteID, cur.Category)
	res.Kind = prior.Kind
	res.Transition = &prior
	return res
}

// late rejects an out-of-order event that is within tolerance of lastUpdate.
// Nothing is logged: the log only ever holds statuses that became current, so
// it never disagrees with current state. A replay of a logged transition is
// reported as a duplicate.
func (t *Tracker) late(ctx context.Context, ev model.StatusEvent, cur model.CurrentState) Result {
	if _, err := t.store.FindTransition(ctx, ev.DeviceID, ev.Timestamp, ev.Status); err == nil {
		return t.duplicate(ctx, ev, cur)
	}
	log.Debug().
		Str("device_id", ev.DeviceID).
		Time("timestamp", ev.Timestamp).
		Time("last_update", cur.LastUpdate).
		Msg("discarding out-of-order status event")
	return Result{Reason: ReasonLate}
}

func (t *Tracker) record(ev model.StatusEvent, res Result) {
	switch {
	case res.Reason != "":
		metrics.IncEvent(string(res.Reason))
	case res.Kind == model.KindNoChange:
		metrics.IncEvent("heartbeat")
	default:
		metrics.IncEvent("accepted")
		metrics.IncTransition(string(res.Kind))
		log.Debug().
			Str("device_id", ev.DeviceID).
			Str("kind", string(res.Kind)).
			Str("status", string(ev.Status)).
			Msg("device transitioned")
	}
}

// StaleDevices returns up to limit devices that have not reported for longer
// than the offline threshold and are not offline yet.
func (t *Tracker) StaleDevices(ctx context.Context, now time.Time, limit int) ([]model.CurrentState, error) {
	return t.store.StaleStates(ctx, now.Add(-t.offlineThreshold), limit)
}

// OfflineEvent synthesizes the event the heartbeat sweep submits for a silent device.
func OfflineEvent(st model.CurrentState, now time.Time) model.StatusEvent {
	return model.StatusEvent{
		DeviceID:  st.DeviceID,
		SiteID:    st.SiteID,
		Category:  st.Category,
		Status:    model.StatusOffline,
		Timestamp: now,
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
