package aggregate

import (
	"time"

	"availability-backend/internal/model"
)

// Occupancy is the integrated status of one device over one window.
type Occupancy struct {
	Occupied time.Duration
	Observed time.Duration
	// Complete is false when the status at the window start was unknown.
	Complete bool
}

// Ratio is occupied over observed time, 0 when nothing was observed.
func (o Occupancy) Ratio() float64 {
	if o.Observed <= 0 {
		return 0
	}
	r := o.Occupied.Seconds() / o.Observed.Seconds()
	if r > 1 {
		return 1
	}
	return r
}

// Integrate walks the status segments of [start, end). prior is the last log
// entry at or before start; entries must be ordered by time. Offline and
// unknown segments count toward neither occupied nor observed time.
func Integrate(prior *model.TransitionRecord, entries []model.TransitionRecord, start, end time.Time) Occupancy {
	var occ Occupancy
	var status model.Status
	if prior != nil {
		status = prior.Status
		occ.Complete = true
	}

	cursor := start
	add := func(until time.Time) {
		if !until.After(cursor) {
			return
		}
		d := until.Sub(cursor)
		switch status {
		case model.StatusOccupied:
			occ.Occupied += d
			occ.Observed += d
		case model.StatusFree:
			occ.Observed += d
		}
		cursor = until
	}

	for _, e := range entries {
		if !e.OccurredAt.After(start) {
			status = e.Status
			occ.Complete = true
			continue
		}
		if !e.OccurredAt.Before(end) {
			break
		}
		add(e.OccurredAt)
		status = e.Status
	}
	add(end)
	return occ
}
