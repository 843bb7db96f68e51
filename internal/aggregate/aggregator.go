// Package aggregate turns the event log into fixed-window occupancy bins.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/metrics"
	"availability-backend/internal/model"
)

// Store is the subset of the durable store the aggregator reads and writes.
type Store interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
	LatestDeviceWindowEnd(ctx context.Context) (time.Time, bool, error)
	LatestAtOrBefore(ctx context.Context, at time.Time) (map[string]model.TransitionRecord, error)
	ReadAllRange(ctx context.Context, from, to time.Time) ([]model.TransitionRecord, error)
	SaveBins(ctx context.Context, bins []model.AggregateBin) error
}

type Aggregator struct {
	store       Store
	window      time.Duration
	minCoverage float64
	catchUp     int
	settle      time.Duration
}

func New(s Store, cfg config.AggregateConfig) *Aggregator {
	return &Aggregator{
		store:       s,
		window:      cfg.Window,
		minCoverage: cfg.MinCoverage,
		catchUp:     cfg.CatchUpWindows,
		settle:      cfg.Settle,
	}
}

// Floor aligns t to the start of its window.
func Floor(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// RunOnce writes bins for every closed window between the watermark and now.
// A window closes once its end is at least the settle delay in the past, so
// readings delayed in transport still land before the bin is written.
// It returns the number of windows processed.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) (int, error) {
	end := Floor(now.Add(-a.settle), a.window)
	oldest := end.Add(-time.Duration(a.catchUp) * a.window)

	start, ok, err := a.store.LatestDeviceWindowEnd(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read aggregation watermark: %w", err)
	}
	switch {
	case !ok:
		start = oldest
	case start.Before(oldest):
		log.Warn().
			Time("watermark", start).
			Time("resume_from", oldest).
			Msg("aggregation is further behind than the catch-up limit; skipping older windows")
		start = oldest
	}
	start = Floor(start, a.window)
	if !start.Before(end) {
		return 0, nil
	}

	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}
	priors, err := a.store.LatestAtOrBefore(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("failed to read prior statuses: %w", err)
	}
	entries, err := a.store.ReadAllRange(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}

	byDevice := make(map[string][]model.TransitionRecord)
	for _, e := range entries {
		byDevice[e.DeviceID] = append(byDevice[e.DeviceID], e)
	}

	processed := 0
	for ws := start; ws.Before(end); ws = ws.Add(a.window) {
		we := ws.Add(a.window)
		bins := a.binsFor(ws, we, devices, priors, byDevice)
		if err := a.store.SaveBins(ctx, bins); err != nil {
			return processed, fmt.Errorf("failed to save bins for window %s: %w", ws.Format(time.RFC3339), err)
		}
		countBins(bins)
		processed++
	}

	log.Debug().Int("windows", processed).Time("from", start).Time("to", end).Msg("aggregation run complete")
	return processed, nil
}

// binsFor computes device bins for [ws, we) and their rollups, advancing priors past the window.
func (a *Aggregator) binsFor(ws, we time.Time, devices []model.Device, priors map[string]model.TransitionRecord, byDevice map[string][]model.TransitionRecord) []model.AggregateBin {
	ids := make(map[string]struct{}, len(priors))
	for id := range priors {
		ids[id] = struct{}{}
	}
	for id, recs := range byDevice {
		for _, r := range recs {
			if r.OccurredAt.Before(we) && !r.OccurredAt.Before(ws) {
				ids[id] = struct{}{}
				break
			}
		}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	deviceBins := make(map[string]model.AggregateBin, len(sorted))
	bins := make([]model.AggregateBin, 0, len(sorted))
	for _, id := range sorted {
		var prior *model.TransitionRecord
		if p, ok := priors[id]; ok {
			prior = &p
		}
		recs := byDevice[id]
		occ := Integrate(prior, recs, ws, we)

		bin := model.AggregateBin{
			Scope:           model.ScopeDevice,
			ScopeID:         id,
			WindowStart:     ws,
			WindowEnd:       we,
			OccupiedSeconds: occ.Occupied.Seconds(),
			TotalSeconds:    occ.Observed.Seconds(),
			OccupancyRatio:  occ.Ratio(),
			Incomplete:      !occ.Complete || occ.Observed <= 0,
		}
		deviceBins[id] = bin
		bins = append(bins, bin)

		for _, r := range recs {
			if r.OccurredAt.Before(we) {
				priors[id] = r
			}
		}
	}

	return append(bins, a.rollups(ws, we, devices, deviceBins)...)
}

type group struct {
	scope model.BinScope
	id    string
}

// rollups groups every inventory device by category and site. Devices without a
// bin for the window count as incomplete members; groups where no device has a
// bin are skipped.
func (a *Aggregator) rollups(ws, we time.Time, devices []model.Device, deviceBins map[string]model.AggregateBin) []model.AggregateBin {
	members := make(map[group][]model.AggregateBin)
	reporting := make(map[group]bool)
	var order []group
	for _, d := range devices {
		bin, ok := deviceBins[d.ID]
		if !ok {
			bin = model.AggregateBin{Scope: model.ScopeDevice, ScopeID: d.ID, Incomplete: true}
		}
		for _, g := range []group{{model.ScopeCategory, d.Category}, {model.ScopeSite, d.SiteID}} {
			if g.id == "" {
				continue
			}
			if _, seen := members[g]; !seen {
				order = append(order, g)
			}
			members[g] = append(members[g], bin)
			if ok {
				reporting[g] = true
			}
		}
	}

	out := make([]model.AggregateBin, 0, len(order))
	for _, g := range order {
		if !reporting[g] {
			continue
		}
		out = append(out, Rollup(g.scope, g.id, ws, we, members[g], a.minCoverage))
	}
	return out
}

// Rollup averages the ratios of complete member bins with equal weight. The
// rollup is incomplete when fewer than minCoverage of the members are complete.
func Rollup(scope model.BinScope, id string, ws, we time.Time, members []model.AggregateBin, minCoverage float64) model.AggregateBin {
	bin := model.AggregateBin{
		Scope:       scope,
		ScopeID:     id,
		WindowStart: ws,
		WindowEnd:   we,
		DeviceCount: len(members),
	}
	var ratioSum float64
	for _, m := range members {
		if m.Incomplete {
			continue
		}
		bin.CompleteCount++
		ratioSum += m.OccupancyRatio
		bin.OccupiedSeconds += m.OccupiedSeconds
		bin.TotalSeconds += m.TotalSeconds
	}
	if bin.CompleteCount > 0 {
		bin.OccupancyRatio = ratioSum / float64(bin.CompleteCount)
	}
	coverage := 0.0
	if bin.DeviceCount > 0 {
		coverage = float64(bin.CompleteCount) / float64(bin.DeviceCount)
	}
	bin.Incomplete = bin.CompleteCount == 0 || coverage < minCoverage
	return bin
}

func countBins(bins []model.AggregateBin) {
	counts := make(map[model.BinScope]int)
	for _, b := range bins {
		counts[b.Scope]++
	}
	for scope, n := range counts {
		metrics.AddBins(string(scope), n)
	}
}
