package forecast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/metrics"
	"availability-backend/internal/model"
	"availability-backend/internal/store"
)

const (
	maxHorizonMinutes = 24 * 60
	recentSpan        = time.Hour
)

// ErrInvalidHorizon is returned for horizons outside (0, 24h].
var ErrInvalidHorizon = errors.New("horizon must be between 1 and 1440 minutes")

// Result is a cached forecast for one device and horizon.
type Result struct {
	DeviceID        string         `json:"deviceId"`
	HorizonMinutes  int            `json:"horizonMinutes"`
	ProbabilityFree float64        `json:"probabilityFree"`
	Confidence      float64        `json:"confidence"`
	Classification  Classification `json:"classification"`
	SampleSize      int            `json:"sampleSize"`
	Anomaly         Anomaly        `json:"anomaly"`
	Breakdown       []Contribution `json:"breakdown"`
	GeneratedAt     time.Time      `json:"generatedAt"`
}

// Store is what the engine reads. It never writes.
type Store interface {
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	GetState(ctx context.Context, deviceID string) (model.CurrentState, error)
	ListBins(ctx context.Context, scope model.BinScope, scopeID string, from, to time.Time) ([]model.AggregateBin, error)
}

type Engine struct {
	store    Store
	ensemble *Ensemble
	cache    *cache.Cache
	cfg      config.ForecastConfig
	window   time.Duration
	loc      *time.Location
	now      func() time.Time

	// gens counts invalidations per device; a compute that started before
	// the latest invalidation does not populate the cache.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewEngine builds an engine with the default strategy set. window must match the aggregator's.
func NewEngine(s Store, cfg config.ForecastConfig, window time.Duration) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid forecast timezone %q: %w", cfg.Timezone, err)
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return &Engine{
		store:    s,
		ensemble: DefaultEnsemble(cfg.Weights, cfg.TrendDays),
		cache:    cache.New(ttl, 2*ttl),
		cfg:      cfg,
		window:   window,
		loc:      loc,
		now:      time.Now,
		gens:     make(map[string]uint64),
	}, nil
}

func cacheKey(deviceID string, horizon int) string {
	return deviceID + ":" + strconv.Itoa(horizon)
}

// Forecast returns the cached result for (device, horizon) or computes it.
func (e *Engine) Forecast(ctx context.Context, deviceID string, horizonMinutes int) (Result, error) {
	if horizonMinutes <= 0 || horizonMinutes > maxHorizonMinutes {
		return Result{}, ErrInvalidHorizon
	}
	key := cacheKey(deviceID, horizonMinutes)
	if cached, found := e.cache.Get(key); found {
		metrics.IncForecastCache("hit")
		return cached.(Result), nil
	}
	metrics.IncForecastCache("miss")

	gen := e.generation(deviceID)
	res, err := e.compute(ctx, deviceID, horizonMinutes)
	if err != nil {
		return Result{}, err
	}
	e.storeIfCurrent(deviceID, horizonMinutes, gen, res)
	return res, nil
}

// Invalidate drops every cached horizon of a device. Computes already in
// flight for the device still return their result but do not cache it.
func (e *Engine) Invalidate(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gens[deviceID]++
	prefix := deviceID + ":"
	for key := range e.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			e.cache.Delete(key)
		}
	}
}

func (e *Engine) generation(deviceID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens[deviceID]
}

func (e *Engine) storeIfCurrent(deviceID string, horizonMinutes int, gen uint64, res Result) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gens[deviceID] != gen {
		return false
	}
	e.cache.SetDefault(cacheKey(deviceID, horizonMinutes), res)
	return true
}

// Refresh recomputes the configured horizons for every device and returns
// how many results were cached. Per-device failures are logged and skipped.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices for forecast refresh: %w", err)
	}
	n := 0
	for _, d := range devices {
		for _, h := range e.cfg.RefreshHorizons {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			gen := e.generation(d.ID)
			res, err := e.compute(ctx, d.ID, h)
			if err != nil {
				log.Warn().Err(err).Str("device_id", d.ID).Int("horizon", h).Msg("forecast refresh failed")
				continue
			}
			if e.storeIfCurrent(d.ID, h, gen, res) {
				n++
			}
		}
	}
	return n, nil
}

func (e *Engine) compute(ctx context.Context, deviceID string, horizonMinutes int) (Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveForecastLatency(time.Since(start)) }()

	if _, err := e.store.GetDevice(ctx, deviceID); err != nil {
		return Result{}, fmt.Errorf("device %s: %w", deviceID, err)
	}

	now := e.now()
	var state *model.CurrentState
	st, err := e.store.GetState(ctx, deviceID)
	switch {
	case err == nil:
		state = &st
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("failed to read state for device %s: %w", deviceID, err)
	}

	from := now.AddDate(0, 0, -e.cfg.LookbackDays)
	bins, err := e.store.ListBins(ctx, model.ScopeDevice, deviceID, from, now)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read bins for device %s: %w", deviceID, err)
	}

	var history, older, recent []Sample
	recentFrom := now.Add(-recentSpan)
	for _, b := range bins {
		if b.Incomplete || b.WindowEnd.After(now) {
			continue
		}
		s := Sample{WindowStart: b.WindowStart, Ratio: b.OccupancyRatio}
		history = append(history, s)
		if b.WindowStart.Before(recentFrom) {
			older = append(older, s)
		} else {
			recent = append(recent, s)
		}
	}

	horizon := time.Duration(horizonMinutes) * time.Minute
	in := Input{
		History:  history,
		State:    state,
		Now:      now,
		Target:   now.Add(horizon),
		Horizon:  horizon,
		Window:   e.window,
		Location: e.loc,
	}

	combined := e.ensemble.Combine(in)
	anomaly := DetectAnomaly(in, older, recent)
	confidence := Confidence(combined, e.cfg.MinSamples, anomaly)

	return Result{
		DeviceID:        deviceID,
		HorizonMinutes:  horizonMinutes,
		ProbabilityFree: combined.ProbabilityFree,
		Confidence:      confidence,
		Classification:  Classify(combined.ProbabilityFree, confidence, combined.SampleSize, e.cfg.MinSamples, e.cfg.ConfidenceThreshold),
		SampleSize:      combined.SampleSize,
		Anomaly:         anomaly,
		Breakdown:       combined.Contributions,
		GeneratedAt:     now,
	}, nil
}
