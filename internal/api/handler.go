package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"availability-backend/internal/alert"
	"availability-backend/internal/broadcast"
	"availability-backend/internal/forecast"
	"availability-backend/internal/ingest"
	"availability-backend/internal/model"
	"availability-backend/internal/store"
)

// Store is the read side the handlers query directly.
type Store interface {
	ListSites(ctx context.Context) ([]model.Site, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevicesBySite(ctx context.Context, siteID string) ([]model.Device, error)
	ListStates(ctx context.Context, deviceIDs []string) ([]model.CurrentState, error)
	ListBins(ctx context.Context, scope model.BinScope, scopeID string, from, to time.Time) ([]model.AggregateBin, error)
	UpsertPushEndpoint(ctx context.Context, ep model.PushEndpoint) error
	DeletePushEndpoint(ctx context.Context, endpoint string) error
	Ping(ctx context.Context) error
}

type Forecaster interface {
	Forecast(ctx context.Context, deviceID string, horizonMinutes int) (forecast.Result, error)
}

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Store          Store
	Forecasts      Forecaster
	Alerts         *alert.Service
	Events         ingest.Handler
	Hub            *broadcast.Hub
	WebPush        *webpush.Options
	WSWriteTimeout time.Duration
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     Store
	forecasts Forecaster
	alerts    *alert.Service
	events    ingest.Handler
	hub       *broadcast.Hub
	webpush   *webpush.Options
	wsTimeout time.Duration
	now       func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:     d.Store,
		forecasts: d.Forecasts,
		alerts:    d.Alerts,
		events:    d.Events,
		hub:       d.Hub,
		webpush:   d.WebPush,
		wsTimeout: d.WSWriteTimeout,
		now:       time.Now,
	}
}

// abortWithError maps domain errors onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, alert.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alert.ErrNotEligible):
		status = http.StatusConflict
	case errors.Is(err, alert.ErrInvalidQuietHours), errors.Is(err, alert.ErrInvalidTTL), errors.Is(err, forecast.ErrInvalidHorizon):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// Healthz reports whether the database is reachable.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": h.hub.Count()})
}
