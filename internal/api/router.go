package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"availability-backend/config"
	"availability-backend/internal/metrics"
	"availability-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Observe())
	if cfg.RequestIPHeader != "" {
		r.RemoteIPHeaders = []string{cfg.RequestIPHeader}
	}

	limiter := mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 10*time.Minute)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws", h.ServeWS)

	api := r.Group("/api")
	api.Use(mw.RateLimiter(limiter))
	{
		api.GET("/sites", caching, h.GetSites)
		api.GET("/sites/:site_id/devices", caching, h.GetSiteDevices)
		api.GET("/sites/:site_id/bins", caching, h.GetSiteBins)
		api.GET("/categories/:category/bins", caching, h.GetCategoryBins)
		api.GET("/devices/:device_id/forecast", h.GetForecast)
		api.GET("/devices/:device_id/bins", caching, h.GetDeviceBins)
		api.POST("/events", h.PostEvent)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)

		user := api.Group("", RequireUser())
		user.GET("/alerts", h.ListAlerts)
		user.POST("/alerts", h.CreateAlert)
		user.PATCH("/alerts/:id", h.UpdateAlert)
		user.DELETE("/alerts/:id", h.DeleteAlert)
		user.PUT("/push_endpoints", h.PutPushEndpoint)
		user.DELETE("/push_endpoints", h.DeletePushEndpoint)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
