package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"availability-backend/internal/model"
)

const (
	defaultHorizonMinutes = 30
	defaultBinSpan        = 24 * time.Hour
	maxBinSpan            = 31 * 24 * time.Hour
)

// GetForecast handles GET /api/devices/:device_id/forecast?horizon=30.
func (h *Handler) GetForecast(c *gin.Context) {
	horizon := defaultHorizonMinutes
	if raw := c.Query("horizon"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "horizon must be an integer number of minutes"})
			return
		}
		horizon = n
	}

	res, err := h.forecasts.Forecast(c.Request.Context(), c.Param("device_id"), horizon)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetDeviceBins handles GET /api/devices/:device_id/bins.
func (h *Handler) GetDeviceBins(c *gin.Context) {
	if _, err := h.store.GetDevice(c.Request.Context(), c.Param("device_id")); err != nil {
		abortWithError(c, err)
		return
	}
	h.listBins(c, model.ScopeDevice, c.Param("device_id"))
}

// GetSiteBins handles GET /api/sites/:site_id/bins.
func (h *Handler) GetSiteBins(c *gin.Context) {
	h.listBins(c, model.ScopeSite, c.Param("site_id"))
}

// GetCategoryBins handles GET /api/categories/:category/bins.
func (h *Handler) GetCategoryBins(c *gin.Context) {
	h.listBins(c, model.ScopeCategory, c.Param("category"))
}

func (h *Handler) listBins(c *gin.Context, scope model.BinScope, scopeID string) {
	to := h.now().UTC()
	from := to.Add(-defaultBinSpan)
	var err error
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' timestamp format. Use RFC3339."})
			return
		}
		from = to.Add(-defaultBinSpan)
	}
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' timestamp format. Use RFC3339."})
			return
		}
	}
	if !from.Before(to) || to.Sub(from) > maxBinSpan {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be before to and the range at most 31 days"})
		return
	}

	bins, err := h.store.ListBins(c.Request.Context(), scope, scopeID, from, to)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if bins == nil {
		bins = []model.AggregateBin{}
	}
	c.JSON(http.StatusOK, bins)
}
