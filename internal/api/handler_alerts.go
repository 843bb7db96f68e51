package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"availability-backend/internal/alert"
)

const (
	userIDHeader = "X-User-ID"
	userIDKey    = "userID"
)

// RequireUser takes the caller's identity from the X-User-ID header, which is
// set by the authenticating gateway in front of this service.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userIDHeader + " header"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

type createAlertRequest struct {
	DeviceID    string           `json:"deviceId" binding:"required"`
	QuietHours  alert.QuietHours `json:"quietHours"`
	TTLMinutes  int              `json:"ttlMinutes"`
	Resubscribe bool             `json:"resubscribe"`
}

// CreateAlert handles POST /api/alerts. An already active alert for the same
// device is returned with 200 instead of 201.
func (h *Handler) CreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, created, err := h.alerts.Create(c.Request.Context(), alert.CreateRequest{
		DeviceID:    req.DeviceID,
		UserID:      c.GetString(userIDKey),
		QuietHours:  req.QuietHours,
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
		Resubscribe: req.Resubscribe,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, sub)
}

// ListAlerts handles GET /api/alerts.
func (h *Handler) ListAlerts(c *gin.Context) {
	subs, err := h.alerts.List(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

type updateAlertRequest struct {
	QuietHours alert.QuietHours `json:"quietHours"`
}

// UpdateAlert handles PATCH /api/alerts/:id.
func (h *Handler) UpdateAlert(c *gin.Context) {
	var req updateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.alerts.UpdateQuietHours(c.Request.Context(), c.Param("id"), c.GetString(userIDKey), req.QuietHours); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAlert handles DELETE /api/alerts/:id.
func (h *Handler) DeleteAlert(c *gin.Context) {
	if err := h.alerts.Cancel(c.Request.Context(), c.Param("id"), c.GetString(userIDKey)); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
