package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"availability-backend/internal/model"
)

type putPushEndpointRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutPushEndpoint registers or refreshes a browser push endpoint for the caller.
func (h *Handler) PutPushEndpoint(c *gin.Context) {
	var req putPushEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.store.UpsertPushEndpoint(c.Request.Context(), model.PushEndpoint{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
		UserID:   c.GetString(userIDKey),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

type deletePushEndpointRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeletePushEndpoint removes a push endpoint.
func (h *Handler) DeletePushEndpoint(c *gin.Context) {
	var req deletePushEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.DeletePushEndpoint(c.Request.Context(), req.Endpoint); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
