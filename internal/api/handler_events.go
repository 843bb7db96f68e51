package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"availability-backend/internal/ingest"
	"availability-backend/internal/tracker"
)

// PostEvent handles POST /api/events, the HTTP push path for status events.
// The event is applied synchronously so the caller learns its outcome.
func (h *Handler) PostEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	ev, err := ingest.DecodeEvent(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.events.Handle(c.Request.Context(), ev)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if res.Reason == tracker.ReasonInvalid {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "event rejected", "reason": res.Reason})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"kind":    res.Kind,
		"reason":  res.Reason,
		"emitted": res.Emitted(),
	})
}
