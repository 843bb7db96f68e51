package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"availability-backend/internal/model"
)

// SiteResponse represents the API response for a single site.
type SiteResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TotalDevices int            `json:"totalDevices"`
	Categories   map[string]int `json:"categories"`
}

// GetSites handles GET /api/sites.
func (h *Handler) GetSites(c *gin.Context) {
	ctx := c.Request.Context()
	sites, err := h.store.ListSites(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	devices, err := h.store.ListDevices(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}

	bySite := make(map[string]*SiteResponse, len(sites))
	responses := make([]*SiteResponse, 0, len(sites))
	for _, s := range sites {
		r := &SiteResponse{ID: s.ID, Name: s.Name, Categories: map[string]int{}}
		bySite[s.ID] = r
		responses = append(responses, r)
	}
	for _, d := range devices {
		if r, ok := bySite[d.SiteID]; ok {
			r.TotalDevices++
			r.Categories[d.Category]++
		}
	}
	c.JSON(http.StatusOK, responses)
}

// deviceStatusResponse is the flattened device plus current state.
type deviceStatusResponse struct {
	model.Device
	Status      model.Status `json:"status"`
	IsAvailable bool         `json:"isAvailable"`
	LastUpdate  *time.Time   `json:"lastUpdate"`
	LastChange  *time.Time   `json:"lastChange"`
}

// GetSiteDevices handles GET /api/sites/:site_id/devices. An optional
// category query narrows the list.
func (h *Handler) GetSiteDevices(c *gin.Context) {
	ctx := c.Request.Context()
	devices, err := h.store.ListDevicesBySite(ctx, c.Param("site_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if category := c.Query("category"); category != "" {
		kept := devices[:0]
		for _, d := range devices {
			if d.Category == category {
				kept = append(kept, d)
			}
		}
		devices = kept
	}

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	states, err := h.store.ListStates(ctx, ids)
	if err != nil {
		abortWithError(c, err)
		return
	}
	stateMap := make(map[string]model.CurrentState, len(states))
	for _, s := range states {
		stateMap[s.DeviceID] = s
	}

	response := make([]deviceStatusResponse, 0, len(devices))
	for _, d := range devices {
		r := deviceStatusResponse{Device: d, Status: model.StatusUnknown}
		if st, ok := stateMap[d.ID]; ok {
			lastUpdate, lastChange := st.LastUpdate, st.LastChange
			r.Status = st.Status
			r.IsAvailable = st.Status == model.StatusFree
			r.LastUpdate = &lastUpdate
			r.LastChange = &lastChange
		}
		response = append(response, r)
	}
	c.JSON(http.StatusOK, response)
}
