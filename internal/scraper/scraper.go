// Package scraper polls the vendor API. Each cycle refreshes the inventory and
// turns every device reading into a status event for the ingest pipeline.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/model"
	"availability-backend/internal/parse"
)

// InventoryWriter receives the sites and devices seen in a cycle.
type InventoryWriter interface {
	UpsertInventory(ctx context.Context, sites []model.Site, devices []model.Device) error
}

// EventSink accepts status events, typically the ingest workers.
type EventSink interface {
	Enqueue(ctx context.Context, ev model.StatusEvent) error
}

// Service orchestrates the polling process.
type Service struct {
	cfg       config.ScraperConfig
	inventory InventoryWriter
	sink      EventSink
	client    *http.Client
	now       func() time.Time
}

// NewService creates and initializes a new scraper service.
func NewService(cfg config.ScraperConfig, inventory InventoryWriter, sink EventSink) *Service {
	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Warn().Err(err).Str("proxy", cfg.HTTPProxy).Msg("invalid proxy URL, scraper will not use a proxy")
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if cfg.Category == "" {
		cfg.Category = "washer"
	}
	if cfg.Request.PageSize <= 0 {
		cfg.Request.PageSize = 100
	}

	return &Service{
		cfg:       cfg,
		inventory: inventory,
		sink:      sink,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		now: time.Now,
	}
}

// StatusFor maps a raw vendor state code onto an occupancy status.
func (s *Service) StatusFor(stateCode int) model.Status {
	for _, v := range s.cfg.StateIdleValues {
		if stateCode == v {
			return model.StatusFree
		}
	}
	for _, v := range s.cfg.StateOccupiedValues {
		if stateCode == v {
			return model.StatusOccupied
		}
	}
	for _, v := range s.cfg.StateFaultyValues {
		if stateCode == v {
			return model.StatusOffline
		}
	}
	return model.StatusUnknown
}

// Run polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Info().Msg("scraper is disabled, not starting")
		return
	}
	log.Info().Dur("interval", s.cfg.Interval).Msg("starting scraper service")

	s.scrape(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scraper service shutting down")
			return
		case <-timer.C:
			s.scrape(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) scrape(ctx context.Context) {
	if _, err := s.ScrapeOnce(ctx); err != nil {
		log.Error().Err(err).Msg("scrape cycle failed")
	}
}

// ScrapeOnce performs a single poll and returns the number of events submitted.
func (s *Service) ScrapeOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()

	items, err := s.fetchAll(ctx)
	if err != nil && len(items) == 0 {
		return 0, fmt.Errorf("no items retrieved: %w", err)
	}
	if err != nil {
		log.Warn().Err(err).Int("items", len(items)).Msg("partial upstream fetch, continuing with what was retrieved")
	}

	sites, devices := s.inventoryFrom(items)
	if err := s.inventory.UpsertInventory(ctx, sites, devices); err != nil {
		return 0, fmt.Errorf("failed to upsert inventory: %w", err)
	}

	submitted := 0
	for i, item := range items {
		status := s.StatusFor(item.State)
		if status == model.StatusUnknown {
			log.Debug().Int64("machine_id", item.ID).Int("state", item.State).Msg("unmapped upstream state, skipping")
			continue
		}
		d := devices[i]
		ev := model.StatusEvent{
			DeviceID:  d.ID,
			SiteID:    d.SiteID,
			Category:  d.Category,
			Status:    status,
			Timestamp: now,
		}
		if err := s.sink.Enqueue(ctx, ev); err != nil {
			return submitted, fmt.Errorf("failed to submit status event: %w", err)
		}
		submitted++
	}
	log.Info().Int("items", len(items)).Int("sites", len(sites)).Int("events", submitted).Msg("scrape cycle finished")
	return submitted, nil
}

// inventoryFrom returns one device per item, in item order.
func (s *Service) inventoryFrom(items []ApiItem) ([]model.Site, []model.Device) {
	seen := make(map[string]bool)
	var sites []model.Site
	devices := make([]model.Device, len(items))
	for i, item := range items {
		siteName := "unassigned"
		var floor, seq int
		parsed, err := parse.ParseName(item.Name, item.FloorCode)
		if err != nil {
			log.Warn().Err(err).Int64("machine_id", item.ID).Msg("could not parse device name")
		} else {
			siteName, floor, seq = parsed.Site, parsed.Floor, parsed.Seq
		}
		siteID := parse.SiteID(siteName)
		if siteID == "" {
			siteID = "unassigned"
		}
		if !seen[siteID] {
			seen[siteID] = true
			sites = append(sites, model.Site{ID: siteID, Name: siteName})
		}
		devices[i] = model.Device{
			ID:            strconv.FormatInt(item.ID, 10),
			SiteID:        siteID,
			Category:      s.cfg.Category,
			DisplayName:   item.Name,
			Floor:         floor,
			Seq:           seq,
			AlertEligible: true,
		}
	}
	return sites, devices
}

func (s *Service) fetchAll(ctx context.Context) ([]ApiItem, error) {
	var all []ApiItem
	total := 1
	pageSize := s.cfg.Request.PageSize
	for page := 1; (page-1)*pageSize < total; page++ {
		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			return all, fmt.Errorf("page %d: %w", page, err)
		}
		if resp.Data.Total == 0 || len(resp.Data.Items) == 0 {
			break
		}
		total = resp.Data.Total
		all = append(all, resp.Data.Items...)
		log.Debug().Int("page", page).Int("total", total).Int("fetched", len(all)).Msg("fetched upstream page")
	}
	return all, nil
}

// fetchPage fetches a single page of device data from the upstream API.
func (s *Service) fetchPage(ctx context.Context, page int) (*ApiResponse, error) {
	payload := make(map[string]any)
	for k, v := range s.cfg.Request.Payload {
		payload[k] = v
	}
	payload["page"] = page
	payload["pageSize"] = s.cfg.Request.PageSize

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Request.URL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range s.cfg.Request.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp ApiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal api response: %w", err)
	}
	if apiResp.Code != 0 {
		return nil, fmt.Errorf("API returned non-zero application code: %d", apiResp.Code)
	}
	return &apiResp, nil
}
