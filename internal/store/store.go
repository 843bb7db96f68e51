package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"availability-backend/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// InventoryStore reads and writes device reference data.
type InventoryStore interface {
	UpsertInventory(ctx context.Context, sites []model.Site, devices []model.Device) error
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListSites(ctx context.Context) ([]model.Site, error)
	ListDevicesBySite(ctx context.Context, siteID string) ([]model.Device, error)
}

// StateStore is the compare-and-swap current status table.
type StateStore interface {
	GetState(ctx context.Context, deviceID string) (model.CurrentState, error)
	ListStates(ctx context.Context, deviceIDs []string) ([]model.CurrentState, error)
	ApplyState(ctx context.Context, next model.CurrentState, expectedVersion int64, record *model.TransitionRecord) (bool, error)
	StaleStates(ctx context.Context, before time.Time, limit int) ([]model.CurrentState, error)
}

// EventLog is the append-only, idempotent transition history.
type EventLog interface {
	AppendTransition(ctx context.Context, rec model.TransitionRecord) (bool, error)
	FindTransition(ctx context.Context, deviceID string, at time.Time, status model.Status) (model.TransitionRecord, error)
	ReadRange(ctx context.Context, deviceID string, from, to time.Time) ([]model.TransitionRecord, error)
	ReadAllRange(ctx context.Context, from, to time.Time) ([]model.TransitionRecord, error)
	LatestAtOrBefore(ctx context.Context, at time.Time) (map[string]model.TransitionRecord, error)
	ExpireTransitions(ctx context.Context, before time.Time) (int64, error)
}

// BinStore persists aggregate bins.
type BinStore interface {
	SaveBins(ctx context.Context, bins []model.AggregateBin) error
	LatestDeviceWindowEnd(ctx context.Context) (time.Time, bool, error)
	ListBins(ctx context.Context, scope model.BinScope, scopeID string, from, to time.Time) ([]model.AggregateBin, error)
}

// SubscriptionStore persists alert subscriptions and the push endpoints they deliver to.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub model.Subscription, replaceActive bool) (model.Subscription, bool, error)
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error)
	UpdateQuietHours(ctx context.Context, id, start, end string) error
	DeleteSubscription(ctx context.Context, id string) error
	ActiveSubscriptions(ctx context.Context, deviceID string, now time.Time) ([]model.Subscription, error)
	PurgeExpiredSubscriptions(ctx context.Context, deviceID string, now time.Time) (int64, error)
	ClaimSubscription(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseSubscription(ctx context.Context, id string) error

	UpsertPushEndpoint(ctx context.Context, ep model.PushEndpoint) error
	DeletePushEndpoint(ctx context.Context, endpoint string) error
	PushEndpointsForUser(ctx context.Context, userID string) ([]model.PushEndpoint, error)
}

// Store defines the interface for all database operations.
type Store interface {
	InventoryStore
	StateStore
	EventLog
	BinStore
	SubscriptionStore
	Ping(ctx context.Context) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertInventory writes sites and devices, skipping devices whose reference data is unchanged.
func (s *gormStore) UpsertInventory(ctx context.Context, sites []model.Site, devices []model.Device) error {
	existing, err := s.fetchAllDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not pre-fetch devices")
		existing = make(map[string]model.Device)
	}

	var devicesToUpsert []model.Device
	for _, d := range devices {
		if old, ok := existing[d.ID]; ok && sameDevice(old, d) {
			continue
		}
		devicesToUpsert = append(devicesToUpsert, d)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(sites) > 0 {
			log.Debug().Int("count", len(sites)).Msg("batch upserting sites")
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
			}).Create(&sites).Error; err != nil {
				return fmt.Errorf("batch upsert sites failed: %w", err)
			}
		}
		if len(devicesToUpsert) > 0 {
			log.Debug().Int("count", len(devicesToUpsert)).Msg("batch upserting devices")
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"site_id", "category", "display_name", "floor", "seq", "alert_eligible", "updated_at"}),
			}).Create(&devicesToUpsert).Error; err != nil {
				return fmt.Errorf("batch upsert devices failed: %w", err)
			}
		}
		return nil
	})
}

func sameDevice(a, b model.Device) bool {
	return a.SiteID == b.SiteID &&
		a.Category == b.Category &&
		a.DisplayName == b.DisplayName &&
		a.Floor == b.Floor &&
		a.Seq == b.Seq &&
		a.AlertEligible == b.AlertEligible
}

func (s *gormStore) fetchAllDevices(ctx context.Context) (map[string]model.Device, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	deviceMap := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		deviceMap[d.ID] = d
	}
	return deviceMap, nil
}

func (s *gormStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	var d model.Device
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	return d, notFound(err)
}

func (s *gormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).Order("id").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *gormStore) ListSites(ctx context.Context) ([]model.Site, error) {
	var sites []model.Site
	if err := s.db.WithContext(ctx).Order("id").Find(&sites).Error; err != nil {
		return nil, err
	}
	return sites, nil
}

func (s *gormStore) ListDevicesBySite(ctx context.Context, siteID string) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).Where("site_id = ?", siteID).Order("floor, seq, id").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
