package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is a device occupancy reading.
type Status string

const (
	StatusFree     Status = "free"
	StatusOccupied Status = "occupied"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// ParseStatus normalises an inbound status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusFree, StatusOccupied, StatusOffline, StatusUnknown:
		return s, nil
	default:
		return "", fmt.Errorf("unrecognised status %q", raw)
	}
}

// StatusEvent is a single inbound telemetry reading. It is never mutated.
type StatusEvent struct {
	DeviceID  string    `json:"deviceId"`
	SiteID    string    `json:"siteId"`
	Category  string    `json:"category"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  *int64    `json:"sequence,omitempty"`
}

// CurrentState is the authoritative latest status of a device (hot table).
// Version is bumped on every write and used for compare-and-swap.
type CurrentState struct {
	DeviceID   string    `gorm:"primaryKey;size:64" json:"deviceId"`
	SiteID     string    `gorm:"index;size:64" json:"siteId"`
	Category   string    `gorm:"size:32" json:"category"`
	Status     Status    `gorm:"size:16;not null" json:"status"`
	LastUpdate time.Time `gorm:"index;not null" json:"lastUpdate"`
	LastChange time.Time `gorm:"not null" json:"lastChange"`
	Version    int64     `gorm:"not null" json:"-"`
}
