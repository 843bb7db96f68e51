package model

import "time"

// BinScope tells which level an aggregate bin summarises.
type BinScope string

const (
	ScopeDevice   BinScope = "device"
	ScopeCategory BinScope = "category"
	ScopeSite     BinScope = "site"
)

// AggregateBin summarises occupancy over one fixed window.
// Incomplete bins are a data quality signal and must not be read as zero occupancy.
type AggregateBin struct {
	Scope           BinScope  `gorm:"primaryKey;size:16" json:"scope"`
	ScopeID         string    `gorm:"primaryKey;size:64" json:"scopeId"`
	WindowStart     time.Time `gorm:"primaryKey" json:"windowStart"`
	WindowEnd       time.Time `gorm:"not null;index" json:"windowEnd"`
	OccupiedSeconds float64   `gorm:"not null" json:"occupiedSeconds"`
	TotalSeconds    float64   `gorm:"not null" json:"totalSeconds"`
	OccupancyRatio  float64   `gorm:"not null" json:"occupancyRatio"`
	Incomplete      bool      `gorm:"not null" json:"incomplete"`
	DeviceCount     int       `json:"deviceCount,omitempty"`
	CompleteCount   int       `json:"completeCount,omitempty"`
	CreatedAt       time.Time `json:"-"`
}
