package model

import "time"

// Device is the inventory record of a piece of shared equipment.
type Device struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	SiteID        string    `gorm:"index;size:64;not null" json:"siteId"`
	Category      string    `gorm:"index;size:32;not null" json:"category"`
	DisplayName   string    `gorm:"size:256;not null" json:"displayName"`
	Floor         int       `json:"floor"`
	Seq           int       `json:"seq"`
	AlertEligible bool      `gorm:"not null" json:"alertEligible"`
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"-"`
}
