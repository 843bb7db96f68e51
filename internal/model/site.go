package model

import "time"

// Site represents a building or location that hosts devices.
type Site struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"not null" json:"-"`

	// Associations
	Devices []Device `gorm:"foreignKey:SiteID" json:"-"`
}
