package model

import "time"

// Subscription is a user's "notify me when this device is free" request.
type Subscription struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	DeviceID   string     `gorm:"index:idx_subscription_device_user;size:64;not null" json:"deviceId"`
	UserID     string     `gorm:"index:idx_subscription_device_user;index;size:128;not null" json:"userId"`
	QuietStart string     `gorm:"size:5" json:"quietStart,omitempty"` // "HH:MM"
	QuietEnd   string     `gorm:"size:5" json:"quietEnd,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"createdAt"`
	ExpiresAt  time.Time  `gorm:"not null;index" json:"expiresAt"`
	FiredAt    *time.Time `json:"firedAt,omitempty"`
	// ActiveKey is set while the subscription is armed and cleared once it
	// fires, expires or is retired; the unique index allows one armed
	// subscription per device and user.
	ActiveKey *string `gorm:"size:200;uniqueIndex" json:"-"`
}

// SubscriptionKey is the ActiveKey value for a device and user.
func SubscriptionKey(deviceID, userID string) string {
	return deviceID + "|" + userID
}

// Active reports whether the subscription can still fire at now.
func (s Subscription) Active(now time.Time) bool {
	return s.FiredAt == nil && now.Before(s.ExpiresAt)
}

// PushEndpoint holds the information for a browser push subscription owned by a user.
type PushEndpoint struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	UserID    string    `gorm:"index;size:128;not null"`
	CreatedAt time.Time `gorm:"not null"`
}
