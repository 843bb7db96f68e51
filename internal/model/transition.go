package model

import "time"

// TransitionKind classifies a status change.
type TransitionKind string

const (
	KindInitialized TransitionKind = "initialized"
	KindOccupied    TransitionKind = "occupied"
	KindFreed       TransitionKind = "freed"
	KindOffline     TransitionKind = "offline"
	KindNoChange    TransitionKind = "no_change"
)

// TransitionEvent is the derived fact produced for an accepted, status-changing event.
type TransitionEvent struct {
	DeviceID   string         `json:"deviceId"`
	SiteID     string         `json:"siteId"`
	Category   string         `json:"category"`
	PrevStatus *Status        `json:"prevStatus,omitempty"`
	NewStatus  Status         `json:"newStatus"`
	Kind       TransitionKind `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	LastChange time.Time      `json:"lastChange"`
}

// TransitionRecord is one append-only row of the event log (cold table).
// (device_id, occurred_at, status) is the idempotency key.
type TransitionRecord struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	DeviceID   string         `gorm:"size:64;not null;uniqueIndex:idx_transition_dedup,priority:1"`
	OccurredAt time.Time      `gorm:"not null;index;uniqueIndex:idx_transition_dedup,priority:2"`
	Status     Status         `gorm:"size:16;not null;uniqueIndex:idx_transition_dedup,priority:3"`
	PrevStatus *Status        `gorm:"size:16"`
	Kind       TransitionKind `gorm:"size:16;not null"`
	CreatedAt  time.Time      `gorm:"not null"`
}

// Event converts a stored record back into a TransitionEvent.
func (r TransitionRecord) Event(siteID, category string) TransitionEvent {
	return TransitionEvent{
		DeviceID:   r.DeviceID,
		SiteID:     siteID,
		Category:   category,
		PrevStatus: r.PrevStatus,
		NewStatus:  r.Status,
		Kind:       r.Kind,
		Timestamp:  r.OccurredAt,
		LastChange: r.OccurredAt,
	}
}
