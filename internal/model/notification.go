package model

import "time"

// Notification is delivered asynchronously via the event queue and persisted
// by the notification worker.
type Notification struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"not null;index" json:"user_id"`
	Kind      string     `gorm:"size:32;not null" json:"kind"`
	Payload   string     `gorm:"type:text" json:"payload"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Notification kinds.
const (
	NotifyPostPublished = "post.published"
	NotifyPostUpdated   = "post.updated"
)
