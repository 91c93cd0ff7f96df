package model

import "time"

// Post is an authored document. Body holds raw markdown; the search subsystem
// works on normalized text derived from it.
type Post struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AuthorID  uint      `gorm:"not null;index" json:"author_id"`
	Title     string    `gorm:"size:256;not null" json:"title"`
	Slug      string    `gorm:"size:256;not null;uniqueIndex" json:"slug"`
	Body      string    `gorm:"type:mediumtext;not null" json:"body"`
	Tags      []Tag     `gorm:"many2many:post_tags" json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
