package app

import "context"

const (
	EventPostPublished = "post.published"
	EventPostUpdated   = "post.updated"
)

// EmbedJob asks the background worker to (re)index one post.
type EmbedJob struct {
	PostID uint `json:"post_id"`
}

// PostEvent fans out to the notification worker.
type PostEvent struct {
	Kind     string `json:"kind"`
	PostID   uint   `json:"post_id"`
	AuthorID uint   `json:"author_id"`
	Title    string `json:"title"`
}

// EventPublisher hands events to the message broker. Implementations must be
// safe for concurrent use.
type EventPublisher interface {
	PublishEmbedJob(ctx context.Context, job EmbedJob) error
	PublishPostEvent(ctx context.Context, ev PostEvent) error
}
