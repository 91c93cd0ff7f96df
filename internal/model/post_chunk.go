package model

import (
	"encoding/json"
	"time"
)

// PostChunk stores one embedded chunk of a post. Chunk 0 carries the
// whole-document passage in the common case; long posts add more chunks.
// Embedding is stored as a JSON array of float32 for portability.
// A chunk row is unique per (post, chunk index, model, device) so re-embedding
// the same chunk is an upsert, never a duplicate.
type PostChunk struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PostID      uint      `gorm:"not null;uniqueIndex:uq_post_chunk,priority:1" json:"post_id"`
	ChunkIndex  int       `gorm:"not null;uniqueIndex:uq_post_chunk,priority:2" json:"chunk_index"`
	ModelID     string    `gorm:"size:128;not null;uniqueIndex:uq_post_chunk,priority:3" json:"model_id"`
	Device      string    `gorm:"size:32;not null;uniqueIndex:uq_post_chunk,priority:4" json:"device"`
	Pooling     string    `gorm:"size:16;not null" json:"pooling"`
	Normalize   bool      `gorm:"not null" json:"normalize"`
	ContentHash string    `gorm:"size:16;not null" json:"content_hash"`
	ChunkText   string    `gorm:"type:text;not null" json:"chunk_text"`
	Embedding   string    `gorm:"type:mediumtext" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EmbeddingVector returns the parsed embedding slice; empty on parse error.
func (c *PostChunk) EmbeddingVector() []float32 {
	if c.Embedding == "" {
		return nil
	}
	var v []float32
	_ = json.Unmarshal([]byte(c.Embedding), &v)
	return v
}

// SetEmbedding stores the embedding as JSON.
func (c *PostChunk) SetEmbedding(vec []float32) {
	if len(vec) == 0 {
		c.Embedding = "[]"
		return
	}
	b, _ := json.Marshal(vec)
	c.Embedding = string(b)
}
