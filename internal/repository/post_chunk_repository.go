package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inkpad/internal/model"
)

// CandidateFilter narrows the chunk rows considered by a similarity query.
// All set fields apply conjunctively; within TagSlugs a post matches on any
// listed tag.
type CandidateFilter struct {
	TagSlugs []string
	AuthorID uint
	DateFrom *time.Time
	DateTo   *time.Time
}

// ChunkCandidate is one stored chunk joined with the post fields a search
// result needs.
type ChunkCandidate struct {
	PostID        uint
	ChunkIndex    int
	Embedding     string
	Title         string
	Slug          string
	Body          string
	AuthorID      uint
	PostCreatedAt time.Time
}

// Vector returns the candidate's parsed embedding.
func (c *ChunkCandidate) Vector() []float32 {
	chunk := model.PostChunk{Embedding: c.Embedding}
	return chunk.EmbeddingVector()
}

type PostChunkRepository struct {
	db *gorm.DB
}

func NewPostChunkRepository(db *gorm.DB) *PostChunkRepository {
	return &PostChunkRepository{db: db}
}

// UpsertBatch writes chunk rows, replacing any existing row for the same
// (post, chunk index, model, device) so re-embedding never duplicates.
func (r *PostChunkRepository) UpsertBatch(chunks []model.PostChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "post_id"}, {Name: "chunk_index"}, {Name: "model_id"}, {Name: "device"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"pooling", "normalize", "content_hash", "chunk_text", "embedding", "updated_at",
		}),
	}).Create(&chunks).Error
	if err != nil {
		return fmt.Errorf("upsert post chunks failed: %w", err)
	}
	return nil
}

// DeleteStale drops chunk rows at or above keepCount for the post; used when
// a re-embedded post shrank to fewer chunks.
func (r *PostChunkRepository) DeleteStale(postID uint, modelID, device string, keepCount int) error {
	err := r.db.Where(
		"post_id = ? AND model_id = ? AND device = ? AND chunk_index >= ?",
		postID, modelID, device, keepCount,
	).Delete(&model.PostChunk{}).Error
	if err != nil {
		return fmt.Errorf("delete stale post chunks failed: %w", err)
	}
	return nil
}

// Candidates returns every chunk row for the model/device pair that passes
// the structured filters, joined with its post. Similarity scoring happens in
// the search service.
func (r *PostChunkRepository) Candidates(modelID, device string, f CandidateFilter) ([]ChunkCandidate, error) {
	q := r.db.Table("post_chunks").
		Select("post_chunks.post_id, post_chunks.chunk_index, post_chunks.embedding, " +
			"posts.title, posts.slug, posts.body, posts.author_id, posts.created_at AS post_created_at").
		Joins("JOIN posts ON posts.id = post_chunks.post_id").
		Where("post_chunks.model_id = ? AND post_chunks.device = ?", modelID, device)

	if len(f.TagSlugs) > 0 {
		tagged := r.db.Table("post_tags").
			Select("post_tags.post_id").
			Joins("JOIN tags ON tags.id = post_tags.tag_id").
			Where("tags.slug IN ?", f.TagSlugs)
		q = q.Where("posts.id IN (?)", tagged)
	}
	if f.AuthorID != 0 {
		q = q.Where("posts.author_id = ?", f.AuthorID)
	}
	if f.DateFrom != nil {
		q = q.Where("posts.created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("posts.created_at <= ?", *f.DateTo)
	}

	var candidates []ChunkCandidate
	if err := q.Scan(&candidates).Error; err != nil {
		return nil, fmt.Errorf("query chunk candidates failed: %w", err)
	}
	return candidates, nil
}
