package app

import (
	"context"
	"fmt"

	"inkpad/internal/embedcache"
	"inkpad/internal/embedder"
	"inkpad/internal/model"
	"inkpad/internal/normalizer"
	"inkpad/internal/runtime/pipeline"
)

// IndexEmbedder produces one vector per input text.
type IndexEmbedder interface {
	EmbedBatch(ctx context.Context, entityID string, texts []string, onProgress func(pipeline.Progress)) ([][]float32, error)
}

// PostGetter loads a post by id, nil when absent.
type PostGetter interface {
	GetByID(id uint) (*model.Post, error)
}

// ChunkStore persists embedded chunk rows.
type ChunkStore interface {
	UpsertBatch(chunks []model.PostChunk) error
	DeleteStale(postID uint, modelID, device string, keepCount int) error
}

type IndexConfig struct {
	ModelID      string
	Device       string
	ChunkSize    int
	ChunkOverlap int
}

// IndexService turns a post into embedded chunk rows. Chunk 0 always holds
// the title-plus-body passage; posts long enough to split add one row per
// body chunk after it.
type IndexService struct {
	posts    PostGetter
	chunks   ChunkStore
	embedder IndexEmbedder
	cfg      IndexConfig
}

func NewIndexService(posts PostGetter, chunks ChunkStore, emb IndexEmbedder, cfg IndexConfig) *IndexService {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = normalizer.DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = normalizer.DefaultChunkOverlap
	}
	return &IndexService{posts: posts, chunks: chunks, embedder: emb, cfg: cfg}
}

// ReindexPost re-embeds every chunk of the post and replaces its stored rows.
// Returns the number of chunk rows written.
func (s *IndexService) ReindexPost(ctx context.Context, postID uint) (int, error) {
	post, err := s.posts.GetByID(postID)
	if err != nil {
		return 0, err
	}
	if post == nil {
		return 0, ErrPostNotFound
	}

	texts := s.chunkTexts(post)
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = embedder.PassagePrefix + t
	}

	entityID := fmt.Sprintf("post:%d", post.ID)
	vectors, err := s.embedder.EmbedBatch(ctx, entityID, inputs, nil)
	if err != nil {
		return 0, fmt.Errorf("embed post %d failed: %w", post.ID, err)
	}

	rows := make([]model.PostChunk, len(texts))
	for i := range texts {
		rows[i] = model.PostChunk{
			PostID:      post.ID,
			ChunkIndex:  i,
			ModelID:     s.cfg.ModelID,
			Device:      s.cfg.Device,
			Pooling:     "mean",
			Normalize:   true,
			ContentHash: embedcache.HashContent(inputs[i]),
			ChunkText:   texts[i],
		}
		rows[i].SetEmbedding(vectors[i])
	}

	if err := s.chunks.UpsertBatch(rows); err != nil {
		return 0, err
	}
	if err := s.chunks.DeleteStale(post.ID, s.cfg.ModelID, s.cfg.Device, len(rows)); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *IndexService) chunkTexts(post *model.Post) []string {
	passage := normalizer.PreparePassage(post.Title, post.Body)
	parts := normalizer.Chunk(post.Body, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(parts) <= 1 {
		return []string{passage}
	}
	return append([]string{passage}, parts...)
}
