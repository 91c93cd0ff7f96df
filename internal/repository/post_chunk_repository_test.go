package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"inkpad/internal/model"
)

// openTestDB builds a file-backed sqlite database with the full schema.
// sqlite shares enough SQL with MySQL for these queries (joins, IN
// subqueries, ON CONFLICT upserts) to exercise the real generated SQL.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inkpad.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Post{}, &model.Tag{}, &model.PostChunk{},
	))
	return db
}

// seedPost creates a post with the given tags and one chunk-0 row for
// (modelID, device), pinning CreatedAt so date filters are deterministic.
func seedPost(t *testing.T, db *gorm.DB, slug string, authorID uint, createdAt time.Time, tagSlugs []string, modelID, device string) *model.Post {
	t.Helper()
	posts := NewPostRepository(db)
	post := &model.Post{
		AuthorID:  authorID,
		Title:     slug,
		Slug:      slug,
		Body:      "body of " + slug,
		CreatedAt: createdAt,
	}
	require.NoError(t, posts.Create(post))

	if len(tagSlugs) > 0 {
		tags, err := NewTagRepository(db).EnsureBySlugs(tagSlugs)
		require.NoError(t, err)
		require.NoError(t, posts.ReplaceTags(post, tags))
	}

	chunk := model.PostChunk{
		PostID:      post.ID,
		ChunkIndex:  0,
		ModelID:     modelID,
		Device:      device,
		Pooling:     "mean",
		Normalize:   true,
		ContentHash: "deadbeef",
		ChunkText:   post.Body,
	}
	chunk.SetEmbedding([]float32{1, 0, 0})
	require.NoError(t, NewPostChunkRepository(db).UpsertBatch([]model.PostChunk{chunk}))
	return post
}

func candidateIDs(cands []ChunkCandidate) []uint {
	ids := make([]uint, len(cands))
	for i := range cands {
		ids[i] = cands[i].PostID
	}
	return ids
}

func TestCandidatesDateWindowBoundary(t *testing.T) {
	db := openTestDB(t)
	newYear := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	post := seedPost(t, db, "new-year-post", 1, newYear, []string{"go"}, "minilm", "cpu")
	chunks := NewPostChunkRepository(db)

	// A post created exactly at the window start is inside the window.
	from := newYear
	got, err := chunks.Candidates("minilm", "cpu", CandidateFilter{DateFrom: &from})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, post.ID, got[0].PostID)
	assert.Equal(t, "new-year-post", got[0].Slug)
	assert.Equal(t, []float32{1, 0, 0}, got[0].Vector())

	// Moving the start past the post's creation date excludes it.
	from = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	got, err = chunks.Candidates("minilm", "cpu", CandidateFilter{DateFrom: &from})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandidatesFiltersAreConjunctive(t *testing.T) {
	db := openTestDB(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	nov := time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC)
	goForJan := seedPost(t, db, "go-january", 1, jan, []string{"go"}, "minilm", "cpu")
	goForNov := seedPost(t, db, "go-november", 1, nov, []string{"go"}, "minilm", "cpu")
	rustJan := seedPost(t, db, "rust-january", 2, jan, []string{"rust"}, "minilm", "cpu")
	chunks := NewPostChunkRepository(db)

	// Several tag slugs match on any of them.
	got, err := chunks.Candidates("minilm", "cpu", CandidateFilter{TagSlugs: []string{"go", "rust"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{goForJan.ID, goForNov.ID, rustJan.ID}, candidateIDs(got))

	// Tag and date window apply together.
	from := jan
	got, err = chunks.Candidates("minilm", "cpu", CandidateFilter{TagSlugs: []string{"go"}, DateFrom: &from})
	require.NoError(t, err)
	assert.Equal(t, []uint{goForJan.ID}, candidateIDs(got))

	// Author narrows the tag match further.
	got, err = chunks.Candidates("minilm", "cpu", CandidateFilter{TagSlugs: []string{"go", "rust"}, AuthorID: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint{rustJan.ID}, candidateIDs(got))

	// An upper bound excludes later posts.
	to := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err = chunks.Candidates("minilm", "cpu", CandidateFilter{DateTo: &to})
	require.NoError(t, err)
	assert.Equal(t, []uint{goForNov.ID}, candidateIDs(got))

	// No filters returns everything for the pair.
	got, err = chunks.Candidates("minilm", "cpu", CandidateFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCandidatesScopedToModelAndDevice(t *testing.T) {
	db := openTestDB(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPost(t, db, "cpu-post", 1, jan, nil, "minilm", "cpu")
	seedPost(t, db, "cuda-post", 1, jan, nil, "e5-small", "cuda")
	chunks := NewPostChunkRepository(db)

	got, err := chunks.Candidates("minilm", "cpu", CandidateFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cpu-post", got[0].Slug)

	got, err = chunks.Candidates("e5-small", "cpu", CandidateFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertBatchReplacesExistingRow(t *testing.T) {
	db := openTestDB(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	post := seedPost(t, db, "rewritten-post", 1, jan, nil, "minilm", "cpu")
	chunks := NewPostChunkRepository(db)

	updated := model.PostChunk{
		PostID:      post.ID,
		ChunkIndex:  0,
		ModelID:     "minilm",
		Device:      "cpu",
		Pooling:     "mean",
		Normalize:   true,
		ContentHash: "cafebabe",
		ChunkText:   "rewritten body",
	}
	updated.SetEmbedding([]float32{0, 1, 0})
	require.NoError(t, chunks.UpsertBatch([]model.PostChunk{updated}))

	var rows []model.PostChunk
	require.NoError(t, db.Where("post_id = ?", post.ID).Find(&rows).Error)
	require.Len(t, rows, 1, "re-embedding must replace, not duplicate")
	assert.Equal(t, "cafebabe", rows[0].ContentHash)
	assert.Equal(t, "rewritten body", rows[0].ChunkText)
	assert.Equal(t, []float32{0, 1, 0}, rows[0].EmbeddingVector())
}

func TestDeleteStaleDropsTrailingChunks(t *testing.T) {
	db := openTestDB(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	post := seedPost(t, db, "shrinking-post", 1, jan, nil, "minilm", "cpu")
	chunks := NewPostChunkRepository(db)

	extra := make([]model.PostChunk, 2)
	for i := range extra {
		extra[i] = model.PostChunk{
			PostID:      post.ID,
			ChunkIndex:  i + 1,
			ModelID:     "minilm",
			Device:      "cpu",
			Pooling:     "mean",
			Normalize:   true,
			ContentHash: "deadbeef",
			ChunkText:   "tail",
		}
		extra[i].SetEmbedding([]float32{0, 0, 1})
	}
	require.NoError(t, chunks.UpsertBatch(extra))

	require.NoError(t, chunks.DeleteStale(post.ID, "minilm", "cpu", 1))

	var rows []model.PostChunk
	require.NoError(t, db.Where("post_id = ?", post.ID).Order("chunk_index").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].ChunkIndex)
}

func TestPostDeleteRemovesChunksAndTagLinks(t *testing.T) {
	db := openTestDB(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	post := seedPost(t, db, "doomed-post", 1, jan, []string{"go"}, "minilm", "cpu")
	survivor := seedPost(t, db, "surviving-post", 1, jan, []string{"go"}, "minilm", "cpu")

	require.NoError(t, NewPostRepository(db).Delete(post.ID))

	var chunkCount, linkCount int64
	require.NoError(t, db.Model(&model.PostChunk{}).Where("post_id = ?", post.ID).Count(&chunkCount).Error)
	require.NoError(t, db.Table("post_tags").Where("post_id = ?", post.ID).Count(&linkCount).Error)
	assert.Zero(t, chunkCount)
	assert.Zero(t, linkCount)

	got, err := NewPostChunkRepository(db).Candidates("minilm", "cpu", CandidateFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, survivor.ID, got[0].PostID)
}
