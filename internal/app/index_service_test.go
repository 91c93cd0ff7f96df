package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkpad/internal/embedcache"
	"inkpad/internal/model"
	"inkpad/internal/runtime/pipeline"
)

type fakePostGetter struct {
	post *model.Post
	err  error
}

func (f *fakePostGetter) GetByID(uint) (*model.Post, error) {
	return f.post, f.err
}

type fakeChunkStore struct {
	upserted    []model.PostChunk
	upsertErr   error
	stalePostID uint
	staleKeep   int
	staleCalls  int
}

func (f *fakeChunkStore) UpsertBatch(chunks []model.PostChunk) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, chunks...)
	return nil
}

func (f *fakeChunkStore) DeleteStale(postID uint, _, _ string, keepCount int) error {
	f.stalePostID = postID
	f.staleKeep = keepCount
	f.staleCalls++
	return nil
}

type fakeIndexEmbedder struct {
	gotEntityID string
	gotTexts    []string
	err         error
	calls       int
}

func (f *fakeIndexEmbedder) EmbedBatch(_ context.Context, entityID string, texts []string, _ func(pipeline.Progress)) ([][]float32, error) {
	f.calls++
	f.gotEntityID = entityID
	f.gotTexts = texts
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i), 1, 0}
	}
	return vectors, nil
}

func indexConfig() IndexConfig {
	return IndexConfig{ModelID: "minilm", Device: "cpu", ChunkSize: 100, ChunkOverlap: 10}
}

func TestReindexPostShortBody(t *testing.T) {
	post := &model.Post{ID: 5, Title: "Go Channels", Body: "Channels connect goroutines."}
	store := &fakeChunkStore{}
	emb := &fakeIndexEmbedder{}
	svc := NewIndexService(&fakePostGetter{post: post}, store, emb, indexConfig())

	n, err := svc.ReindexPost(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, emb.gotTexts, 1)
	assert.Equal(t, "post:5", emb.gotEntityID)
	assert.Equal(t, "passage: Go Channels. Channels connect goroutines.", emb.gotTexts[0])

	require.Len(t, store.upserted, 1)
	row := store.upserted[0]
	assert.Equal(t, uint(5), row.PostID)
	assert.Equal(t, 0, row.ChunkIndex)
	assert.Equal(t, "minilm", row.ModelID)
	assert.Equal(t, "cpu", row.Device)
	assert.Equal(t, "mean", row.Pooling)
	assert.True(t, row.Normalize)
	// Stored text carries no prefix; the hash covers the embedded input.
	assert.Equal(t, "Go Channels. Channels connect goroutines.", row.ChunkText)
	assert.Equal(t, embedcache.HashContent(emb.gotTexts[0]), row.ContentHash)
	assert.Equal(t, []float32{0, 1, 0}, row.EmbeddingVector())

	assert.Equal(t, 1, store.staleCalls)
	assert.Equal(t, uint(5), store.stalePostID)
	assert.Equal(t, 1, store.staleKeep)
}

func TestReindexPostLongBodyAddsChunkRows(t *testing.T) {
	body := strings.Repeat("Sentence about concurrency patterns. ", 12)
	post := &model.Post{ID: 9, Title: "Long Read", Body: body}
	store := &fakeChunkStore{}
	emb := &fakeIndexEmbedder{}
	svc := NewIndexService(&fakePostGetter{post: post}, store, emb, indexConfig())

	n, err := svc.ReindexPost(context.Background(), 9)
	require.NoError(t, err)
	assert.Greater(t, n, 2)
	assert.Len(t, store.upserted, n)

	for i, row := range store.upserted {
		assert.Equal(t, i, row.ChunkIndex)
		assert.True(t, strings.HasPrefix(emb.gotTexts[i], "passage: "))
	}
	// Chunk 0 is the whole-document passage, not the first body chunk.
	assert.True(t, strings.HasPrefix(store.upserted[0].ChunkText, "Long Read."))
	assert.Equal(t, n, store.staleKeep)
}

func TestReindexPostNotFound(t *testing.T) {
	svc := NewIndexService(&fakePostGetter{}, &fakeChunkStore{}, &fakeIndexEmbedder{}, indexConfig())
	_, err := svc.ReindexPost(context.Background(), 404)
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestReindexPostEmbedFailureWritesNothing(t *testing.T) {
	post := &model.Post{ID: 2, Title: "T", Body: "Body text."}
	store := &fakeChunkStore{}
	emb := &fakeIndexEmbedder{err: errors.New("runtime not ready")}
	svc := NewIndexService(&fakePostGetter{post: post}, store, emb, indexConfig())

	_, err := svc.ReindexPost(context.Background(), 2)
	require.Error(t, err)
	assert.Empty(t, store.upserted)
	assert.Zero(t, store.staleCalls)
}
