package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkpad/internal/repository"
	"inkpad/internal/runtime/pipeline"
)

type fakeChunkSource struct {
	candidates []repository.ChunkCandidate
	gotModelID string
	gotDevice  string
	gotFilter  repository.CandidateFilter
	err        error
}

func (f *fakeChunkSource) Candidates(modelID, device string, filter repository.CandidateFilter) ([]repository.ChunkCandidate, error) {
	f.gotModelID = modelID
	f.gotDevice = device
	f.gotFilter = filter
	return f.candidates, f.err
}

type fakeQueryEmbedder struct {
	gotText string
	vector  []float32
	err     error
}

func (f *fakeQueryEmbedder) Embed(_ context.Context, _ string, text string, _ func(pipeline.Progress)) ([]float32, error) {
	f.gotText = text
	return f.vector, f.err
}

func encodeVec(t *testing.T, v []float32) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func candidate(t *testing.T, postID uint, chunkIndex int, title string, vec []float32) repository.ChunkCandidate {
	t.Helper()
	return repository.ChunkCandidate{
		PostID:        postID,
		ChunkIndex:    chunkIndex,
		Embedding:     encodeVec(t, vec),
		Title:         title,
		Slug:          "slug",
		Body:          "Some body text.",
		AuthorID:      1,
		PostCreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newSearchService(source ChunkSource) *SearchService {
	return NewSearchService(source, nil, SearchConfig{
		ModelID: "minilm", Device: "cpu", Dim: 3,
	})
}

func TestSearchVectorRanksByBestChunkPerPost(t *testing.T) {
	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		candidate(t, 1, 0, "weak then strong", []float32{0.4, float32(0.9165151), 0}),
		candidate(t, 1, 3, "weak then strong", []float32{1, 0, 0}),
		candidate(t, 2, 0, "middling", []float32{0.8, 0.6, 0}),
	}}
	svc := newSearchService(source)

	results, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Post 1's best chunk is an exact match even though its other chunk
	// scores below post 2.
	assert.Equal(t, uint(1), results[0].PostID)
	assert.Equal(t, 3, results[0].ChunkIndex)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Equal(t, uint(2), results[1].PostID)
	assert.InDelta(t, 0.8, results[1].Similarity, 1e-6)
}

func TestSearchVectorLimitAppliesAfterGrouping(t *testing.T) {
	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		candidate(t, 1, 0, "a", []float32{1, 0, 0}),
		candidate(t, 1, 1, "a", []float32{0.9, float32(0.43588989), 0}),
		candidate(t, 2, 0, "b", []float32{0.5, float32(0.8660254), 0}),
	}}
	svc := newSearchService(source)

	results, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint(1), results[0].PostID)
}

func TestSearchVectorOnePostTwoChunksKeepsBest(t *testing.T) {
	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		candidate(t, 1, 0, "doc", []float32{0.4, float32(0.9165151), 0}),
		candidate(t, 1, 1, "doc", []float32{0.9, float32(0.43588989), 0}),
	}}
	svc := newSearchService(source)

	results, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint(1), results[0].PostID)
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-6)
	assert.Equal(t, 1, results[0].ChunkIndex)
}

func TestSearchEndToEndSeededStore(t *testing.T) {
	const dim = 384
	docVec := make([]float32, dim)
	queryVec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		docVec[i] = float32(1.0 / 19.5959179) // unit vector, all equal
		queryVec[i] = 0
	}
	// Query overlaps the document on a subset of axes.
	for i := 0; i < 96; i++ {
		queryVec[i] = 0.5
	}

	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		{
			PostID:    1,
			Embedding: encodeVec(t, docVec),
			Title:     "Intro to Vectors",
			Slug:      "intro-to-vectors",
			Body:      "vectors represent meaning as points in space",
		},
	}}
	emb := &fakeQueryEmbedder{vector: queryVec}
	svc := NewSearchService(source, emb, SearchConfig{ModelID: "m1", Device: "cpu", Dim: dim})

	results, err := svc.SearchText(context.Background(), "what is a vector", SearchFilters{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "intro-to-vectors", results[0].Slug)
	assert.Greater(t, results[0].Similarity, 0.0)
	assert.LessOrEqual(t, results[0].Similarity, 1.0)
	assert.Equal(t, "vectors represent meaning as points in space", results[0].Excerpt)
}

func TestSearchVectorDimensionMismatch(t *testing.T) {
	svc := newSearchService(&fakeChunkSource{})
	_, err := svc.SearchVector([]float32{1, 0}, SearchFilters{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchVectorMinSimilarity(t *testing.T) {
	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		candidate(t, 1, 0, "close", []float32{1, 0, 0}),
		candidate(t, 2, 0, "far", []float32{0, 1, 0}),
	}}
	svc := newSearchService(source)

	results, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{MinSimilarity: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint(1), results[0].PostID)
}

func TestSearchVectorSkipsMismatchedStoredVectors(t *testing.T) {
	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		candidate(t, 1, 0, "stale two-dim row", []float32{1, 0}),
		candidate(t, 2, 0, "good", []float32{1, 0, 0}),
	}}
	svc := newSearchService(source)

	results, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint(2), results[0].PostID)
}

func TestSearchVectorPassesFiltersThrough(t *testing.T) {
	source := &fakeChunkSource{}
	svc := newSearchService(source)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	results, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{
		TagSlugs: []string{"go", "search"},
		AuthorID: 7,
		DateFrom: &from,
		DateTo:   &to,
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.Equal(t, "minilm", source.gotModelID)
	assert.Equal(t, "cpu", source.gotDevice)
	assert.Equal(t, []string{"go", "search"}, source.gotFilter.TagSlugs)
	assert.Equal(t, uint(7), source.gotFilter.AuthorID)
	assert.Equal(t, &from, source.gotFilter.DateFrom)
	assert.Equal(t, &to, source.gotFilter.DateTo)
}

func TestSearchVectorSourceError(t *testing.T) {
	wantErr := errors.New("db gone")
	svc := newSearchService(&fakeChunkSource{err: wantErr})
	_, err := svc.SearchVector([]float32{1, 0, 0}, SearchFilters{})
	assert.ErrorIs(t, err, wantErr)
}

func TestSearchTextPrefixesQuery(t *testing.T) {
	emb := &fakeQueryEmbedder{vector: []float32{1, 0, 0}}
	source := &fakeChunkSource{candidates: []repository.ChunkCandidate{
		candidate(t, 1, 0, "hit", []float32{1, 0, 0}),
	}}
	svc := NewSearchService(source, emb, SearchConfig{ModelID: "minilm", Device: "cpu", Dim: 3})

	results, err := svc.SearchText(context.Background(), "## How do goroutines work?", SearchFilters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "query: How do goroutines work?", emb.gotText)
}

func TestSearchTextEmptyQuery(t *testing.T) {
	svc := NewSearchService(&fakeChunkSource{}, &fakeQueryEmbedder{}, SearchConfig{Dim: 3})
	_, err := svc.SearchText(context.Background(), "   ", SearchFilters{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0, 0}, []float32{-1, 0, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0, 0}, []float32{1, 0, 0}))
}

func TestExcerptTruncatesOnWordBoundary(t *testing.T) {
	short := excerpt("A short body.")
	assert.Equal(t, "A short body.", short)

	var long string
	for i := 0; i < 80; i++ {
		long += "word another "
	}
	got := excerpt(long)
	assert.LessOrEqual(t, len([]rune(got)), excerptRunes+1)
	assert.True(t, len(got) > 0 && got[len(got)-1] != ' ')
}
