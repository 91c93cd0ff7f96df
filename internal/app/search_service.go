package app

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"inkpad/internal/embedder"
	"inkpad/internal/normalizer"
	"inkpad/internal/repository"
	"inkpad/internal/runtime/pipeline"
)

var ErrDimensionMismatch = errors.New("query vector dimension mismatch")

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	excerptRunes       = 240
)

// ChunkSource lists the stored chunks a similarity query may rank.
type ChunkSource interface {
	Candidates(modelID, device string, f repository.CandidateFilter) ([]repository.ChunkCandidate, error)
}

// QueryEmbedder embeds a single query text.
type QueryEmbedder interface {
	Embed(ctx context.Context, entityID, text string, onProgress func(pipeline.Progress)) ([]float32, error)
}

type SearchFilters struct {
	TagSlugs      []string
	AuthorID      uint
	DateFrom      *time.Time
	DateTo        *time.Time
	MinSimilarity float64
	Limit         int
}

type SearchResult struct {
	PostID     uint      `json:"post_id"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug"`
	Excerpt    string    `json:"excerpt"`
	Similarity float64   `json:"similarity"`
	ChunkIndex int       `json:"chunk_index"`
	AuthorID   uint      `json:"author_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type SearchConfig struct {
	ModelID      string
	Device       string
	Dim          int
	DefaultLimit int
}

// SearchService ranks stored post chunks against a query vector. Ranking is
// two-phase: chunks are scored and the top window kept, then grouped per post
// keeping each post's best chunk, so one long post cannot crowd out the list.
type SearchService struct {
	source   ChunkSource
	embedder QueryEmbedder
	cfg      SearchConfig
}

func NewSearchService(source ChunkSource, emb QueryEmbedder, cfg SearchConfig) *SearchService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaultSearchLimit
	}
	return &SearchService{source: source, embedder: emb, cfg: cfg}
}

// SearchText embeds the query and ranks posts against it.
func (s *SearchService) SearchText(ctx context.Context, query string, f SearchFilters) ([]SearchResult, error) {
	cleaned := normalizer.Clean(query)
	if cleaned == "" {
		return nil, ErrInvalidInput
	}
	vec, err := s.embedder.Embed(ctx, "query", embedder.QueryPrefix+cleaned, nil)
	if err != nil {
		return nil, err
	}
	return s.SearchVector(vec, f)
}

// SearchVector ranks posts against an already-embedded query.
func (s *SearchService) SearchVector(vec []float32, f SearchFilters) ([]SearchResult, error) {
	if s.cfg.Dim > 0 && len(vec) != s.cfg.Dim {
		return nil, ErrDimensionMismatch
	}

	limit := f.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	candidates, err := s.source.Candidates(s.cfg.ModelID, s.cfg.Device, repository.CandidateFilter{
		TagSlugs: f.TagSlugs,
		AuthorID: f.AuthorID,
		DateFrom: f.DateFrom,
		DateTo:   f.DateTo,
	})
	if err != nil {
		return nil, err
	}

	type scored struct {
		cand repository.ChunkCandidate
		sim  float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		cv := c.Vector()
		if len(cv) != len(vec) {
			continue
		}
		sim := cosineSimilarity(vec, cv)
		if sim < f.MinSimilarity {
			continue
		}
		ranked = append(ranked, scored{cand: c, sim: sim})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	// Keep a window of the best chunks before grouping so a post whose best
	// chunk ranks below limit positions can still surface.
	window := 2 * limit
	if len(ranked) > window {
		ranked = ranked[:window]
	}

	best := make(map[uint]scored, len(ranked))
	order := make([]uint, 0, len(ranked))
	for _, sc := range ranked {
		prev, seen := best[sc.cand.PostID]
		if !seen {
			best[sc.cand.PostID] = sc
			order = append(order, sc.cand.PostID)
			continue
		}
		if sc.sim > prev.sim {
			best[sc.cand.PostID] = sc
		}
	}

	results := make([]SearchResult, 0, len(order))
	for _, postID := range order {
		sc := best[postID]
		results = append(results, SearchResult{
			PostID:     sc.cand.PostID,
			Title:      sc.cand.Title,
			Slug:       sc.cand.Slug,
			Excerpt:    excerpt(sc.cand.Body),
			Similarity: sc.sim,
			ChunkIndex: sc.cand.ChunkIndex,
			AuthorID:   sc.cand.AuthorID,
			CreatedAt:  sc.cand.PostCreatedAt,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func excerpt(body string) string {
	text := normalizer.Clean(body)
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	runes := []rune(text)
	cut := excerptRunes
	if idx := strings.LastIndexByte(string(runes[:cut]), ' '); idx > excerptRunes/2 {
		return strings.TrimSpace(string(runes[:cut])[:idx]) + "…"
	}
	return string(runes[:cut]) + "…"
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
