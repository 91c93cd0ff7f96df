package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"inkpad/internal/embedcache"
	"inkpad/internal/runtime/channel"
	"inkpad/internal/runtime/pipeline"
)

// Asymmetric prefixes for the E5-style model family: documents and queries
// are marked differently so the model can tell content from intent.
const (
	PassagePrefix = "passage: "
	QueryPrefix   = "query: "
)

var (
	ErrEmptyText  = errors.New("text to embed is empty")
	ErrEmptyBatch = errors.New("embedding batch is empty")
)

// Cache is the content-addressed embedding cache the facade reads and writes.
type Cache interface {
	Get(ctx context.Context, id embedcache.Identity) ([]float32, bool, error)
	Put(ctx context.Context, id embedcache.Identity, vector []float32, owningID string) error
	Clear(ctx context.Context) error
}

// Caller is the execution-channel surface the facade needs.
type Caller interface {
	Call(ctx context.Context, reqType string, payload json.RawMessage, opts channel.CallOptions) (json.RawMessage, error)
}

type Config struct {
	ModelID     string
	Device      string
	CallTimeout time.Duration
}

// Service turns text into vectors: identity → cache → execution channel on a
// miss → cache write-back. It never touches the relational store; persisting
// chunk rows stays with the caller.
type Service struct {
	cache   Cache
	channel Caller
	cfg     Config
}

func NewService(cache Cache, ch Caller, cfg Config) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	return &Service{cache: cache, channel: ch, cfg: cfg}
}

// Embed returns the vector for one text, preferring the cache.
func (s *Service) Embed(ctx context.Context, entityID, text string, onProgress func(pipeline.Progress)) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, entityID, []string{text}, onProgress)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order. The batch is
// all-or-nothing: any inference failure rejects the whole call, cached
// entries included, so callers never see partial success.
func (s *Service) EmbedBatch(ctx context.Context, entityID string, texts []string, onProgress func(pipeline.Progress)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, ErrEmptyText
		}
	}

	identities := make([]embedcache.Identity, len(texts))
	vectors := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		identities[i] = embedcache.NewIdentity(s.cfg.ModelID, s.cfg.Device, text)
		cached, found, err := s.cache.Get(ctx, identities[i])
		if err != nil {
			// Cache trouble degrades to a miss; inference still works.
			log.Printf("embedding cache read failed: %v", err)
			found = false
		}
		if found {
			vectors[i] = cached
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	missingTexts := make([]string, len(missing))
	for j, i := range missing {
		missingTexts[j] = texts[i]
	}
	computed, err := s.infer(ctx, missingTexts, onProgress)
	if err != nil {
		return nil, err
	}

	for j, i := range missing {
		vectors[i] = computed[j]
		if err := s.cache.Put(ctx, identities[i], computed[j], entityID); err != nil {
			log.Printf("embedding cache write failed: %v", err)
		}
	}
	return vectors, nil
}

func (s *Service) infer(ctx context.Context, texts []string, onProgress func(pipeline.Progress)) ([][]float32, error) {
	payload, err := json.Marshal(pipeline.EmbedRequest{
		Texts:   texts,
		ModelID: s.cfg.ModelID,
		Device:  s.cfg.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request failed: %w", err)
	}

	raw, err := s.channel.Call(ctx, channel.TypeEmbed, payload, channel.CallOptions{
		Timeout:    s.cfg.CallTimeout,
		OnProgress: progressDecoder(onProgress),
	})
	if err != nil {
		return nil, err
	}

	var result pipeline.EmbedResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode embed result failed: %w", err)
	}
	if len(result.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(result.Vectors))
	}
	return result.Vectors, nil
}

// Warmup preloads the model so the first embed does not pay the load cost.
func (s *Service) Warmup(ctx context.Context, onProgress func(pipeline.Progress)) error {
	payload, err := json.Marshal(pipeline.InitRequest{ModelID: s.cfg.ModelID, Device: s.cfg.Device})
	if err != nil {
		return fmt.Errorf("marshal init request failed: %w", err)
	}
	_, err = s.channel.Call(ctx, channel.TypeInit, payload, channel.CallOptions{
		Timeout:    s.cfg.CallTimeout,
		OnProgress: progressDecoder(onProgress),
	})
	return err
}

// Status reports the pipeline state inside the execution unit.
func (s *Service) Status(ctx context.Context) (pipeline.State, error) {
	raw, err := s.channel.Call(ctx, channel.TypeStatus, nil, channel.CallOptions{Timeout: 10 * time.Second})
	if err != nil {
		return pipeline.State{}, err
	}
	var st pipeline.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return pipeline.State{}, fmt.Errorf("decode status failed: %w", err)
	}
	return st, nil
}

// ClearCache wipes every cached embedding, then tells the execution unit so
// any worker-side state goes too.
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	if _, err := s.channel.Call(ctx, channel.TypeClearCache, nil, channel.CallOptions{Timeout: 30 * time.Second}); err != nil {
		log.Printf("worker cache clear failed: %v", err)
	}
	return nil
}

func progressDecoder(onProgress func(pipeline.Progress)) func(json.RawMessage) {
	if onProgress == nil {
		return nil
	}
	return func(raw json.RawMessage) {
		var p pipeline.Progress
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		onProgress(p)
	}
}
