package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"inkpad/internal/runtime/channel"
)

// InitRequest asks the execution unit to load a model ahead of use. Empty
// fields fall back to the configured default model.
type InitRequest struct {
	ModelID string `json:"model_id,omitempty"`
	Device  string `json:"device,omitempty"`
}

// EmbedRequest carries a batch of texts to embed. Vectors come back in input
// order; any failure fails the whole batch.
type EmbedRequest struct {
	Texts   []string `json:"texts"`
	ModelID string   `json:"model_id,omitempty"`
	Device  string   `json:"device,omitempty"`
}

type EmbedResult struct {
	Vectors [][]float32 `json:"vectors"`
	ModelID string      `json:"model_id"`
	Device  string      `json:"device"`
	Dim     int         `json:"dim"`
}

// ErrEmptyBatch rejects embed requests with no texts before they reach the
// model.
var ErrEmptyBatch = errors.New("embed request carries no texts")

// Service handles execution-channel envelopes inside the worker context. It
// owns the pipeline manager and an optional cache clearer.
type Service struct {
	manager      *Manager
	defaultModel ModelConfig
	clearCache   func(ctx context.Context) error
}

// NewService wires the worker-side handler. clearCache may be nil when the
// deployment has no cache to clear from the worker side.
func NewService(manager *Manager, defaultModel ModelConfig, clearCache func(ctx context.Context) error) *Service {
	return &Service{manager: manager, defaultModel: defaultModel, clearCache: clearCache}
}

// Handle implements channel.Handler.
func (s *Service) Handle(ctx context.Context, env channel.Envelope, emitProgress func(json.RawMessage)) (json.RawMessage, error) {
	progress := func(p Progress) {
		raw, err := json.Marshal(p)
		if err != nil {
			return
		}
		emitProgress(raw)
	}

	switch env.Type {
	case channel.TypeInit:
		return s.handleInit(ctx, env.Payload, progress)
	case channel.TypeEmbed:
		return s.handleEmbed(ctx, env.Payload, progress)
	case channel.TypeStatus:
		return json.Marshal(s.manager.Status())
	case channel.TypeClearCache:
		if s.clearCache == nil {
			return json.Marshal(map[string]bool{"cleared": false})
		}
		if err := s.clearCache(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"cleared": true})
	default:
		return nil, fmt.Errorf("unknown request type %q", env.Type)
	}
}

func (s *Service) handleInit(ctx context.Context, payload json.RawMessage, progress func(Progress)) (json.RawMessage, error) {
	cfg, err := s.modelConfig(payload)
	if err != nil {
		return nil, err
	}
	if err := s.manager.EnsureReady(ctx, cfg, progress); err != nil {
		return nil, err
	}
	return json.Marshal(s.manager.Status())
}

func (s *Service) handleEmbed(ctx context.Context, payload json.RawMessage, progress func(Progress)) (json.RawMessage, error) {
	var req EmbedRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode embed request failed: %w", err)
		}
	}
	if len(req.Texts) == 0 {
		return nil, ErrEmptyBatch
	}

	cfg := s.defaultModel
	if req.ModelID != "" {
		cfg.ModelID = req.ModelID
	}
	if req.Device != "" {
		cfg.Device = req.Device
	}

	if err := s.manager.EnsureReady(ctx, cfg, progress); err != nil {
		return nil, err
	}
	vectors, err := s.manager.Embed(ctx, req.Texts)
	if err != nil {
		return nil, err
	}

	result := EmbedResult{Vectors: vectors, ModelID: cfg.ModelID, Device: cfg.Device}
	if st := s.manager.Status(); st.ActiveModel != nil {
		result.Device = st.ActiveModel.Device
	}
	if len(vectors) > 0 {
		result.Dim = len(vectors[0])
	}
	return json.Marshal(result)
}

func (s *Service) modelConfig(payload json.RawMessage) (ModelConfig, error) {
	cfg := s.defaultModel
	if len(payload) == 0 {
		return cfg, nil
	}
	var req InitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return cfg, fmt.Errorf("decode init request failed: %w", err)
	}
	if req.ModelID != "" {
		cfg.ModelID = req.ModelID
	}
	if req.Device != "" {
		cfg.Device = req.Device
	}
	return cfg, nil
}
