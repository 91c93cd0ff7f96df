package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpRuntime delegates inference to an OpenAI-compatible /embeddings
// endpoint. There is nothing to materialize locally, so Load only reports
// residency and pins the model id.
type httpRuntime struct {
	baseURL    string
	apiKey     string
	dim        int
	httpClient *http.Client

	modelID string
}

// NewHTTPRuntime builds a remote inference runtime for device "remote".
func NewHTTPRuntime(baseURL, apiKey string, dim int) Runtime {
	return &httpRuntime{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		dim:        dim,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *httpRuntime) Load(_ context.Context, cfg ModelConfig, onProgress func(Progress)) error {
	r.modelID = cfg.ModelID
	if onProgress != nil {
		onProgress(Progress{Stage: StageResident})
	}
	return nil
}

func (r *httpRuntime) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"model": r.modelID,
		"input": texts,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build embedding request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding response status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding json failed: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(parsed.Data))
	}

	vectors := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		if len(parsed.Data[i].Embedding) != r.dim {
			return nil, fmt.Errorf("remote model produced %d-dim vectors, configured for %d", len(parsed.Data[i].Embedding), r.dim)
		}
		vectors[i] = parsed.Data[i].Embedding
	}
	return vectors, nil
}

func (r *httpRuntime) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}
