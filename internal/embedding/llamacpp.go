package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"SimpleLLM/internal/config"
)

// ServerComputer requests embeddings from a llama.cpp server's /embedding
// endpoint.
type ServerComputer struct {
	baseURL string
	model   string
	client  *http.Client
}

func newServerComputer(cfg config.EmbeddingConfig) (*ServerComputer, error) {
	baseURL := strings.TrimSpace(cfg.ServerURL)
	if baseURL == "" {
		return nil, fmt.Errorf("embedding: server_url is required for the server backend")
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if parsed, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = parsed
		}
	}

	return &ServerComputer{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   strings.TrimSpace(cfg.ModelPath),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// ModelPath identifies the remote model by its configured name, or by the
// server address when no name is set.
func (p *ServerComputer) ModelPath() string {
	if p.model != "" {
		return p.model
	}
	return p.baseURL
}

func (p *ServerComputer) Compute(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]any{
		"content": text,
	}
	if p.model != "" {
		payload["model"] = p.model
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: server returned %d", resp.StatusCode)
	}

	var decoded serverEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}

	vector := decoded.Flatten()
	if len(vector) == 0 {
		return nil, fmt.Errorf("embedding: empty vector returned")
	}

	result := make([]float32, len(vector))
	for i, v := range vector {
		result[i] = float32(v)
	}
	return result, nil
}

// serverEmbeddingResponse accepts both the native shape, where embedding
// may be a flat vector or one vector per sequence, and the OpenAI-style
// data array.
type serverEmbeddingResponse struct {
	Embedding json.RawMessage `json:"embedding"`
	Data      []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (r serverEmbeddingResponse) Flatten() []float64 {
	if len(r.Embedding) != 0 {
		var flat []float64
		if json.Unmarshal(r.Embedding, &flat) == nil && len(flat) > 0 {
			return flat
		}
		var nested [][]float64
		if json.Unmarshal(r.Embedding, &nested) == nil && len(nested) > 0 {
			return nested[0]
		}
	}
	if len(r.Data) > 0 && len(r.Data[0].Embedding) > 0 {
		return r.Data[0].Embedding
	}
	return nil
}
