// Package embedding provides vector embedding generation for duplicate
// detection.
//
// Defines a Provider interface with OpenAI, Ollama, and noop
// implementations, plus a circuit-breaker wrapper for the remote backends.
// The embedding model identity is part of the index contract: changing the
// model invalidates every stored vector and forces a full index rebuild.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/pgvector/pgvector-go"

	"github.com/qaforge/bugsift/internal/model"
)

// Provider generates vector embeddings from text.
// Implementations must be safe for concurrent use and must return vectors
// scaled to unit L2 norm, since stored vectors are compared by dot product.
// Embedding an empty string returns the zero vector without contacting the
// backend; callers must treat zero vectors as "no signal".
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Name identifies the provider for health reporting.
	Name() string
}

// OpenAIProvider generates embeddings using the OpenAI API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. The requested
// dimension is passed through to the API, so models that support shortened
// output (text-embedding-3-*) return vectors matching the index.
func NewOpenAIProvider(apiKey, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: openai api key is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive")
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
	}, nil
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Name identifies the provider.
func (p *OpenAIProvider) Name() string { return "openai/" + p.model }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if text == "" {
		return pgvector.NewVector(make([]float32, p.dimensions)), nil
	}
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embedding: openai request: %w", model.ErrTimeout)
		}
		return nil, fmt.Errorf("embedding: send request: %w: %w", model.ErrExternalService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}

	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s: %w", result.Error.Type, result.Error.Message, model.ErrAIProcessing)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d: %w", resp.StatusCode, model.ErrExternalService)
	}

	// Ensure results are in input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response: %w", d.Index, model.ErrAIProcessing)
		}
		vecs[d.Index] = pgvector.NewVector(normalize(d.Embedding))
	}

	return vecs, nil
}

// normalize scales vals to unit L2 norm in place. The zero vector has no
// direction and passes through unchanged, preserving the "no signal"
// sentinel for empty input.
func normalize(vals []float32) []float32 {
	var sum float64
	for _, v := range vals {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vals
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vals {
		vals[i] *= inv
	}
	return vals
}

// NoopProvider returns zero vectors. Duplicate detection degrades to
// metadata-only scoring; used in tests and when no backend is configured.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Name identifies the provider.
func (p *NoopProvider) Name() string { return "noop" }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
