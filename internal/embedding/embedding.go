// Package embedding provides pluggable text-embedding providers. The host
// system owns model inference; these are thin clients plus a deterministic
// local fallback, composed with caching and failure protection.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder converts text to a fixed-length vector. Implementations must be
// stable for identical text so results can be cached, though exact
// bit-equality across calls is not required.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// --- Ollama provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder backed by Ollama's embeddings API.
func NewOllamaEmbedder(baseURL, model string, dimensions int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dimensions <= 0 {
		dimensions = 768 // nomic-embed-text default
	}
	return &OllamaEmbedder{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed requests an embedding from Ollama.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama: error %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: failed to decode response: %w", err)
	}
	if len(result.Embedding) != e.dimensions {
		return nil, fmt.Errorf("ollama: got %d-dimensional embedding, expected %d",
			len(result.Embedding), e.dimensions)
	}
	return result.Embedding, nil
}

// Dimensions returns the embedding vector size.
func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

// --- OpenAI-compatible provider ---

// OpenAIEmbedder uses any OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

type openaiRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIEmbedder{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed requests an embedding from the API.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openaiRequest{Input: text, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai: error %d: %s", resp.StatusCode, string(b))
	}

	var result openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("openai: failed to decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("openai: no embedding returned")
	}
	if len(result.Data[0].Embedding) != e.dimensions {
		return nil, fmt.Errorf("openai: got %d-dimensional embedding, expected %d",
			len(result.Data[0].Embedding), e.dimensions)
	}
	return result.Data[0].Embedding, nil
}

// Dimensions returns the embedding vector size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// --- Local provider ---

// LocalEmbedder produces deterministic embeddings by hashing word tokens
// into buckets and L2-normalising the result. It needs no external service:
// identical text always maps to the same vector, and texts sharing
// vocabulary land near each other, which is sufficient for offline
// operation and tests.
type LocalEmbedder struct {
	dimensions int
}

// NewLocalEmbedder creates a hashing embedder with the given dimensionality.
func NewLocalEmbedder(dimensions int) *LocalEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &LocalEmbedder{dimensions: dimensions}
}

// Embed hashes the text's tokens into a normalised bag-of-words vector.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, e.dimensions)

	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		bucket := int(h.Sum32()) % e.dimensions
		if bucket < 0 {
			bucket += e.dimensions
		}
		// A second hash decides the sign, which spreads tokens across the
		// whole sphere instead of the positive orthant.
		if h.Sum32()%2 == 0 {
			vector[bucket]++
		} else {
			vector[bucket]--
		}
	}

	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// Empty or all-punctuation text maps to a fixed unit vector.
		vector[0] = 1
		return vector, nil
	}

	n := float32(math.Sqrt(sum))
	for i := range vector {
		vector[i] /= n
	}
	return vector, nil
}

// Dimensions returns the embedding vector size.
func (e *LocalEmbedder) Dimensions() int { return e.dimensions }

// tokenize lowercases and splits text into alphanumeric word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		}
		return true
	})
}
