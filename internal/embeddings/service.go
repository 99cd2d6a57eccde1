// Package embeddings generates vector embeddings via langchaingo.
//
// It works against any OpenAI-compatible embedding endpoint, including
// local TEI servers.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrEmptyInput indicates empty or nil input text.
var ErrEmptyInput = errors.New("empty input text")

// Config holds the embedding endpoint settings.
type Config struct {
	// BaseURL of the embedding API, e.g. http://localhost:8080/v1.
	BaseURL string

	// Model name, e.g. BAAI/bge-small-en-v1.5 or text-embedding-3-small.
	Model string

	// APIKey is required for hosted providers, optional for TEI.
	APIKey string
}

// Service generates embeddings for memory retrieval.
type Service struct {
	embedder *embeddings.EmbedderImpl
}

// NewService creates an embedding service.
func NewService(cfg Config) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{embedder: embedder}, nil
}

// EmbedQuery embeds a single query string.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vec, nil
}
