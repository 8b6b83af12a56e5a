// Package embeddings turns chunk text into vectors.
//
// Three providers are available: an OpenAI-compatible HTTP API through
// langchaingo, local ONNX models through fastembed (cgo builds only), and a
// deterministic hashing embedder that needs no network or model files. The
// Indexer on top of them embeds chunks in bounded, retried batches.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider could not produce vectors.
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// DocumentEmbedder embeds passages. It returns one vector per text, in order.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Embedder produces vectors for passages and queries.
type Embedder interface {
	DocumentEmbedder
	QueryEmbedder
}

// Provider is an Embedder with a fixed output size that may hold resources.
type Provider interface {
	Embedder
	// Dimension returns the vector size.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig selects and configures an embedding provider.
type ProviderConfig struct {
	// Provider is one of "openai", "fastembed", "hash".
	Provider  string
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	CacheDir  string
}

// ProviderConfigFromSettings converts the loaded configuration section.
func ProviderConfigFromSettings(c config.EmbeddingsConfig) ProviderConfig {
	return ProviderConfig{
		Provider:  c.Provider,
		BaseURL:   c.BaseURL,
		Model:     c.Model,
		APIKey:    c.APIKey.Value(),
		Dimension: c.Dimension,
		CacheDir:  c.CacheDir,
	}
}

// FastEmbedConfig holds configuration for the local ONNX provider.
type FastEmbedConfig struct {
	// Model is e.g. BAAI/bge-small-en-v1.5 or sentence-transformers/all-MiniLM-L6-v2.
	Model string
	// CacheDir is where model files are downloaded.
	CacheDir string
	// MaxLength is the maximum input sequence length; 512 when zero.
	MaxLength int
}

// NewProvider creates the configured embedding provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		p, err := NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "hash":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown embeddings provider %q (supported: openai, fastembed, hash)", ErrInvalidConfig, cfg.Provider)
	}
}
