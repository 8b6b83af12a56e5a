// Package vectorstore is the similarity index over embedded chunks.
//
// The index is a derived view: every entry mirrors an embedded chunk of a
// vendor's latest document version held in the store, and can be rebuilt from
// it. Queries are always scoped to one vendor.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
)

const instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyVector indicates an entry or query without a vector.
	ErrEmptyVector = errors.New("empty vector")

	// ErrDimensionMismatch indicates a vector of the wrong size.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed indicates the index backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector index")
)

// Entry is one chunk vector to index.
type Entry struct {
	ChunkID    string
	VendorID   string
	DocumentID string
	Vector     []float32
	// Content is kept alongside the vector for debugging only; callers
	// resolve chunk text from the store.
	Content string
}

// Match is a query hit. Score is the cosine similarity in [-1, 1].
type Match struct {
	ChunkID    string
	VendorID   string
	DocumentID string
	Score      float32
}

// Index stores chunk vectors partitioned by vendor.
type Index interface {
	// Upsert adds or replaces entries by chunk id.
	Upsert(ctx context.Context, entries []Entry) error
	// Query returns up to k nearest chunks of one vendor, best first.
	Query(ctx context.Context, vendorID string, vector []float32, k int) ([]Match, error)
	// Delete removes chunks from a vendor's partition. Unknown ids are ignored.
	Delete(ctx context.Context, vendorID string, chunkIDs []string) error
	// DeleteVendor drops a vendor's partition.
	DeleteVendor(ctx context.Context, vendorID string) error
	// Count returns the number of entries indexed for a vendor.
	Count(ctx context.Context, vendorID string) (int, error)
	// Health reports whether the backend is usable.
	Health(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// New creates the configured index. dimension is the embedding size.
func New(cfg config.VectorStoreConfig, dimension int, logger *zap.Logger) (Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(cfg.Provider) {
	case "chromem", "":
		idx, err := NewChromemIndex(ChromemConfig{
			Path:      cfg.Chromem.Path,
			Compress:  cfg.Chromem.Compress,
			Dimension: dimension,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := NewQdrantIndex(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			Dimension:  dimension,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}

func checkVector(vec []float32, dimension int) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if dimension > 0 && len(vec) != dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dimension)
	}
	return nil
}
