package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const chromemBackend = "chromem"

var errTextQuery = errors.New("chromem: text queries are not supported, pass a vector")

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the index in memory.
	Path string
	// Compress enables gzip compression for stored data.
	Compress bool
	// Dimension is the expected embedding size; 0 disables the check.
	Dimension int
}

// ChromemIndex keeps one chromem collection per vendor.
type ChromemIndex struct {
	db     *chromem.DB
	cfg    ChromemConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewChromemIndex opens (or creates) a chromem index.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db := chromem.NewDB()
	if cfg.Path != "" {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		cfg.Path = path
		if db, err = chromem.NewPersistentDB(path, cfg.Compress); err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem index initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("dimension", cfg.Dimension),
	)

	return &ChromemIndex{
		db:     db,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func collectionName(vendorID string) string {
	return "vendor_" + vendorID
}

// noTextEmbedding makes sure chromem never calls out to a hosted embedding API.
func noTextEmbedding(context.Context, string) ([]float32, error) {
	return nil, errTextQuery
}

// Upsert adds or replaces entries, grouped by vendor collection.
func (ix *ChromemIndex) Upsert(ctx context.Context, entries []Entry) (err error) {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.upsert")
	defer span.End()
	span.SetAttributes(attribute.String("backend", chromemBackend), attribute.Int("entry_count", len(entries)))
	defer func(start time.Time) { observe(chromemBackend, "upsert", start, err) }(time.Now())

	if len(entries) == 0 {
		return nil
	}

	byVendor := make(map[string][]chromem.Document)
	for _, e := range entries {
		if err := checkVector(e.Vector, ix.cfg.Dimension); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
		byVendor[e.VendorID] = append(byVendor[e.VendorID], chromem.Document{
			ID:        e.ChunkID,
			Embedding: e.Vector,
			Content:   e.Content,
			Metadata: map[string]string{
				"vendor_id":   e.VendorID,
				"document_id": e.DocumentID,
			},
		})
	}

	for vendorID, docs := range byVendor {
		col, err := ix.db.GetOrCreateCollection(collectionName(vendorID), nil, noTextEmbedding)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "collection unavailable")
			return fmt.Errorf("getting collection for vendor %s: %w", vendorID, err)
		}
		// AddDocuments replaces documents with an existing id.
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			return fmt.Errorf("adding documents for vendor %s: %w", vendorID, err)
		}
	}
	return nil
}

// Query returns the nearest chunks of one vendor.
func (ix *ChromemIndex) Query(ctx context.Context, vendorID string, vector []float32, k int) (matches []Match, err error) {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", chromemBackend),
		attribute.String("vendor.id", vendorID),
		attribute.Int("k", k),
	)
	defer func(start time.Time) { observe(chromemBackend, "query", start, err) }(time.Now())

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := checkVector(vector, ix.cfg.Dimension); err != nil {
		return nil, err
	}

	col := ix.db.GetCollection(collectionName(vendorID), noTextEmbedding)
	if col == nil {
		return []Match{}, nil
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []Match{}, nil
	}
	k = min(k, count)

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying vendor %s: %w", vendorID, err)
	}

	matches = make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ChunkID:    r.ID,
			VendorID:   vendorID,
			DocumentID: r.Metadata["document_id"],
			Score:      r.Similarity,
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	return matches, nil
}

// Delete removes chunks from a vendor's collection.
func (ix *ChromemIndex) Delete(ctx context.Context, vendorID string, chunkIDs []string) (err error) {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.delete")
	defer span.End()
	span.SetAttributes(attribute.String("vendor.id", vendorID), attribute.Int("id_count", len(chunkIDs)))
	defer func(start time.Time) { observe(chromemBackend, "delete", start, err) }(time.Now())

	if len(chunkIDs) == 0 {
		return nil
	}
	col := ix.db.GetCollection(collectionName(vendorID), noTextEmbedding)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, chunkIDs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("deleting chunks of vendor %s: %w", vendorID, err)
	}

	ix.logger.Debug("deleted chunks from chromem",
		zap.String("vendor_id", vendorID),
		zap.Int("count", len(chunkIDs)))
	return nil
}

// DeleteVendor drops the vendor's collection.
func (ix *ChromemIndex) DeleteVendor(_ context.Context, vendorID string) (err error) {
	defer func(start time.Time) { observe(chromemBackend, "delete_vendor", start, err) }(time.Now())

	if ix.db.GetCollection(collectionName(vendorID), noTextEmbedding) == nil {
		return nil
	}
	if err := ix.db.DeleteCollection(collectionName(vendorID)); err != nil {
		return fmt.Errorf("deleting collection of vendor %s: %w", vendorID, err)
	}
	return nil
}

// Count returns the number of entries for a vendor.
func (ix *ChromemIndex) Count(_ context.Context, vendorID string) (int, error) {
	col := ix.db.GetCollection(collectionName(vendorID), noTextEmbedding)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Health always succeeds; the index is in-process.
func (ix *ChromemIndex) Health(context.Context) error {
	RecordHealth(nil)
	return nil
}

// Close is a no-op; chromem persists on every write.
func (ix *ChromemIndex) Close() error {
	ix.logger.Info("chromem index closed")
	return nil
}
