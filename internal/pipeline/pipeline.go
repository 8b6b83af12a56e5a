// Package pipeline turns stored document versions into retrievable chunks.
//
// Progress is durable: a document moves pending → chunked → indexed and each
// chunk moves pending → embedded | unembedded, so Process can pick up
// wherever an earlier run stopped. The similarity index is a derived view of
// the embedded chunks and can be rebuilt from the store at any time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/chunker"
	"github.com/ShalakaSonawane1/vendorscope/internal/embeddings"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
	"github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"
)

const (
	instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/pipeline"
	rebuildBatchSize    = 256
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	DocumentsInState(ctx context.Context, states ...store.IndexState) ([]store.Document, error)
	SetIndexState(ctx context.Context, id string, state store.IndexState) error
	ReplaceChunks(ctx context.Context, documentID, vendorID string, inputs []store.ChunkInput) ([]store.Chunk, error)
	ListChunks(ctx context.Context, documentID string, states ...store.EmbedState) ([]store.Chunk, error)
	SetChunkEmbedding(ctx context.Context, chunkID string, vec []float32) error
	MarkChunkUnembedded(ctx context.Context, chunkID string, attempts int, lastErr string) error
	SupersededChunkIDs(ctx context.Context, vendorID, urlHash string) ([]string, error)
	EmbeddedChunks(ctx context.Context, vendorID string) ([]store.ChunkRef, error)
}

// Embedder embeds chunk texts, reporting a per-text outcome.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]embeddings.Result, error)
}

// Stats summarizes one document run.
type Stats struct {
	Chunks     int
	Embedded   int
	Unembedded int
	Skipped    bool
}

// Pipeline runs the chunk, embed and index stages.
type Pipeline struct {
	store    Store
	chunker  *chunker.Chunker
	embedder Embedder
	index    vectorstore.Index
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a pipeline.
func New(st Store, ch *chunker.Chunker, embedder Embedder, index vectorstore.Index, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ch == nil {
		ch = chunker.New()
	}
	return &Pipeline{
		store:    st,
		chunker:  ch,
		embedder: embedder,
		index:    index,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Process advances one document version to indexed. Superseded versions are
// marked indexed without work; their chunks are never served.
func (p *Pipeline) Process(ctx context.Context, documentID string) (stats Stats, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", documentID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline failed")
		}
	}()

	doc, err := p.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return stats, apperr.NotFound("pipeline.Process", "document %s not found", documentID)
	}
	if err != nil {
		return stats, err
	}
	if doc.IndexState == store.IndexIndexed {
		stats.Skipped = true
		return stats, nil
	}
	if !doc.IsLatest {
		stats.Skipped = true
		return stats, p.store.SetIndexState(ctx, doc.ID, store.IndexIndexed)
	}

	if doc.IndexState == store.IndexPending {
		n, err := p.chunk(ctx, doc)
		if err != nil {
			return stats, fmt.Errorf("chunking %s: %w", doc.URL, err)
		}
		stats.Chunks = n
	}

	embedded, unembedded, err := p.embed(ctx, doc)
	if err != nil {
		return stats, fmt.Errorf("embedding %s: %w", doc.URL, err)
	}
	stats.Embedded, stats.Unembedded = embedded, unembedded

	if err := p.publish(ctx, doc); err != nil {
		return stats, fmt.Errorf("indexing %s: %w", doc.URL, err)
	}
	if err := p.store.SetIndexState(ctx, doc.ID, store.IndexIndexed); err != nil {
		return stats, err
	}
	DocumentsIndexed.Inc()

	p.logger.Debug("document indexed",
		zap.String("document_id", doc.ID),
		zap.String("url", doc.URL),
		zap.Int("version", doc.Version),
		zap.Int("embedded", embedded),
		zap.Int("unembedded", unembedded))
	return stats, nil
}

// ProcessAll runs Process over ids and joins the failures. One failed
// document does not stop the rest.
func (p *Pipeline) ProcessAll(ctx context.Context, ids []string) (Stats, error) {
	var total Stats
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		s, err := p.Process(ctx, id)
		if err != nil {
			p.logger.Warn("document processing failed", zap.String("document_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		total.Chunks += s.Chunks
		total.Embedded += s.Embedded
		total.Unembedded += s.Unembedded
	}
	return total, errors.Join(errs...)
}

// Resume finishes every document left pending or chunked by an earlier run.
func (p *Pipeline) Resume(ctx context.Context) error {
	docs, err := p.store.DocumentsInState(ctx, store.IndexPending, store.IndexChunked)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	p.logger.Info("resuming unfinished documents", zap.Int("count", len(docs)))

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	_, err = p.ProcessAll(ctx, ids)
	return err
}

// Rebuild drops a vendor's index partition and reloads it from the
// embedded chunks of the vendor's latest documents.
func (p *Pipeline) Rebuild(ctx context.Context, vendorID string) (int, error) {
	refs, err := p.store.EmbeddedChunks(ctx, vendorID)
	if err != nil {
		return 0, err
	}
	if err := p.index.DeleteVendor(ctx, vendorID); err != nil {
		return 0, err
	}

	for start := 0; start < len(refs); start += rebuildBatchSize {
		batch := refs[start:min(start+rebuildBatchSize, len(refs))]
		entries := make([]vectorstore.Entry, len(batch))
		for i, ref := range batch {
			entries[i] = entry(ref.Chunk)
		}
		if err := p.index.Upsert(ctx, entries); err != nil {
			return start, err
		}
	}
	p.logger.Info("vector index rebuilt", zap.String("vendor_id", vendorID), zap.Int("chunks", len(refs)))
	return len(refs), nil
}

func (p *Pipeline) chunk(ctx context.Context, doc *store.Document) (int, error) {
	defer observe("chunk", time.Now())

	parts := p.chunker.Split(doc.Content)
	inputs := make([]store.ChunkInput, len(parts))
	for i, c := range parts {
		inputs[i] = store.ChunkInput{Index: c.Index, Offset: c.Offset, Length: c.Length, Text: c.Text}
	}
	if _, err := p.store.ReplaceChunks(ctx, doc.ID, doc.VendorID, inputs); err != nil {
		return 0, err
	}
	ChunksTotal.WithLabelValues("created").Add(float64(len(inputs)))
	return len(inputs), nil
}

func (p *Pipeline) embed(ctx context.Context, doc *store.Document) (embedded, unembedded int, err error) {
	defer observe("embed", time.Now())

	pending, err := p.store.ListChunks(ctx, doc.ID, store.EmbedPending)
	if err != nil || len(pending) == 0 {
		return 0, 0, err
	}

	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Text
	}
	results, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, 0, err
	}

	for i, res := range results {
		c := pending[i]
		if res.Err != nil {
			if err := p.store.MarkChunkUnembedded(ctx, c.ID, res.Attempts, res.Err.Error()); err != nil {
				return embedded, unembedded, err
			}
			unembedded++
			p.logger.Warn("chunk excluded from retrieval",
				zap.String("chunk_id", c.ID),
				zap.String("document_id", doc.ID),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
			continue
		}
		if err := p.store.SetChunkEmbedding(ctx, c.ID, res.Vector); err != nil {
			return embedded, unembedded, err
		}
		embedded++
	}
	ChunksTotal.WithLabelValues("embedded").Add(float64(embedded))
	ChunksTotal.WithLabelValues("unembedded").Add(float64(unembedded))
	return embedded, unembedded, nil
}

// publish upserts the document's embedded chunks and evicts the chunks of
// every older version of the page, including versions that were superseded
// before they were ever indexed.
func (p *Pipeline) publish(ctx context.Context, doc *store.Document) error {
	defer observe("index", time.Now())

	chunks, err := p.store.ListChunks(ctx, doc.ID, store.EmbedEmbedded)
	if err != nil {
		return err
	}
	if len(chunks) > 0 {
		entries := make([]vectorstore.Entry, len(chunks))
		for i, c := range chunks {
			entries[i] = entry(c)
		}
		if err := p.index.Upsert(ctx, entries); err != nil {
			return err
		}
	}

	if doc.PreviousVersionID == "" {
		return nil
	}
	stale, err := p.store.SupersededChunkIDs(ctx, doc.VendorID, doc.URLHash)
	if err != nil || len(stale) == 0 {
		return err
	}
	if err := p.index.Delete(ctx, doc.VendorID, stale); err != nil {
		return err
	}
	ChunksTotal.WithLabelValues("evicted").Add(float64(len(stale)))
	return nil
}

func entry(c store.Chunk) vectorstore.Entry {
	return vectorstore.Entry{
		ChunkID:    c.ID,
		VendorID:   c.VendorID,
		DocumentID: c.DocumentID,
		Vector:     c.Embedding,
		Content:    c.Text,
	}
}

func observe(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
