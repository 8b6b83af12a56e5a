package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
)

// IndexerConfig bounds batch embedding.
type IndexerConfig struct {
	// Provider labels metrics and logs.
	Provider       string
	BatchSize      int
	MaxConcurrency int
	MaxAttempts    int
	// Backoff is the delay before the second attempt; it doubles per attempt.
	Backoff time.Duration
	// CallTimeout bounds each request to the embedder.
	CallTimeout time.Duration
}

// IndexerConfigFromSettings converts the loaded configuration section.
func IndexerConfigFromSettings(c config.EmbeddingsConfig) IndexerConfig {
	return IndexerConfig{
		Provider:       c.Provider,
		BatchSize:      c.BatchSize,
		MaxConcurrency: c.MaxConcurrency,
		MaxAttempts:    c.MaxAttempts,
		Backoff:        c.Backoff.Duration(),
		CallTimeout:    c.CallTimeout.Duration(),
	}
}

func (c *IndexerConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Result is the outcome for one input text. Err is set when every attempt
// failed; Attempts counts the requests that included the text.
type Result struct {
	Vector   []float32
	Attempts int
	Err      error
}

// Indexer embeds texts in concurrent batches with bounded retries.
type Indexer struct {
	embedder DocumentEmbedder
	cfg      IndexerConfig
	metrics  *Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewIndexer creates a batch indexer over embedder.
func NewIndexer(embedder DocumentEmbedder, cfg IndexerConfig, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Indexer{
		embedder: embedder,
		cfg:      cfg,
		metrics:  NewMetrics(logger),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		sleep:    sleepCtx,
	}
}

// Embed returns one Result per text, in input order. Batches that keep
// failing are retried text by text so a single bad input does not sink its
// neighbours. The returned error is non-nil only when ctx ends.
func (ix *Indexer) Embed(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.MaxConcurrency)

	for start := 0; start < len(texts); start += ix.cfg.BatchSize {
		end := min(start+ix.cfg.BatchSize, len(texts))
		batch := texts[start:end]
		out := results[start:end]
		g.Go(func() error {
			return ix.embedBatch(gctx, batch, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, texts []string, out []Result) error {
	ctx, span := ix.tracer.Start(ctx, "embeddings.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(texts)))

	vectors, attempts, err := ix.attempt(ctx, texts, ix.cfg.MaxAttempts)
	if err == nil {
		for i := range out {
			out[i] = Result{Vector: vectors[i], Attempts: attempts}
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	span.RecordError(err)
	if len(texts) == 1 {
		span.SetStatus(codes.Error, "embedding failed")
		out[0] = Result{Attempts: attempts, Err: err}
		return nil
	}

	ix.logger.Warn("embedding batch failed, isolating texts",
		zap.Int("batch_size", len(texts)),
		zap.Int("attempts", attempts),
		zap.Error(err))

	failed := 0
	for i, text := range texts {
		vec, n, err := ix.attempt(ctx, []string{text}, 1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failed++
			out[i] = Result{Attempts: attempts + n, Err: err}
			continue
		}
		out[i] = Result{Vector: vec[0], Attempts: attempts + n}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, "embedding failed")
	}
	return nil
}

// attempt calls the embedder up to maxAttempts times with exponential backoff.
func (ix *Indexer) attempt(ctx context.Context, texts []string, maxAttempts int) ([][]float32, int, error) {
	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			ix.metrics.RecordRetry(ctx, ix.cfg.Provider)
			if err := ix.sleep(ctx, ix.cfg.Backoff<<(n-2)); err != nil {
				return nil, n - 1, err
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, ix.cfg.CallTimeout)
		vectors, err := ix.embedder.EmbedDocuments(callCtx, texts)
		cancel()
		if err == nil && len(vectors) != len(texts) {
			err = ErrEmbeddingFailed
		}
		ix.metrics.RecordGeneration(ctx, ix.cfg.Provider, "batch", time.Since(start), len(texts), err)
		if err == nil {
			return vectors, n, nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, ErrEmptyInput) {
			return nil, n, err
		}
	}
	return nil, maxAttempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
