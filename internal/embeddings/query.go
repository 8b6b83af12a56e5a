package embeddings

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RetryingQueryEmbedder embeds questions with the same retry policy the
// Indexer applies to chunks. Each attempt has its own deadline, and at most
// MaxConcurrency questions are in flight at once.
type RetryingQueryEmbedder struct {
	embedder QueryEmbedder
	cfg      IndexerConfig
	inflight *semaphore.Weighted
	metrics  *Metrics
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryingQueryEmbedder wraps embedder. BatchSize in cfg is ignored.
func NewRetryingQueryEmbedder(embedder QueryEmbedder, cfg IndexerConfig, logger *zap.Logger) *RetryingQueryEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &RetryingQueryEmbedder{
		embedder: embedder,
		cfg:      cfg,
		inflight: semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		metrics:  NewMetrics(logger),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// EmbedQuery implements QueryEmbedder.
func (q *RetryingQueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := q.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer q.inflight.Release(1)

	var lastErr error
	for n := 1; n <= q.cfg.MaxAttempts; n++ {
		if n > 1 {
			q.metrics.RecordRetry(ctx, q.cfg.Provider)
			if err := q.sleep(ctx, q.cfg.Backoff<<(n-2)); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
		vec, err := q.embedder.EmbedQuery(callCtx, text)
		cancel()
		if err == nil && len(vec) == 0 {
			err = ErrEmbeddingFailed
		}
		q.metrics.RecordGeneration(ctx, q.cfg.Provider, "query", time.Since(start), 1, err)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrEmptyInput) {
			return nil, err
		}
		q.logger.Debug("query embedding failed",
			zap.Int("attempt", n),
			zap.Int("max_attempts", q.cfg.MaxAttempts),
			zap.Error(err))
	}
	return nil, lastErr
}
