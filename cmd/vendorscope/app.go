package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/chunker"
	"github.com/ShalakaSonawane1/vendorscope/internal/compare"
	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/crawler"
	"github.com/ShalakaSonawane1/vendorscope/internal/dispatch"
	"github.com/ShalakaSonawane1/vendorscope/internal/embeddings"
	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
	"github.com/ShalakaSonawane1/vendorscope/internal/logging"
	"github.com/ShalakaSonawane1/vendorscope/internal/pipeline"
	"github.com/ShalakaSonawane1/vendorscope/internal/rag"
	"github.com/ShalakaSonawane1/vendorscope/internal/scheduler"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
	"github.com/ShalakaSonawane1/vendorscope/internal/telemetry"
	"github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"
)

// app holds every long-lived component of the daemon.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry

	store      *store.Store
	embedder   embeddings.Provider
	index      vectorstore.Index
	pipeline   *pipeline.Pipeline
	dispatcher dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	answers    *rag.Engine
	compare    *compare.Engine

	closers []func() error
}

// loadConfig reads configuration; Load validates it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// initObservability starts telemetry and builds the root logger.
func initObservability(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, *zap.Logger, error) {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	if degraded, derr := tel.Degraded(); degraded {
		logger.Underlying().Warn("telemetry degraded", zap.Error(derr))
	}
	return tel, logger.Underlying(), nil
}

// newApp wires the full component graph.
func newApp(ctx context.Context) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, logger, err := initObservability(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	logger.Info("store opened", zap.String("path", cfg.Database.Path))

	a.embedder, err = embeddings.NewProvider(embeddings.ProviderConfigFromSettings(cfg.Embeddings))
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	a.closers = append(a.closers, a.embedder.Close)

	a.index, err = vectorstore.New(cfg.VectorStore, a.embedder.Dimension(), logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)
	logger.Info("vector index ready",
		zap.String("provider", cfg.VectorStore.Provider),
		zap.Int("dimension", a.embedder.Dimension()))

	embedCfg := embeddings.IndexerConfigFromSettings(cfg.Embeddings)
	indexer := embeddings.NewIndexer(a.embedder, embedCfg, logger.Named("embeddings"))
	ch := chunker.New(chunker.WithChunkSize(cfg.Chunker.Size), chunker.WithOverlap(cfg.Chunker.Overlap))
	a.pipeline = pipeline.New(a.store, ch, indexer, a.index, logger.Named("pipeline"))

	completer, err := llm.New(llm.ConfigFromSettings(cfg.LLM), logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("creating completion provider: %w", err)
	}
	queries := embeddings.NewRetryingQueryEmbedder(a.embedder, embedCfg, logger.Named("embeddings"))
	a.answers = rag.New(a.store, a.index, queries, completer, rag.ConfigFromSettings(cfg.Retrieval),
		logger.Named("rag"), rag.WithFallback(llm.NewExtractive()))
	a.compare = compare.New(a.answers, a.store, completer, compare.ConfigFromSettings(cfg.Compare), logger.Named("compare"))

	a.dispatcher, err = dispatch.New(cfg.Dispatch, logger.Named("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	a.closers = append(a.closers, a.dispatcher.Close)

	cr := crawler.New(crawler.ConfigFromSettings(cfg.Crawler), logger.Named("crawler"))
	a.scheduler = scheduler.New(a.store, cr, a.pipeline, a.dispatcher,
		scheduler.ConfigFromSettings(cfg.Scheduler), logger.Named("scheduler"))

	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
